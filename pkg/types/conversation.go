// Package types provides the core data types shared between the bridge,
// the conversation store, and the CLI.
package types

// Conversation is a single chat document. Each conversation is correlated
// with at most one background agent run via SessionID.
type Conversation struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionID"`
	Title     string           `json:"title"`
	Time      ConversationTime `json:"time"`
	Messages  []*Message       `json:"messages"`
}

// ConversationTime contains timestamps for a conversation, in Unix millis.
type ConversationTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// LastMessage returns the most recent message, or nil for an empty
// conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// FindMessage returns the message with the given ID, or nil.
func (c *Conversation) FindMessage(messageID string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}
