// Package chat provides the persisted conversation store: one in-memory
// document holding every conversation, mutated by the bridge and read by
// the UI, with a partial-write persistence policy over the blob store.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdesk/agentdesk/pkg/types"
)

var (
	// ErrConversationNotFound is returned for operations on unknown
	// conversation IDs.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound is returned for operations on unknown message IDs.
	ErrMessageNotFound = errors.New("message not found")
)

// Store holds the conversation list. All mutations go through it; the
// persisted subset is written by Save (persist.go).
type Store struct {
	mu            sync.RWMutex
	conversations []*types.Conversation

	persister *persister
}

// NewStore creates a store persisting into blobs. A nil blob store keeps
// the document memory-only, which the tests use.
func NewStore(blobs BlobStore) *Store {
	s := &Store{}
	if blobs != nil {
		s.persister = newPersister(blobs)
	}
	return s
}

// Create adds a new conversation bound to an agent session and returns it.
func (s *Store) Create(sessionID, title string) *types.Conversation {
	now := time.Now().UnixMilli()
	if title == "" {
		title = "New Conversation"
	}

	conv := &types.Conversation{
		ID:        generateID(),
		SessionID: sessionID,
		Title:     title,
		Time:      types.ConversationTime{Created: now, Updated: now},
	}

	s.mu.Lock()
	s.conversations = append(s.conversations, conv)
	s.mu.Unlock()

	return conv
}

// Get returns the conversation with the given ID.
func (s *Store) Get(conversationID string) (*types.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.find(conversationID)
	return conv, conv != nil
}

// FindBySession returns the conversation bound to an agent session.
func (s *Store) FindBySession(sessionID string) (*types.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conv := range s.conversations {
		if conv.SessionID == sessionID {
			return conv, true
		}
	}
	return nil, false
}

// find must be called with the lock held.
func (s *Store) find(conversationID string) *types.Conversation {
	for _, conv := range s.conversations {
		if conv.ID == conversationID {
			return conv
		}
	}
	return nil
}

// Rename sets a conversation's title.
func (s *Store) Rename(conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.find(conversationID)
	if conv == nil {
		return ErrConversationNotFound
	}
	conv.Title = title
	conv.Time.Updated = time.Now().UnixMilli()
	return nil
}

// Delete removes a conversation from the document. The persisted blob is
// removed on the next Save.
func (s *Store) Delete(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, conv := range s.conversations {
		if conv.ID == conversationID {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			if s.persister != nil {
				s.persister.markDeleted(conversationID)
			}
			return nil
		}
	}
	return ErrConversationNotFound
}

// AppendMessage adds a message to a conversation.
func (s *Store) AppendMessage(conversationID string, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.find(conversationID)
	if conv == nil {
		return ErrConversationNotFound
	}

	if msg.ID == "" {
		msg.ID = generateID()
	}
	if msg.Time.Created == 0 {
		msg.Time.Created = time.Now().UnixMilli()
	}

	conv.Messages = append(conv.Messages, msg)
	conv.Time.Updated = time.Now().UnixMilli()
	return nil
}

// UpdateMessage applies fn to a message under the store lock.
func (s *Store) UpdateMessage(conversationID, messageID string, fn func(*types.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.find(conversationID)
	if conv == nil {
		return ErrConversationNotFound
	}

	msg := conv.FindMessage(messageID)
	if msg == nil {
		return ErrMessageNotFound
	}

	fn(msg)

	now := time.Now().UnixMilli()
	msg.Time.Updated = &now
	conv.Time.Updated = now
	return nil
}

// SetStreaming flips a message's streaming flag. The flag is runtime-only
// and never reaches a persisted blob.
func (s *Store) SetStreaming(conversationID, messageID string, streaming bool) error {
	return s.UpdateMessage(conversationID, messageID, func(msg *types.Message) {
		msg.Streaming = streaming
	})
}

// List returns the conversations ordered as created.
func (s *Store) List() []*types.Conversation {
	return s.Snapshot()
}

// Snapshot returns a shallow copy of the conversation list. Message slices
// are copied per conversation so a caller iterating the snapshot is not
// affected by concurrent appends; message structs themselves are shared.
func (s *Store) Snapshot() []*types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Conversation, len(s.conversations))
	for i, conv := range s.conversations {
		cp := *conv
		cp.Messages = append([]*types.Message(nil), conv.Messages...)
		out[i] = &cp
	}
	return out
}

// streaming reports whether any message of the conversation is mid-stream.
// Called with the lock held.
func streaming(conv *types.Conversation) bool {
	for _, msg := range conv.Messages {
		if msg.Streaming {
			return true
		}
	}
	return false
}

func generateID() string {
	return ulid.Make().String()
}
