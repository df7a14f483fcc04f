package event

import (
	"encoding/json"
	"fmt"

	"github.com/agentdesk/agentdesk/pkg/types"
)

// TurnStartedData is the data for turn.started events. MessageID is the
// agent-assigned ID of the assistant message the turn will stream into.
type TurnStartedData struct {
	MessageID string `json:"messageID"`
}

// MessageDeltaData is the data for message.delta events.
type MessageDeltaData struct {
	MessageID string `json:"messageID"`
	Delta     string `json:"delta"`
}

// ThinkingDeltaData is the data for thinking.delta events.
type ThinkingDeltaData struct {
	MessageID string `json:"messageID"`
	Delta     string `json:"delta"`
}

// ToolStartedData is the data for tool.started events.
type ToolStartedData struct {
	MessageID string         `json:"messageID"`
	CallID    string         `json:"callID"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolCompletedData is the data for tool.completed events. Error is set
// when the tool failed.
type ToolCompletedData struct {
	MessageID string `json:"messageID"`
	CallID    string `json:"callID"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ApprovalRequestedData is the data for approval.requested events.
type ApprovalRequestedData struct {
	ID    string         `json:"id"`
	Tool  string         `json:"tool"`
	Title string         `json:"title"`
	Input map[string]any `json:"input,omitempty"`
}

// ApprovalRepliedData is the data for approval.replied events.
// Decision is "allow" | "allow_always" | "deny".
type ApprovalRepliedData struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

// TurnCompletedData is the data for turn.completed events.
type TurnCompletedData struct {
	MessageID string            `json:"messageID"`
	Usage     *types.TokenUsage `json:"usage,omitempty"`
}

// TurnFailedData is the data for turn.failed events.
type TurnFailedData struct {
	MessageID string `json:"messageID,omitempty"`
	Message   string `json:"message"`
}

// ConversationTitleData is the data for conversation.title events. The
// agent generates the title; the bridge only stores it.
type ConversationTitleData struct {
	Title string `json:"title"`
}

// ConversationChangedData is the data for conversation.changed events,
// published when a persisted blob is modified by another process.
type ConversationChangedData struct {
	ConversationID string `json:"conversationID"`
}

// envelope mirrors Event with the payload left raw for two-phase decoding.
type envelope struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionID"`
	Data      json.RawMessage `json:"data"`
}

// UnmarshalEnvelope decodes one wire envelope, resolving Data to the typed
// payload for the tag. Unknown tags are returned with raw Data so callers
// can log and drop them.
func UnmarshalEnvelope(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	ev := Event{Type: env.Type, SessionID: env.SessionID}

	decode := func(v any) error {
		if len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
		}
		return nil
	}

	switch env.Type {
	case TurnStarted:
		var d TurnStartedData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case MessageDelta:
		var d MessageDeltaData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case ThinkingDelta:
		var d ThinkingDeltaData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case ToolStarted:
		var d ToolStartedData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case ToolCompleted:
		var d ToolCompletedData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case ApprovalRequested:
		var d ApprovalRequestedData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case ApprovalReplied:
		var d ApprovalRepliedData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case TurnCompleted:
		var d TurnCompletedData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case TurnFailed:
		var d TurnFailedData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case ConversationTitle:
		var d ConversationTitleData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case ConversationChanged:
		var d ConversationChangedData
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	default:
		ev.Data = env.Data
	}

	return ev, nil
}
