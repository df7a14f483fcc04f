package types

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a conversation. Assistant messages are
// appended incrementally while the agent streams; Streaming marks content
// that is still being appended and is never persisted.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Text      string        `json:"text"`
	Thinking  string        `json:"thinking,omitempty"`
	Streaming bool          `json:"-"`
	ToolCalls []*ToolCall   `json:"toolCalls,omitempty"`
	Error     *MessageError `json:"error,omitempty"`
	Usage     *TokenUsage   `json:"usage,omitempty"`
	Time      MessageTime   `json:"time"`
}

// MessageTime contains timestamps for a message, in Unix millis.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// ToolCallState describes the lifecycle of a tool invocation.
type ToolCallState string

const (
	ToolRunning   ToolCallState = "running"
	ToolCompleted ToolCallState = "completed"
	ToolError     ToolCallState = "error"
)

// ToolCall records one tool invocation made by the agent during a turn.
type ToolCall struct {
	CallID string         `json:"callID"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	State  ToolCallState  `json:"state"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// FindToolCall returns the tool call with the given call ID, or nil.
func (m *Message) FindToolCall(callID string) *ToolCall {
	for _, tc := range m.ToolCalls {
		if tc.CallID == callID {
			return tc
		}
	}
	return nil
}

// TokenUsage contains token accounting reported by the agent at the end of
// a turn.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
}

// MessageError represents an error that terminated a turn.
// Format: {"name": "AgentError", "data": {"message": "..."}}
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message string `json:"message"`
}

func (e *MessageError) Error() string {
	return e.Data.Message
}

// NewAgentError creates an error reported by the agent process itself.
func NewAgentError(message string) *MessageError {
	return &MessageError{
		Name: "AgentError",
		Data: MessageErrorData{Message: message},
	}
}

// NewAbortedError creates the error recorded when the user interrupts a turn.
func NewAbortedError() *MessageError {
	return &MessageError{
		Name: "AbortedError",
		Data: MessageErrorData{Message: "turn aborted"},
	}
}
