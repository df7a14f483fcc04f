// Package approval surfaces agent approval requests to the UI layer and
// routes the user's decisions back onto the event channel.
package approval

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentdesk/agentdesk/internal/event"
)

// Decision is the user's answer to an approval request.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionAllowAlways Decision = "allow_always"
	DecisionDeny        Decision = "deny"
)

// ErrUnknownRequest is returned when responding to a request that is not
// pending (already answered, or dropped with its session).
var ErrUnknownRequest = errors.New("approval request not pending")

// Request is a pending approval surfaced to the UI.
type Request struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionID"`
	ConversationID string         `json:"conversationID"`
	Tool           string         `json:"tool"`
	Title          string         `json:"title"`
	Input          map[string]any `json:"input,omitempty"`
}

// Handler receives approval requests as they arrive.
type Handler func(Request)

// handlerEntry wraps a handler with an ID so it can be removed.
type handlerEntry struct {
	id uint64
	fn Handler
}

// Manager tracks pending approval requests and per-session standing grants.
type Manager struct {
	mu       sync.RWMutex
	pending  map[string]Request
	grants   map[string]map[string]bool // sessionID -> tool -> granted
	handlers []handlerEntry
	nextID   uint64
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		pending: make(map[string]Request),
		grants:  make(map[string]map[string]bool),
	}
}

// OnRequest registers a UI callback invoked for every request that needs a
// decision. Returns an unregister function.
func (m *Manager) OnRequest(fn Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.handlers = append(m.handlers, handlerEntry{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, entry := range m.handlers {
			if entry.id == id {
				m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
				break
			}
		}
	}
}

// Handle records an incoming request and notifies the UI. If the session
// already holds a standing grant for the tool, the request is answered
// immediately without surfacing.
func (m *Manager) Handle(req Request) {
	m.mu.Lock()
	if m.grants[req.SessionID][req.Tool] {
		m.mu.Unlock()
		log.Debug().Str("tool", req.Tool).Str("session", req.SessionID).Msg("approval auto-granted")
		m.reply(req, DecisionAllow)
		return
	}

	m.pending[req.ID] = req
	handlers := append([]handlerEntry(nil), m.handlers...)
	m.mu.Unlock()

	for _, entry := range handlers {
		entry.fn(req)
	}
}

// Pending returns the unanswered requests for a session.
func (m *Manager) Pending(sessionID string) []Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Request
	for _, req := range m.pending {
		if req.SessionID == sessionID {
			out = append(out, req)
		}
	}
	return out
}

// Respond resolves a pending request with the user's decision and publishes
// the reply for the agent process.
func (m *Manager) Respond(ctx context.Context, requestID string, decision Decision) error {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownRequest
	}
	delete(m.pending, requestID)

	if decision == DecisionAllowAlways {
		if m.grants[req.SessionID] == nil {
			m.grants[req.SessionID] = make(map[string]bool)
		}
		m.grants[req.SessionID][req.Tool] = true
	}
	m.mu.Unlock()

	m.reply(req, decision)
	return nil
}

// DropSession discards pending requests and standing grants when a session
// ends. Unanswered requests are not replied to; the agent run is gone.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, req := range m.pending {
		if req.SessionID == sessionID {
			delete(m.pending, id)
		}
	}
	delete(m.grants, sessionID)
}

func (m *Manager) reply(req Request, decision Decision) {
	event.Publish(event.Event{
		Type:      event.ApprovalReplied,
		SessionID: req.SessionID,
		Data: event.ApprovalRepliedData{
			ID:       req.ID,
			Decision: string(decision),
		},
	})
}
