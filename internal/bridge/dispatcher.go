package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentdesk/agentdesk/internal/approval"
	"github.com/agentdesk/agentdesk/internal/chat"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Dispatcher routes agent events into the store. One binding per attached
// session; events for unattached sessions are dropped by the filter.
type Dispatcher struct {
	store     *chat.Store
	approvals *approval.Manager

	flushInterval time.Duration

	mu       sync.Mutex
	bindings map[string]*binding // sessionID -> binding
}

// binding ties one agent session to one conversation document.
type binding struct {
	sessionID      string
	conversationID string
	unsubscribe    func()
	buffer         *streamBuffer

	mu     sync.Mutex
	target string // message ID of the turn in progress, "" when idle
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFlushInterval overrides the streaming debounce delay, mainly for
// tests.
func WithFlushInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.flushInterval = d
	}
}

// NewDispatcher creates a dispatcher over the store and approval manager.
func NewDispatcher(store *chat.Store, approvals *approval.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:         store,
		approvals:     approvals,
		flushInterval: DefaultFlushInterval,
		bindings:      make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach subscribes the conversation to its session's events. Returns an
// error if the conversation is unknown or the session is already attached.
func (d *Dispatcher) Attach(conversationID, sessionID string) error {
	if _, ok := d.store.Get(conversationID); !ok {
		return chat.ErrConversationNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.bindings[sessionID]; ok {
		return fmt.Errorf("session %s already attached", sessionID)
	}

	b := &binding{
		sessionID:      sessionID,
		conversationID: conversationID,
	}
	b.buffer = newStreamBuffer(d.flushInterval, func(text, thinking string) {
		d.writeStream(b, text, thinking)
	})

	b.unsubscribe = event.SubscribeAll(func(e event.Event) {
		if e.SessionID != sessionID {
			return
		}
		d.handle(b, e)
	})

	d.bindings[sessionID] = b
	log.Info().Str("session", sessionID).Str("conversation", conversationID).Msg("session attached")
	return nil
}

// Detach unsubscribes a session, finalizing any turn still streaming as
// aborted. Pending approvals for the session are dropped.
func (d *Dispatcher) Detach(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	b, ok := d.bindings[sessionID]
	if ok {
		delete(d.bindings, sessionID)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not attached", sessionID)
	}

	b.unsubscribe()
	d.finalize(b, nil, types.NewAbortedError())
	d.approvals.DropSession(sessionID)

	if err := d.store.SaveConversation(ctx, b.conversationID); err != nil {
		return err
	}

	log.Info().Str("session", sessionID).Msg("session detached")
	return nil
}

// Attached reports whether a session currently has a binding.
func (d *Dispatcher) Attached(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.bindings[sessionID]
	return ok
}

// handle is the event switch. Bindings serialize their own handling; the
// channel delivers one event at a time per publisher.
func (d *Dispatcher) handle(b *binding, e event.Event) {
	switch data := e.Data.(type) {
	case event.TurnStartedData:
		d.handleTurnStarted(b, data)
	case event.MessageDeltaData:
		d.handleDelta(b, data.MessageID, data.Delta, b.buffer.AppendText)
	case event.ThinkingDeltaData:
		d.handleDelta(b, data.MessageID, data.Delta, b.buffer.AppendThinking)
	case event.ToolStartedData:
		d.handleToolStarted(b, data)
	case event.ToolCompletedData:
		d.handleToolCompleted(b, data)
	case event.ApprovalRequestedData:
		d.approvals.Handle(approval.Request{
			ID:             data.ID,
			SessionID:      b.sessionID,
			ConversationID: b.conversationID,
			Tool:           data.Tool,
			Title:          data.Title,
			Input:          data.Input,
		})
	case event.ConversationTitleData:
		if err := d.store.Rename(b.conversationID, data.Title); err != nil {
			log.Error().Err(err).Str("conversation", b.conversationID).Msg("failed to store title")
		}
	case event.TurnCompletedData:
		d.finalize(b, data.Usage, nil)
		d.save(b)
	case event.TurnFailedData:
		d.finalize(b, nil, types.NewAgentError(data.Message))
		d.save(b)
	default:
		log.Debug().Str("type", string(e.Type)).Msg("dropping unhandled event")
	}
}

// handleTurnStarted appends the assistant message the turn streams into. A
// turn still open at that point is finalized as aborted first; a message
// left streaming would block every later save of the conversation.
func (d *Dispatcher) handleTurnStarted(b *binding, data event.TurnStartedData) {
	b.mu.Lock()
	open := b.target != ""
	b.mu.Unlock()
	if open {
		log.Warn().Str("conversation", b.conversationID).Msg("turn started while previous turn still open")
		d.finalize(b, nil, types.NewAbortedError())
	}

	msg := &types.Message{
		ID:        data.MessageID,
		Role:      types.RoleAssistant,
		Streaming: true,
	}
	if err := d.store.AppendMessage(b.conversationID, msg); err != nil {
		log.Error().Err(err).Str("conversation", b.conversationID).Msg("failed to start turn")
		return
	}

	b.buffer.Reset()
	b.mu.Lock()
	b.target = msg.ID
	b.mu.Unlock()
}

// handleDelta hands a fragment to the buffer, dropping fragments that
// arrive outside a turn or for a stale message.
func (d *Dispatcher) handleDelta(b *binding, messageID, delta string, appendFn func(string)) {
	b.mu.Lock()
	target := b.target
	b.mu.Unlock()

	if target == "" || (messageID != "" && messageID != target) {
		log.Warn().Str("message", messageID).Msg("dropping fragment outside a turn")
		return
	}
	appendFn(delta)
}

// handleToolStarted records a tool call. Buffered text is flushed first so
// the stored message reflects the order the agent produced content in.
func (d *Dispatcher) handleToolStarted(b *binding, data event.ToolStartedData) {
	b.buffer.Flush()

	err := d.store.UpdateMessage(b.conversationID, d.targetOr(b, data.MessageID), func(msg *types.Message) {
		msg.ToolCalls = append(msg.ToolCalls, &types.ToolCall{
			CallID: data.CallID,
			Name:   data.Name,
			Input:  data.Input,
			State:  types.ToolRunning,
		})
	})
	if err != nil {
		log.Error().Err(err).Str("call", data.CallID).Msg("failed to record tool start")
	}
}

// handleToolCompleted patches the matching tool call in place.
func (d *Dispatcher) handleToolCompleted(b *binding, data event.ToolCompletedData) {
	err := d.store.UpdateMessage(b.conversationID, d.targetOr(b, data.MessageID), func(msg *types.Message) {
		tc := msg.FindToolCall(data.CallID)
		if tc == nil {
			log.Warn().Str("call", data.CallID).Msg("completion for unknown tool call")
			return
		}
		tc.Output = data.Output
		tc.Error = data.Error
		if data.Error != "" {
			tc.State = types.ToolError
		} else {
			tc.State = types.ToolCompleted
		}
	})
	if err != nil {
		log.Error().Err(err).Str("call", data.CallID).Msg("failed to record tool completion")
	}
}

// finalize closes the turn in progress: flush the buffer, stamp usage or
// error, clear the streaming flag. No-op when no turn is open.
func (d *Dispatcher) finalize(b *binding, usage *types.TokenUsage, turnErr *types.MessageError) {
	b.buffer.Flush()

	b.mu.Lock()
	target := b.target
	b.target = ""
	b.mu.Unlock()

	if target == "" {
		return
	}

	err := d.store.UpdateMessage(b.conversationID, target, func(msg *types.Message) {
		msg.Streaming = false
		if usage != nil {
			msg.Usage = usage
		}
		if turnErr != nil {
			msg.Error = turnErr
		}
	})
	if err != nil {
		log.Error().Err(err).Str("message", target).Msg("failed to finalize turn")
	}
}

// save persists the conversation at a turn boundary.
func (d *Dispatcher) save(b *binding) {
	if err := d.store.SaveConversation(context.Background(), b.conversationID); err != nil {
		log.Error().Err(err).Str("conversation", b.conversationID).Msg("failed to persist conversation")
	}
}

// writeStream is the buffer's flush target: the accumulated content
// replaces the message's text wholesale, streaming flag intact.
func (d *Dispatcher) writeStream(b *binding, text, thinking string) {
	b.mu.Lock()
	target := b.target
	b.mu.Unlock()

	if target == "" {
		return
	}

	err := d.store.UpdateMessage(b.conversationID, target, func(msg *types.Message) {
		msg.Text = text
		msg.Thinking = thinking
	})
	if err != nil {
		log.Error().Err(err).Str("message", target).Msg("failed to flush stream buffer")
	}
}

// targetOr prefers the explicit message ID from the event, falling back to
// the turn in progress.
func (d *Dispatcher) targetOr(b *binding, messageID string) string {
	if messageID != "" {
		return messageID
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}
