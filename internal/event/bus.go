package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType is the tag carried by every envelope on the channel.
type EventType string

// Tags emitted by the agent process.
const (
	TurnStarted       EventType = "turn.started"
	MessageDelta      EventType = "message.delta"
	ThinkingDelta     EventType = "thinking.delta"
	ToolStarted       EventType = "tool.started"
	ToolCompleted     EventType = "tool.completed"
	ApprovalRequested EventType = "approval.requested"
	TurnCompleted     EventType = "turn.completed"
	TurnFailed        EventType = "turn.failed"
	ConversationTitle EventType = "conversation.title"
)

// Tags emitted by the bridge.
const (
	ApprovalReplied     EventType = "approval.replied"
	ConversationChanged EventType = "conversation.changed"
)

// Event is the envelope delivered on the channel. SessionID correlates the
// payload with a specific agent run; subscribers bound to a single
// conversation filter on it.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionID,omitempty"`
	Data      any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID so it can be removed.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus manages pub/sub over a watermill gochannel. The gochannel provides
// the transport infrastructure while subscriber dispatch stays direct-call
// to preserve payload types.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context
}

// DefaultChannelBuffer is the gochannel output buffer used unless
// Configure overrides it.
const DefaultChannelBuffer = 100

// globalBus is the default bus shared by the application.
var globalBus = newBus(DefaultChannelBuffer)

func newBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: int64(buffer),
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[EventType][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

// Configure replaces the global bus with one using the given output buffer
// size. Call before any subscriptions exist, typically at startup.
func Configure(buffer int) {
	old := globalBus
	globalBus = newBus(buffer)
	_ = old.Close()
}

// NewBus creates an isolated bus instance, mainly for tests.
func NewBus() *Bus {
	return newBus(DefaultChannelBuffer)
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type on the global
// bus. Returns an unsubscribe function.
func Subscribe(eventType EventType, fn Subscriber) func() {
	return globalBus.Subscribe(eventType, fn)
}

func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for every event on the global bus.
// Returns an unsubscribe function.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// collect gathers the subscribers interested in an event under a read lock.
func (b *Bus) collect(eventType EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish sends an event to all subscribers asynchronously. Each subscriber
// runs in its own goroutine so a slow subscriber never blocks the channel.
func Publish(event Event) {
	globalBus.Publish(event)
}

func (b *Bus) Publish(event Event) {
	for _, sub := range b.collect(event.Type) {
		go sub(event)
	}
}

// PublishSync sends an event to all subscribers in the calling goroutine,
// returning only after every subscriber has run. Used where delivery order
// matters, e.g. replaying a recorded stream.
func PublishSync(event Event) {
	globalBus.PublishSync(event)
}

func (b *Bus) PublishSync(event Event) {
	for _, sub := range b.collect(event.Type) {
		sub(event)
	}
}

// Reset clears all subscribers from the global bus (for testing).
func Reset() {
	globalBus.mu.Lock()
	globalBus.closed = true
	globalBus.closedCancel()
	globalBus.mu.Unlock()

	_ = globalBus.pubsub.Close()

	// Small delay to allow in-flight goroutines to drain
	time.Sleep(10 * time.Millisecond)

	globalBus = newBus(DefaultChannelBuffer)
}

// Close closes the bus and drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()

	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill GoChannel, the hook for swapping
// in a distributed transport between the desktop shell and the agent.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// PubSub returns the global bus's underlying watermill GoChannel.
func PubSub() *gochannel.GoChannel {
	return globalBus.PubSub()
}
