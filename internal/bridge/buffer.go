package bridge

import (
	"strings"
	"sync"
	"time"
)

// DefaultFlushInterval is the debounce delay between a fragment arriving
// and the buffered content being written into the store. Batching keeps a
// fast token stream from turning every token into a store mutation.
const DefaultFlushInterval = 50 * time.Millisecond

// streamBuffer accumulates message and thinking fragments for the turn in
// progress and flushes them into the store on a fixed delay, or immediately
// on terminal events. One debounce timer, rearmed after each flush.
type streamBuffer struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	text     strings.Builder
	thinking strings.Builder
	dirty    bool
	flushFn  func(text, thinking string)
}

func newStreamBuffer(interval time.Duration, flushFn func(text, thinking string)) *streamBuffer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &streamBuffer{interval: interval, flushFn: flushFn}
}

// AppendText adds a message fragment and arms the flush timer if idle.
func (b *streamBuffer) AppendText(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.WriteString(delta)
	b.markDirty()
}

// AppendThinking adds a thinking fragment and arms the flush timer if idle.
func (b *streamBuffer) AppendThinking(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.thinking.WriteString(delta)
	b.markDirty()
}

// markDirty must be called with the lock held.
func (b *streamBuffer) markDirty() {
	b.dirty = true
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.timedFlush)
	}
}

// timedFlush runs on the debounce timer's goroutine.
func (b *streamBuffer) timedFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	b.flushLocked()
}

// Flush writes any pending content synchronously and disarms the timer.
// Called on terminal events and before mutations that depend on the text
// being in the store (tool calls interleaved with text).
func (b *streamBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.flushLocked()
}

// flushLocked writes pending content through flushFn with the lock held, so
// a timed flush racing a terminal flush cannot overwrite the fuller text
// with a stale snapshot. Whichever flush runs second sees dirty cleared and
// becomes a no-op, or writes a strictly longer accumulation.
func (b *streamBuffer) flushLocked() {
	if !b.dirty {
		return
	}
	b.dirty = false
	b.flushFn(b.text.String(), b.thinking.String())
}

// Reset clears accumulated content for a new turn.
func (b *streamBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.text.Reset()
	b.thinking.Reset()
	b.dirty = false
}
