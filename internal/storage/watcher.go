package storage

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/agentdesk/agentdesk/internal/event"
)

// watchDebounce coalesces the burst of fsnotify events a single atomic
// write produces into one bus event.
const watchDebounce = 200 * time.Millisecond

// Watcher observes the conversation blob directory and publishes
// conversation.changed events when another process modifies a blob. A
// second app window sharing the same storage directory is the expected
// writer.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewWatcher creates a watcher over the store's conversation directory.
// Returns nil if the directory does not exist yet.
func NewWatcher(store *Store) (*Watcher, error) {
	dir := filepath.Join(store.BasePath(), "conversation")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(dir); err != nil {
		w.Close()
		log.Debug().Str("dir", dir).Err(err).Msg("blob watcher disabled")
		return nil, nil
	}

	log.Info().Str("dir", dir).Msg("blob watcher initialized")

	return &Watcher{
		watcher: w,
		dir:     dir,
		timers:  make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.run()
}

// Stop terminates the watcher and waits for the goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".json") {
				// tmp and lock sidecars churn during our own writes
				continue
			}
			w.schedule(strings.TrimSuffix(name, ".json"))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("blob watcher error")
		}
	}
}

// schedule arms (or re-arms) the per-blob debounce timer.
func (w *Watcher) schedule(conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[conversationID]; ok {
		timer.Reset(watchDebounce)
		return
	}

	w.timers[conversationID] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, conversationID)
		w.mu.Unlock()

		log.Debug().Str("conversation", conversationID).Msg("blob changed on disk")
		event.Publish(event.Event{
			Type: event.ConversationChanged,
			Data: event.ConversationChangedData{ConversationID: conversationID},
		})
	})
}
