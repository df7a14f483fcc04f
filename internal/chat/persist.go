package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	// saveInitialInterval is the initial interval for write retries.
	saveInitialInterval = 100 * time.Millisecond
	// saveMaxInterval is the maximum interval for write retries.
	saveMaxInterval = 2 * time.Second
	// saveMaxRetries is the maximum number of retries per blob write.
	saveMaxRetries = 3
)

// BlobStore is the external key-value blob engine conversations persist
// into. internal/storage satisfies it.
type BlobStore interface {
	GetRaw(ctx context.Context, key []string) ([]byte, error)
	PutRaw(ctx context.Context, key []string, data []byte) error
	Delete(ctx context.Context, key []string) error
	Scan(ctx context.Context, key []string, fn func(key string, data json.RawMessage) error) error
}

// persister tracks what has been written so unchanged conversations are
// skipped. One digest per conversation blob.
type persister struct {
	blobs   BlobStore
	digests map[string]string
	deleted map[string]bool
}

func newPersister(blobs BlobStore) *persister {
	return &persister{
		blobs:   blobs,
		digests: make(map[string]string),
		deleted: make(map[string]bool),
	}
}

// markDeleted queues a blob removal for the next Save. Called with the
// store lock held.
func (p *persister) markDeleted(conversationID string) {
	p.deleted[conversationID] = true
	delete(p.digests, conversationID)
}

// blobKey returns the storage key for a conversation.
func blobKey(conversationID string) []string {
	return []string{"conversation", conversationID}
}

// Save writes the persisted subset of the document. Conversations with a
// message still streaming are left for the terminal-event save; blobs whose
// encoding digest matches the last write are skipped.
func (s *Store) Save(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	type pending struct {
		id     string
		data   []byte
		digest string
	}

	// Encode under the read lock; writes happen outside it.
	s.mu.RLock()
	var writes []pending
	for _, conv := range s.conversations {
		if streaming(conv) {
			continue
		}
		data, err := json.MarshalIndent(encodeDocument(conv), "", "  ")
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
		}
		digest := digestOf(data)
		if s.persister.digests[conv.ID] == digest {
			continue
		}
		writes = append(writes, pending{id: conv.ID, data: data, digest: digest})
	}
	var deletes []string
	for id := range s.persister.deleted {
		deletes = append(deletes, id)
	}
	s.mu.RUnlock()

	for _, w := range writes {
		if err := s.putWithRetry(ctx, blobKey(w.id), w.data); err != nil {
			return fmt.Errorf("failed to persist conversation %s: %w", w.id, err)
		}
		s.mu.Lock()
		s.persister.digests[w.id] = w.digest
		s.mu.Unlock()
		log.Debug().Str("conversation", w.id).Msg("conversation persisted")
	}

	for _, id := range deletes {
		if err := s.persister.blobs.Delete(ctx, blobKey(id)); err != nil {
			return fmt.Errorf("failed to remove conversation %s: %w", id, err)
		}
		s.mu.Lock()
		delete(s.persister.deleted, id)
		s.mu.Unlock()
	}

	return nil
}

// SaveConversation persists a single conversation immediately, regardless
// of streaming state elsewhere in the document. Used by the bridge at turn
// boundaries.
func (s *Store) SaveConversation(ctx context.Context, conversationID string) error {
	if s.persister == nil {
		return nil
	}

	s.mu.RLock()
	conv := s.find(conversationID)
	if conv == nil {
		s.mu.RUnlock()
		return ErrConversationNotFound
	}
	if streaming(conv) {
		// Not a safe boundary; the terminal event will save it.
		s.mu.RUnlock()
		return nil
	}
	data, err := json.MarshalIndent(encodeDocument(conv), "", "  ")
	if err != nil {
		s.mu.RUnlock()
		return fmt.Errorf("failed to encode conversation %s: %w", conversationID, err)
	}
	digest := digestOf(data)
	unchanged := s.persister.digests[conversationID] == digest
	s.mu.RUnlock()

	if unchanged {
		return nil
	}

	if err := s.putWithRetry(ctx, blobKey(conversationID), data); err != nil {
		return fmt.Errorf("failed to persist conversation %s: %w", conversationID, err)
	}

	s.mu.Lock()
	s.persister.digests[conversationID] = digest
	s.mu.Unlock()
	return nil
}

// putWithRetry writes a blob with exponential backoff and jitter. Transient
// filesystem errors (the storage dir living on a network mount, say) are
// retried; the context aborts the retry loop.
func (s *Store) putWithRetry(ctx context.Context, key []string, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = saveInitialInterval
	b.MaxInterval = saveMaxInterval
	b.RandomizationFactor = 0.5
	b.Reset()

	return backoff.Retry(func() error {
		if err := s.persister.blobs.PutRaw(ctx, key, data); err != nil {
			log.Warn().Strs("key", key).Err(err).Msg("blob write failed, retrying")
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, saveMaxRetries), ctx))
}

// Load replaces the in-memory document with the persisted one, applying
// schema migrations and clearing streaming flags that leaked into old
// blobs.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	type loaded struct {
		conv     *conversationDoc
		digest   string
		migrated bool
	}
	var docs []loaded

	err := s.persister.blobs.Scan(ctx, []string{"conversation"}, func(key string, data json.RawMessage) error {
		doc, migrated, err := decodeDocument(data)
		if err != nil {
			return fmt.Errorf("conversation %s: %w", key, err)
		}
		entry := loaded{conv: doc, migrated: migrated}
		if !migrated {
			entry.digest = digestOf(data)
		}
		docs = append(docs, entry)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].conv.Time.Created < docs[j].conv.Time.Created
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = s.conversations[:0]
	s.persister.digests = make(map[string]string)
	for _, d := range docs {
		conv := d.conv.toConversation()
		s.conversations = append(s.conversations, conv)
		if d.digest != "" {
			// Migrated docs get no digest so the next Save rewrites them
			// in the current schema.
			s.persister.digests[conv.ID] = d.digest
		}
	}

	log.Info().Int("conversations", len(s.conversations)).Msg("conversation store loaded")
	return nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
