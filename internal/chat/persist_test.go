package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/pkg/types"
)

// fakeBlobs is an in-memory BlobStore that counts writes.
type fakeBlobs struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	puts    int
	deletes int
	failPut int // fail this many puts before succeeding
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[string][]byte)}
}

func (f *fakeBlobs) key(key []string) string { return strings.Join(key, "/") }

func (f *fakeBlobs) GetRaw(ctx context.Context, key []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[f.key(key)]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeBlobs) PutRaw(ctx context.Context, key []string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut > 0 {
		f.failPut--
		return errors.New("disk unavailable")
	}
	f.puts++
	f.blobs[f.key(key)] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.blobs, f.key(key))
	return nil
}

func (f *fakeBlobs) Scan(ctx context.Context, key []string, fn func(key string, data json.RawMessage) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := f.key(key) + "/"
	for k, data := range f.blobs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := fn(strings.TrimPrefix(k, prefix), json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBlobs) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func TestSave_SkipsUnchanged(t *testing.T) {
	blobs := newFakeBlobs()
	s := NewStore(blobs)
	ctx := context.Background()

	conv := s.Create("ses-1", "t")
	require.NoError(t, s.AppendMessage(conv.ID, &types.Message{Role: types.RoleUser, Text: "hi"}))

	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 1, blobs.putCount())

	// Nothing changed: second save writes nothing
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 1, blobs.putCount())

	// A mutation makes the digest differ again
	require.NoError(t, s.Rename(conv.ID, "renamed"))
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 2, blobs.putCount())
}

func TestSave_SkipsStreamingConversations(t *testing.T) {
	blobs := newFakeBlobs()
	s := NewStore(blobs)
	ctx := context.Background()

	conv := s.Create("ses-1", "t")
	msg := &types.Message{Role: types.RoleAssistant, Streaming: true}
	require.NoError(t, s.AppendMessage(conv.ID, msg))

	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 0, blobs.putCount(), "mid-stream conversation must not persist")

	require.NoError(t, s.SetStreaming(conv.ID, msg.ID, false))
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 1, blobs.putCount())
}

func TestSave_RemovesDeletedBlobs(t *testing.T) {
	blobs := newFakeBlobs()
	s := NewStore(blobs)
	ctx := context.Background()

	conv := s.Create("ses-1", "t")
	require.NoError(t, s.Save(ctx))
	require.Contains(t, blobs.blobs, "conversation/"+conv.ID)

	require.NoError(t, s.Delete(conv.ID))
	require.NoError(t, s.Save(ctx))
	assert.NotContains(t, blobs.blobs, "conversation/"+conv.ID)
}

func TestSave_RetriesTransientWriteErrors(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.failPut = 2
	s := NewStore(blobs)
	ctx := context.Background()

	s.Create("ses-1", "t")
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 1, blobs.putCount())
}

func TestSaveConversation_NotASafeBoundaryWhileStreaming(t *testing.T) {
	blobs := newFakeBlobs()
	s := NewStore(blobs)
	ctx := context.Background()

	conv := s.Create("ses-1", "t")
	msg := &types.Message{Role: types.RoleAssistant, Streaming: true}
	require.NoError(t, s.AppendMessage(conv.ID, msg))

	require.NoError(t, s.SaveConversation(ctx, conv.ID))
	assert.Equal(t, 0, blobs.putCount())

	require.NoError(t, s.SetStreaming(conv.ID, msg.ID, false))
	require.NoError(t, s.SaveConversation(ctx, conv.ID))
	assert.Equal(t, 1, blobs.putCount())

	assert.ErrorIs(t, s.SaveConversation(ctx, "missing"), ErrConversationNotFound)
}

func TestLoad_RoundTrip(t *testing.T) {
	blobs := newFakeBlobs()
	ctx := context.Background()

	first := NewStore(blobs)
	conv := first.Create("ses-1", "persisted")
	require.NoError(t, first.AppendMessage(conv.ID, &types.Message{Role: types.RoleUser, Text: "hello"}))
	require.NoError(t, first.Save(ctx))

	second := NewStore(blobs)
	require.NoError(t, second.Load(ctx))

	got, ok := second.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Title)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Text)

	// A save right after load writes nothing: digests carried over
	require.NoError(t, second.Save(ctx))
	assert.Equal(t, 1, blobs.putCount())
}

func TestLoad_MigratesVersion1(t *testing.T) {
	blobs := newFakeBlobs()
	ctx := context.Background()

	v1 := `{
		"version": 1,
		"id": "conv-old",
		"sessionID": "ses-old",
		"title": "legacy",
		"time": {"created": 1700000000000},
		"messages": [
			{"id": "m1", "role": "user", "text": "hi", "time": {"created": 1700000000000}},
			{"id": "m2", "role": "bot", "text": "hello!", "time": {"created": 1700000001000}}
		]
	}`
	blobs.blobs["conversation/conv-old"] = []byte(v1)

	s := NewStore(blobs)
	require.NoError(t, s.Load(ctx))

	conv, ok := s.Get("conv-old")
	require.True(t, ok)
	assert.Equal(t, types.RoleAssistant, conv.Messages[1].Role)
	require.NotNil(t, conv.Messages[1].Time.Updated)
	assert.Equal(t, int64(1700000001000), *conv.Messages[1].Time.Updated)
	assert.Equal(t, conv.Time.Created, conv.Time.Updated)

	// The migrated form is rewritten on the next save
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 1, blobs.putCount())

	var doc conversationDoc
	require.NoError(t, json.Unmarshal(blobs.blobs["conversation/conv-old"], &doc))
	assert.Equal(t, schemaVersion, doc.Version)
	assert.Equal(t, types.RoleAssistant, doc.Messages[1].Role)
}

func TestLoad_RefusesFutureSchema(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.blobs["conversation/conv-new"] = []byte(`{"version": 99, "id": "conv-new"}`)

	s := NewStore(blobs)
	err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestLoad_OrdersByCreation(t *testing.T) {
	blobs := newFakeBlobs()
	ctx := context.Background()

	for _, c := range []struct {
		id      string
		created int64
	}{
		{"conv-b", 2000},
		{"conv-a", 1000},
		{"conv-c", 3000},
	} {
		doc := conversationDoc{Version: schemaVersion, ID: c.id, Time: types.ConversationTime{Created: c.created, Updated: c.created}}
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		blobs.blobs["conversation/"+c.id] = data
	}

	s := NewStore(blobs)
	require.NoError(t, s.Load(ctx))

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "conv-a", list[0].ID)
	assert.Equal(t, "conv-b", list[1].ID)
	assert.Equal(t, "conv-c", list[2].ID)
}
