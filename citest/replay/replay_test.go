package replay_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/agentdesk/agentdesk/internal/approval"
	"github.com/agentdesk/agentdesk/internal/bridge"
	"github.com/agentdesk/agentdesk/internal/chat"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

var _ = Describe("Event Replay", func() {
	var (
		dir        string
		blobs      *storage.Store
		store      *chat.Store
		approvals  *approval.Manager
		dispatcher *bridge.Dispatcher
	)

	BeforeEach(func() {
		event.Reset()

		var err error
		dir, err = os.MkdirTemp("", "agentdesk-replay-*")
		Expect(err).NotTo(HaveOccurred())

		blobs = storage.New(dir)
		store = chat.NewStore(blobs)
		Expect(store.Load(ctx)).To(Succeed())

		approvals = approval.NewManager()
		dispatcher = bridge.NewDispatcher(store, approvals, bridge.WithFlushInterval(5*time.Millisecond))
	})

	AfterEach(func() {
		event.Reset()
		os.RemoveAll(dir)
	})

	publish := func(t event.EventType, sessionID string, data any) {
		event.PublishSync(event.Event{Type: t, SessionID: sessionID, Data: data})
	}

	Describe("Streamed Turn Lifecycle", func() {
		It("should persist a completed turn and survive a reload", func() {
			conv := store.Create("ses-1", "")
			Expect(dispatcher.Attach(conv.ID, "ses-1")).To(Succeed())

			publish(event.TurnStarted, "ses-1", event.TurnStartedData{MessageID: "msg-1"})
			publish(event.MessageDelta, "ses-1", event.MessageDeltaData{MessageID: "msg-1", Delta: "Hello, "})
			publish(event.MessageDelta, "ses-1", event.MessageDeltaData{MessageID: "msg-1", Delta: "world."})
			publish(event.ToolStarted, "ses-1", event.ToolStartedData{
				MessageID: "msg-1", CallID: "call-1", Name: "read_file",
				Input: map[string]any{"path": "main.go"},
			})
			publish(event.ToolCompleted, "ses-1", event.ToolCompletedData{
				MessageID: "msg-1", CallID: "call-1", Output: "package main",
			})
			publish(event.ConversationTitle, "ses-1", event.ConversationTitleData{Title: "Greeting"})
			publish(event.TurnCompleted, "ses-1", event.TurnCompletedData{
				MessageID: "msg-1",
				Usage:     &types.TokenUsage{Input: 12, Output: 34},
			})

			Expect(dispatcher.Detach(ctx, "ses-1")).To(Succeed())

			// A fresh store reading the same directory sees the turn.
			reloaded := chat.NewStore(storage.New(dir))
			Expect(reloaded.Load(ctx)).To(Succeed())

			got, ok := reloaded.Get(conv.ID)
			Expect(ok).To(BeTrue())
			Expect(got.Title).To(Equal("Greeting"))
			Expect(got.Messages).To(HaveLen(1))

			msg := got.Messages[0]
			Expect(msg.Role).To(Equal(types.RoleAssistant))
			Expect(msg.Text).To(Equal("Hello, world."))
			Expect(msg.Streaming).To(BeFalse())
			Expect(msg.Usage).NotTo(BeNil())
			Expect(msg.Usage.Output).To(Equal(34))
			Expect(msg.ToolCalls).To(HaveLen(1))
			Expect(msg.ToolCalls[0].State).To(Equal(types.ToolCompleted))
			Expect(msg.ToolCalls[0].Output).To(Equal("package main"))
		})

		It("should mark a turn aborted when the session detaches mid-stream", func() {
			conv := store.Create("ses-1", "")
			Expect(dispatcher.Attach(conv.ID, "ses-1")).To(Succeed())

			publish(event.TurnStarted, "ses-1", event.TurnStartedData{MessageID: "msg-1"})
			publish(event.MessageDelta, "ses-1", event.MessageDeltaData{MessageID: "msg-1", Delta: "partial"})

			Expect(dispatcher.Detach(ctx, "ses-1")).To(Succeed())

			got, ok := store.Get(conv.ID)
			Expect(ok).To(BeTrue())
			msg := got.Messages[0]
			Expect(msg.Streaming).To(BeFalse())
			Expect(msg.Text).To(Equal("partial"))
			Expect(msg.Error).NotTo(BeNil())
			Expect(msg.Error.Name).To(Equal("AbortedError"))
		})

		It("should keep sessions isolated", func() {
			conv1 := store.Create("ses-1", "")
			conv2 := store.Create("ses-2", "")
			Expect(dispatcher.Attach(conv1.ID, "ses-1")).To(Succeed())
			Expect(dispatcher.Attach(conv2.ID, "ses-2")).To(Succeed())

			publish(event.TurnStarted, "ses-1", event.TurnStartedData{MessageID: "msg-1"})
			publish(event.MessageDelta, "ses-1", event.MessageDeltaData{MessageID: "msg-1", Delta: "one"})
			publish(event.TurnCompleted, "ses-1", event.TurnCompletedData{MessageID: "msg-1"})

			got1, _ := store.Get(conv1.ID)
			got2, _ := store.Get(conv2.ID)
			Expect(got1.Messages).To(HaveLen(1))
			Expect(got2.Messages).To(BeEmpty())
		})
	})

	Describe("Approval Round Trip", func() {
		It("should surface the request and publish the reply", func() {
			conv := store.Create("ses-1", "")
			Expect(dispatcher.Attach(conv.ID, "ses-1")).To(Succeed())

			var (
				mu       sync.Mutex
				received []approval.Request
			)
			unregister := approvals.OnRequest(func(req approval.Request) {
				mu.Lock()
				received = append(received, req)
				mu.Unlock()
			})
			defer unregister()

			var (
				replyMu sync.Mutex
				replies []event.ApprovalRepliedData
			)
			unsubscribe := event.Subscribe(event.ApprovalReplied, func(e event.Event) {
				replyMu.Lock()
				replies = append(replies, e.Data.(event.ApprovalRepliedData))
				replyMu.Unlock()
			})
			defer unsubscribe()

			publish(event.ApprovalRequested, "ses-1", event.ApprovalRequestedData{
				ID: "apr-1", Tool: "bash", Title: "Run make test",
			})

			mu.Lock()
			Expect(received).To(HaveLen(1))
			Expect(received[0].ConversationID).To(Equal(conv.ID))
			mu.Unlock()

			Expect(approvals.Respond(ctx, "apr-1", approval.DecisionAllow)).To(Succeed())

			Eventually(func() int {
				replyMu.Lock()
				defer replyMu.Unlock()
				return len(replies)
			}).Should(Equal(1))

			replyMu.Lock()
			Expect(replies[0].Decision).To(Equal("allow"))
			replyMu.Unlock()
		})
	})

	Describe("Schema Migration", func() {
		It("should migrate a version-1 blob and rewrite it on the next save", func() {
			v1 := map[string]any{
				"version":   1,
				"id":        "conv-old",
				"sessionID": "ses-old",
				"title":     "Old Chat",
				"time":      map[string]any{"created": 1700000000000},
				"messages": []map[string]any{
					{
						"id":   "msg-old",
						"role": "bot",
						"text": "hi from v1",
						"time": map[string]any{"created": 1700000000000},
					},
				},
			}
			raw, err := json.Marshal(v1)
			Expect(err).NotTo(HaveOccurred())

			blobDir := filepath.Join(dir, "conversation")
			Expect(os.MkdirAll(blobDir, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(blobDir, "conv-old.json"), raw, 0644)).To(Succeed())

			migratedStore := chat.NewStore(storage.New(dir))
			Expect(migratedStore.Load(ctx)).To(Succeed())

			got, ok := migratedStore.Get("conv-old")
			Expect(ok).To(BeTrue())
			Expect(got.Messages[0].Role).To(Equal(types.RoleAssistant))
			Expect(got.Time.Updated).To(Equal(int64(1700000000000)))

			// Migrated blobs carry no digest, so the next save rewrites them.
			Expect(migratedStore.Save(ctx)).To(Succeed())

			var onDisk map[string]any
			data, err := os.ReadFile(filepath.Join(blobDir, "conv-old.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(data, &onDisk)).To(Succeed())
			Expect(onDisk["version"]).To(BeEquivalentTo(2))
		})

		It("should refuse blobs written by a newer build", func() {
			raw, err := json.Marshal(map[string]any{"version": 99, "id": "conv-future"})
			Expect(err).NotTo(HaveOccurred())

			blobDir := filepath.Join(dir, "conversation")
			Expect(os.MkdirAll(blobDir, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(blobDir, "conv-future.json"), raw, 0644)).To(Succeed())

			futureStore := chat.NewStore(storage.New(dir))
			Expect(futureStore.Load(ctx)).To(MatchError(chat.ErrSchemaTooNew))
		})
	})

	Describe("External Changes", func() {
		It("should publish conversation.changed when a blob is written by another process", func() {
			conv := store.Create("ses-1", "")
			Expect(store.Save(ctx)).To(Succeed())

			watcher, err := storage.NewWatcher(blobs)
			Expect(err).NotTo(HaveOccurred())
			Expect(watcher).NotTo(BeNil())
			watcher.Start()
			defer watcher.Stop()

			var (
				mu      sync.Mutex
				changed []string
			)
			unsubscribe := event.Subscribe(event.ConversationChanged, func(e event.Event) {
				mu.Lock()
				changed = append(changed, e.Data.(event.ConversationChangedData).ConversationID)
				mu.Unlock()
			})
			defer unsubscribe()

			// Simulate a second window rewriting the blob.
			path := filepath.Join(dir, "conversation", conv.ID+".json")
			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.WriteFile(path, data, 0644)).To(Succeed())

			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				return append([]string(nil), changed...)
			}, 2*time.Second).Should(ContainElement(conv.ID))
		})
	})
})
