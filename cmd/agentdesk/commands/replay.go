package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/approval"
	"github.com/agentdesk/agentdesk/internal/bridge"
	"github.com/agentdesk/agentdesk/internal/chat"
	"github.com/agentdesk/agentdesk/internal/config"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

var (
	replayDir     string
	replayApprove bool
	replayDryRun  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Feed a recorded event log through the bridge",
	Long: `Replay a JSONL event log through the dispatcher as if the agent had
just emitted it, then print the resulting conversations.

Each line is one event envelope. Sessions are attached on first sight;
conversations are persisted at the usual turn boundaries unless
--dry-run is given.

Examples:
  agentdesk replay session.jsonl
  agentdesk replay --approve --dry-run session.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayDir, "storage-dir", "", "Conversation blob directory")
	replayCmd.Flags().BoolVar(&replayApprove, "approve", false, "Auto-approve tool approval requests (default: deny)")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Do not persist conversations")
}

func runReplay(cmd *cobra.Command, args []string) error {
	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	ctx := cmd.Context()

	var blobs chat.BlobStore
	if !replayDryRun {
		dir, err := storageDir(replayDir)
		if err != nil {
			return err
		}
		if err := ensureDir(dir); err != nil {
			return err
		}
		blobs = storage.New(dir)
	}

	store := chat.NewStore(blobs)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	approvals := approval.NewManager()
	defer approvals.OnRequest(func(req approval.Request) {
		decision := approval.DecisionDeny
		if replayApprove {
			decision = approval.DecisionAllow
		}
		if err := approvals.Respond(ctx, req.ID, decision); err != nil {
			fmt.Fprintf(os.Stderr, "approval %s: %v\n", req.ID, err)
		}
	})()

	settings, err := config.Load()
	if err != nil {
		return err
	}
	flush := time.Duration(settings.FlushIntervalMs) * time.Millisecond

	dispatcher := bridge.NewDispatcher(store, approvals, bridge.WithFlushInterval(flush))
	attached := []string{}
	defer func() {
		for _, sessionID := range attached {
			_ = dispatcher.Detach(ctx, sessionID)
		}
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		ev, err := event.UnmarshalEnvelope([]byte(raw))
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		if ev.SessionID != "" && !dispatcher.Attached(ev.SessionID) {
			conv, ok := store.FindBySession(ev.SessionID)
			if !ok {
				conv = store.Create(ev.SessionID, "")
			}
			if err := dispatcher.Attach(conv.ID, ev.SessionID); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			attached = append(attached, ev.SessionID)
		}

		// Synchronous publish keeps the log's ordering.
		event.PublishSync(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event log: %w", err)
	}

	// Detach before printing so a log that ends mid-turn shows the turn
	// finalized as aborted.
	for _, sessionID := range attached {
		if err := dispatcher.Detach(ctx, sessionID); err != nil {
			return err
		}
	}
	attached = nil

	for _, conv := range store.Snapshot() {
		printConversation(conv)
	}

	return nil
}

// printConversation renders a conversation to stdout.
func printConversation(conv *types.Conversation) {
	title := conv.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Printf("%s  %s  [%s]\n", conv.ID, title, conv.SessionID)

	for _, msg := range conv.Messages {
		fmt.Printf("  %s %s\n", formatTime(msg.Time.Created), msg.Role)
		if msg.Thinking != "" {
			fmt.Printf("    thinking: %s\n", indent(msg.Thinking))
		}
		if msg.Text != "" {
			fmt.Printf("    %s\n", indent(msg.Text))
		}
		for _, tc := range msg.ToolCalls {
			fmt.Printf("    tool %s (%s): %s\n", tc.Name, tc.State, firstLine(tc.Output))
			if tc.Error != "" {
				fmt.Printf("      error: %s\n", tc.Error)
			}
		}
		if msg.Error != nil {
			fmt.Printf("    error: %s\n", msg.Error.Error())
		}
		if msg.Usage != nil {
			fmt.Printf("    tokens: %d in / %d out\n", msg.Usage.Input, msg.Usage.Output)
		}
	}
	fmt.Println()
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func indent(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
