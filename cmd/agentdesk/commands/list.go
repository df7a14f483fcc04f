package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/chat"
	"github.com/agentdesk/agentdesk/internal/storage"
)

var listDir string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted conversations",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listDir, "storage-dir", "", "Conversation blob directory")
}

func runList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context(), listDir)
	if err != nil {
		return err
	}

	conversations := store.Snapshot()
	if len(conversations) == 0 {
		fmt.Println("No conversations.")
		return nil
	}

	for _, conv := range conversations {
		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s  (%d messages)\n",
			conv.ID, formatTime(conv.Time.Updated), title, len(conv.Messages))
	}
	return nil
}

// openStore loads the persisted conversations from the blob directory.
func openStore(ctx context.Context, flagValue string) (*chat.Store, error) {
	dir, err := storageDir(flagValue)
	if err != nil {
		return nil, err
	}
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	store := chat.NewStore(storage.New(dir))
	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	return store, nil
}
