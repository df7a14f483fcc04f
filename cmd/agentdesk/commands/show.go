package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	showDir  string
	showJSON bool
)

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print one persisted conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().StringVar(&showDir, "storage-dir", "", "Conversation blob directory")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output as JSON")
}

func runShow(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context(), showDir)
	if err != nil {
		return err
	}

	conv, ok := store.Get(args[0])
	if !ok {
		return fmt.Errorf("conversation %s not found", args[0])
	}

	if showJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(conv)
	}

	printConversation(conv)
	return nil
}
