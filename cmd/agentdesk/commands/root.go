// Package commands provides the CLI commands for agentdesk.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/config"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "agentdesk",
	Short: "agentdesk - event bridge for the desktop chat client",
	Long: `agentdesk maintains conversation state for the desktop chat client.
It consumes the agent's event channel, folds streamed deltas into
conversations, and persists them between runs.

Run 'agentdesk replay' to feed a recorded event log through the bridge,
or 'agentdesk list' to inspect persisted conversations.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		settings, err := config.Load()
		if err != nil {
			return err
		}

		level := logLevel
		if !cmd.Flags().Changed("log-level") && settings.LogLevel != "" {
			level = settings.LogLevel
		}

		cfg := logging.DefaultConfig()
		cfg.Level = logging.ParseLevel(level)
		if !printLogs {
			cfg.Output = io.Discard
		}
		logging.Init(cfg)

		if settings.ChannelBuffer != event.DefaultChannelBuffer {
			event.Configure(settings.ChannelBuffer)
		}
		return nil
	},
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")

	// Version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentdesk %s (%s)\n", Version, BuildTime))

	// Add subcommands
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// storageDir resolves the blob directory from flag, config, and defaults.
func storageDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	settings, err := config.Load()
	if err != nil {
		return "", err
	}
	if settings.StorageDir != "" {
		return settings.StorageDir, nil
	}
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return "", err
	}
	return paths.StoragePath(), nil
}

// ensureDir creates the directory if it does not exist.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
