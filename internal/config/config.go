package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"
)

// Settings is the application configuration. Zero values fall back to the
// defaults below at load time.
type Settings struct {
	// StorageDir overrides the conversation blob directory.
	StorageDir string `json:"storageDir,omitempty"`
	// LogLevel is the minimum log level (DEBUG|INFO|WARN|ERROR|FATAL).
	LogLevel string `json:"logLevel,omitempty"`
	// FlushIntervalMs is the streaming debounce delay in milliseconds.
	FlushIntervalMs int `json:"flushIntervalMs,omitempty"`
	// ChannelBuffer is the event channel's output buffer size.
	ChannelBuffer int `json:"channelBuffer,omitempty"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		StorageDir:      GetPaths().StoragePath(),
		LogLevel:        "INFO",
		FlushIntervalMs: 50,
		ChannelBuffer:   100,
	}
}

// Load merges configuration from (lowest to highest priority):
//  1. built-in defaults
//  2. global config (~/.config/agentdesk/agentdesk.json[c])
//  3. AGENTDESK_CONFIG file
//  4. AGENTDESK_CONFIG_CONTENT inline JSON
//  5. environment variables
//
// Config files are JSONC; comments and trailing commas are allowed.
func Load() (*Settings, error) {
	settings := Defaults()

	globalDir := GetPaths().Config
	for _, name := range []string{"agentdesk.json", "agentdesk.jsonc"} {
		if err := loadFile(filepath.Join(globalDir, name), &settings); err != nil {
			return nil, err
		}
	}

	if path := os.Getenv("AGENTDESK_CONFIG"); path != "" {
		if err := loadFile(path, &settings); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv("AGENTDESK_CONFIG_CONTENT"); content != "" {
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &settings); err != nil {
			return nil, fmt.Errorf("failed to parse AGENTDESK_CONFIG_CONTENT: %w", err)
		}
	}

	applyEnv(&settings)

	return &settings, nil
}

// loadFile merges one config file into settings. A missing file is not an
// error; a malformed one is.
func loadFile(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), settings); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment variable overrides.
func applyEnv(settings *Settings) {
	if v := os.Getenv("AGENTDESK_STORAGE_DIR"); v != "" {
		settings.StorageDir = v
	}
	if v := os.Getenv("AGENTDESK_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("AGENTDESK_FLUSH_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			settings.FlushIntervalMs = n
		}
	}
	if v := os.Getenv("AGENTDESK_CHANNEL_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			settings.ChannelBuffer = n
		}
	}
}
