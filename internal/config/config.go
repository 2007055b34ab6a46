// Package config provides environment-driven configuration for voxhud.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Default configuration values.
const (
	DefaultPort           = "8090"
	DefaultAPIBaseURL     = "https://api.openai.com/v1"
	DefaultChatModel      = "gpt-4o-mini"
	DefaultSmartModel     = "gpt-4o"
	DefaultTranscribeModel = "whisper-1"
)

// DefaultBucket is the credential bucket used when a model has no
// explicit bucket route.
const DefaultBucket = "default"

// Config holds all configuration for the voxhud backend.
// Flag parsing is done in cmd/voxhud/main.go; this struct is data only.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port string

	// LogLevel controls slog verbosity: debug, info, warn, error.
	LogLevel string

	// APIBaseURL is the OpenAI-compatible upstream base URL.
	APIBaseURL string

	// Models.
	ChatModel       string // fast tier
	SmartModel      string // complex-query tier
	TranscribeModel string

	// RendererURL is the WebSocket URL of the display surface.
	// Empty disables the outbound renderer bridge.
	RendererURL string

	// TurnLogPath is where finished conversation turns are appended.
	TurnLogPath string

	// BlockStorePath is the JSON file holding persisted credential blocks.
	BlockStorePath string

	// RedisAddr, when set, selects the Redis block store instead of the
	// JSON file store (host:port).
	RedisAddr string

	// Buckets maps bucket name to the credential values configured for it.
	Buckets map[string][]string
}

// DefaultConfig returns sensible defaults for voxhud configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Port:            DefaultPort,
		LogLevel:        "info",
		APIBaseURL:      DefaultAPIBaseURL,
		ChatModel:       DefaultChatModel,
		SmartModel:      DefaultSmartModel,
		TranscribeModel: DefaultTranscribeModel,
		TurnLogPath:     filepath.Join(home, ".voxhud", "turns.jsonl"),
		BlockStorePath:  filepath.Join(home, ".voxhud", "blocked_keys.json"),
		Buckets:         map[string][]string{},
	}
}

// LoadEnv loads configuration values from environment variables.
// Call this after flag parsing to apply environment overrides.
func (c *Config) LoadEnv() {
	if v := os.Getenv("VOXHUD_PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("VOXHUD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("CHAT_MODEL"); v != "" {
		c.ChatModel = v
	}
	if v := os.Getenv("SMART_MODEL"); v != "" {
		c.SmartModel = v
	}
	if v := os.Getenv("TRANSCRIBE_MODEL"); v != "" {
		c.TranscribeModel = v
	}
	if v := os.Getenv("RENDERER_WS_URL"); v != "" {
		c.RendererURL = v
	}
	if v := os.Getenv("TURN_LOG_PATH"); v != "" {
		c.TurnLogPath = v
	}
	if v := os.Getenv("BLOCK_STORE_PATH"); v != "" {
		c.BlockStorePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	c.Buckets = LoadBuckets(os.Environ())
}

// LoadBuckets parses credential buckets from environment entries.
// API_KEYS holds the default bucket; API_KEYS_<NAME> holds the bucket
// named <name> (lowercased). Values are comma-separated credentials.
func LoadBuckets(environ []string) map[string][]string {
	buckets := map[string][]string{}
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || value == "" {
			continue
		}
		var bucket string
		switch {
		case name == "API_KEYS":
			bucket = DefaultBucket
		case strings.HasPrefix(name, "API_KEYS_"):
			bucket = strings.ToLower(strings.TrimPrefix(name, "API_KEYS_"))
		default:
			continue
		}
		keys := splitKeys(value)
		if len(keys) > 0 {
			buckets[bucket] = keys
		}
	}
	return buckets
}

func splitKeys(value string) []string {
	var keys []string
	for _, k := range strings.Split(value, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if len(c.Buckets) == 0 {
		return &ConfigError{Field: "Buckets", Message: "API_KEYS environment variable is required"}
	}
	if c.APIBaseURL == "" {
		return &ConfigError{Field: "APIBaseURL", Message: "API base URL must not be empty"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}
