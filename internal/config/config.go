// Package config loads and validates courier configuration from YAML with
// environment variable expansion, so secrets stay out of config files
// (api_key: ${ANTHROPIC_API_KEY}).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Loop      LoopConfig      `yaml:"loop"`
	Mail      MailConfig      `yaml:"mail"`
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Files     FilesConfig     `yaml:"files"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig selects and configures the reasoning engine.
type EngineConfig struct {
	// Provider is "anthropic", "openai", or "scripted".
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LoopConfig tunes the orchestration loop.
type LoopConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	HistoryLimit  int    `yaml:"history_limit"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// MailConfig selects the mailbox backend.
type MailConfig struct {
	// Provider is "gmail" or "fake".
	Provider string `yaml:"provider"`

	// SelfAddress receives scheduled digests.
	SelfAddress string `yaml:"self_address"`

	Gmail GmailConfig `yaml:"gmail"`
}

// GmailConfig carries OAuth2 credentials for the Gmail adapter.
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

// StorageConfig selects persistence.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// IndexConfig configures the semantic index.
type IndexConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// FilesConfig selects the attachment store.
type FilesConfig struct {
	// Backend is "local" or "s3".
	Backend string `yaml:"backend"`

	LocalRoot string `yaml:"local_root"`

	S3 S3Config `yaml:"s3"`
}

// S3Config configures the S3 file store.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// SchedulerConfig tunes the delivery daemon.
type SchedulerConfig struct {
	WorkerID       string        `yaml:"worker_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	MaxAttempts    int           `yaml:"max_attempts"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with development-friendly defaults: fake
// mailbox, in-memory storage, scripted engine disabled (anthropic selected
// but requiring a key).
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		Engine:  EngineConfig{Provider: "anthropic"},
		Loop:    LoopConfig{MaxIterations: 8, HistoryLimit: 50},
		Mail:    MailConfig{Provider: "fake"},
		Storage: StorageConfig{Backend: "sqlite", Path: "courier.db"},
		Files:   FilesConfig{Backend: "local", LocalRoot: "courier-files"},
		Scheduler: SchedulerConfig{
			PollInterval:   30 * time.Second,
			LeaseDuration:  2 * time.Minute,
			MaxAttempts:    3,
			MaxConcurrency: 4,
		},
		Gateway: GatewayConfig{Addr: ":8080"},
	}
}

// Load reads the YAML file at path over the defaults. Environment variables
// in ${VAR} form are expanded before parsing. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Engine.Provider {
	case "anthropic", "openai", "scripted":
	default:
		return fmt.Errorf("engine.provider must be anthropic, openai, or scripted (got %q)", c.Engine.Provider)
	}
	switch c.Mail.Provider {
	case "gmail":
		if c.Mail.Gmail.ClientID == "" || c.Mail.Gmail.ClientSecret == "" || c.Mail.Gmail.RefreshToken == "" {
			return fmt.Errorf("mail.gmail requires client_id, client_secret, and refresh_token")
		}
	case "fake":
	default:
		return fmt.Errorf("mail.provider must be gmail or fake (got %q)", c.Mail.Provider)
	}
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be sqlite or memory (got %q)", c.Storage.Backend)
	}
	switch c.Files.Backend {
	case "local":
		if c.Files.LocalRoot == "" {
			return fmt.Errorf("files.local_root is required for the local backend")
		}
	case "s3":
		if c.Files.S3.Bucket == "" {
			return fmt.Errorf("files.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("files.backend must be local or s3 (got %q)", c.Files.Backend)
	}
	if c.Index.Enabled && c.Index.APIKey == "" {
		return fmt.Errorf("index.api_key is required when the index is enabled")
	}
	if c.Scheduler.LeaseDuration > 0 && c.Scheduler.PollInterval > 0 &&
		c.Scheduler.LeaseDuration < c.Scheduler.PollInterval {
		return fmt.Errorf("scheduler.lease_duration must be at least scheduler.poll_interval")
	}
	return nil
}
