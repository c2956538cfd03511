package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mail.Provider != "fake" {
		t.Fatalf("mail.provider = %q, want fake", cfg.Mail.Provider)
	}
	if cfg.Gateway.Addr != ":8080" {
		t.Fatalf("gateway.addr = %q", cfg.Gateway.Addr)
	}
	if cfg.Scheduler.PollInterval != 30*time.Second {
		t.Fatalf("poll_interval = %v", cfg.Scheduler.PollInterval)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  provider: openai
  model: gpt-4o
storage:
  backend: memory
scheduler:
  poll_interval: 10s
  lease_duration: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Provider != "openai" || cfg.Engine.Model != "gpt-4o" {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Scheduler.PollInterval != 10*time.Second {
		t.Fatalf("poll_interval = %v", cfg.Scheduler.PollInterval)
	}
	// Untouched sections keep their defaults.
	if cfg.Loop.MaxIterations != 8 {
		t.Fatalf("loop.max_iterations = %d, want default 8", cfg.Loop.MaxIterations)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("COURIER_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
engine:
  provider: anthropic
  api_key: ${COURIER_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.APIKey != "sk-from-env" {
		t.Fatalf("api_key = %q, want expanded env value", cfg.Engine.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"unknown engine",
			func(c *Config) { c.Engine.Provider = "magic" },
			"engine.provider",
		},
		{
			"gmail without credentials",
			func(c *Config) { c.Mail.Provider = "gmail" },
			"mail.gmail",
		},
		{
			"sqlite without path",
			func(c *Config) { c.Storage.Path = "" },
			"storage.path",
		},
		{
			"index without key",
			func(c *Config) { c.Index.Enabled = true },
			"index.api_key",
		},
		{
			"lease shorter than poll",
			func(c *Config) {
				c.Scheduler.PollInterval = time.Minute
				c.Scheduler.LeaseDuration = time.Second
			},
			"lease_duration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidGmailConfig(t *testing.T) {
	cfg := Default()
	cfg.Mail.Provider = "gmail"
	cfg.Mail.Gmail = GmailConfig{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
