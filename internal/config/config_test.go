package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BEETS_SERVER_URL", "BEETS_TOKEN", "BEETS_TIMEOUT", "BEETS_RETRY_ATTEMPTS",
		"BEETS_REQUESTS_PER_SECOND", "BEETS_PUSH_URL", "BEETS_PUSH_TRANSPORT",
		"BEETS_RECONNECT_MIN", "BEETS_RECONNECT_MAX", "LOG_LEVEL", "LOG_FORMAT", "METRICS_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "http://localhost:5001/api_v1" {
		t.Errorf("unexpected server url %q", cfg.Server.URL)
	}
	if cfg.Push.URL != "ws://localhost:5001/api_v1/ws" {
		t.Errorf("unexpected push url %q", cfg.Push.URL)
	}
	if cfg.Server.Timeout.Duration != 30*time.Second {
		t.Errorf("unexpected timeout %v", cfg.Server.Timeout)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
url = "https://beets.example.com/api_v1/"
timeout = "5s"
retry_attempts = 2

[push]
transport = "sse"
reconnect_min = "500ms"
reconnect_max = "10s"

[logging]
level = "debug"
format = "console"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BEETS_TOKEN", "from-env")
	t.Setenv("BEETS_RETRY_ATTEMPTS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "https://beets.example.com/api_v1" {
		t.Errorf("trailing slash should be trimmed, got %q", cfg.Server.URL)
	}
	if cfg.Push.URL != "https://beets.example.com/api_v1/events" {
		t.Errorf("unexpected push url %q", cfg.Push.URL)
	}
	if cfg.Server.Timeout.Duration != 5*time.Second {
		t.Errorf("unexpected timeout %v", cfg.Server.Timeout)
	}
	if cfg.Server.Token != "from-env" || cfg.Server.RetryAttempts != 5 {
		t.Errorf("env should override file: %+v", cfg.Server)
	}
	if cfg.Push.ReconnectMin.Duration != 500*time.Millisecond {
		t.Errorf("unexpected reconnect min %v", cfg.Push.ReconnectMin)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[server]\nurll = \"http://x\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad url", func(c *Config) { c.Server.URL = "localhost:5001" }, "absolute http(s) url"},
		{"bad transport", func(c *Config) { c.Push.Transport = "grpc" }, "push transport"},
		{"zero retries", func(c *Config) { c.Server.RetryAttempts = 0 }, "retry attempts"},
		{"reconnect bounds", func(c *Config) { c.Push.ReconnectMax = Duration{time.Millisecond} }, "reconnect bounds"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestPushURL(t *testing.T) {
	tests := []struct {
		server, transport, want string
	}{
		{"http://host:5001", TransportWebSocket, "ws://host:5001/ws"},
		{"https://host/api_v1", TransportWebSocket, "wss://host/api_v1/ws"},
		{"https://host/api_v1", TransportSSE, "https://host/api_v1/events"},
	}
	for _, tt := range tests {
		got, err := PushURL(tt.server, tt.transport)
		if err != nil {
			t.Fatalf("PushURL(%q, %q): %v", tt.server, tt.transport, err)
		}
		if got != tt.want {
			t.Errorf("PushURL(%q, %q) = %q, want %q", tt.server, tt.transport, got, tt.want)
		}
	}
	if _, err := PushURL("http://host", TransportNone); err == nil {
		t.Error("expected error for transport none")
	}
}

func TestTransportNoneSkipsPushURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("BEETS_PUSH_TRANSPORT", "none")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Push.URL != "" {
		t.Errorf("expected no push url, got %q", cfg.Push.URL)
	}
}
