package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Sync.Backfill != "24h" {
		t.Errorf("expected backfill_window '24h', got %q", cfg.Sync.Backfill)
	}
	if cfg.Sync.IdleMax != "28m" {
		t.Errorf("expected idle_max '28m', got %q", cfg.Sync.IdleMax)
	}
	if cfg.Sync.Connect != "15s" {
		t.Errorf("expected connect_timeout '15s', got %q", cfg.Sync.Connect)
	}
	if cfg.Sync.Fetch != "30s" {
		t.Errorf("expected fetch_timeout '30s', got %q", cfg.Sync.Fetch)
	}
	if cfg.WS.Heartbeat != "30s" {
		t.Errorf("expected heartbeat '30s', got %q", cfg.WS.Heartbeat)
	}
	if cfg.WS.SessionQueue != 256 {
		t.Errorf("expected session_queue 256, got %d", cfg.WS.SessionQueue)
	}
	if cfg.Daemon.Listen != ":8080" {
		t.Errorf("expected listen ':8080', got %q", cfg.Daemon.Listen)
	}
	if cfg.Daemon.ShutdownDeadline != "10s" {
		t.Errorf("expected shutdown_deadline '10s', got %q", cfg.Daemon.ShutdownDeadline)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty listen address",
			modify:  func(c *Config) { c.Daemon.Listen = "" },
			wantErr: true,
		},
		{
			name:    "zero session queue",
			modify:  func(c *Config) { c.WS.SessionQueue = 0 },
			wantErr: true,
		},
		{
			name:    "bad duration",
			modify:  func(c *Config) { c.Sync.IdleMax = "half an hour" },
			wantErr: true,
		},
		{
			name:    "bad token endpoint",
			modify:  func(c *Config) { c.OAuth.TokenEndpoint = "ftp://tokens" },
			wantErr: true,
		},
		{
			name:    "https token endpoint",
			modify:  func(c *Config) { c.OAuth.TokenEndpoint = "https://login.example.com/token" },
			wantErr: false,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Daemon.LogLevel = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := Default()

	if got := cfg.Sync.BackfillWindow(); got != 24*time.Hour {
		t.Errorf("BackfillWindow() = %v, want 24h", got)
	}
	if got := cfg.Sync.IdleMaxInterval(); got != 28*time.Minute {
		t.Errorf("IdleMaxInterval() = %v, want 28m", got)
	}
	if got := cfg.Sync.ConnectTimeout(); got != 15*time.Second {
		t.Errorf("ConnectTimeout() = %v, want 15s", got)
	}
	if got := cfg.Sync.FetchTimeout(); got != 30*time.Second {
		t.Errorf("FetchTimeout() = %v, want 30s", got)
	}
	if got := cfg.WS.HeartbeatInterval(); got != 30*time.Second {
		t.Errorf("HeartbeatInterval() = %v, want 30s", got)
	}
	if got := cfg.Daemon.ShutdownDeadlineDuration(); got != 10*time.Second {
		t.Errorf("ShutdownDeadlineDuration() = %v, want 10s", got)
	}

	// Invalid values fall back to the default.
	bad := SyncConfig{RetryBase: "nonsense"}
	if got := bad.RetryBaseDelay(); got != 5*time.Second {
		t.Errorf("RetryBaseDelay() = %v, want fallback 5s", got)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.Backfill != "24h" {
		t.Errorf("expected default backfill, got %q", cfg.Sync.Backfill)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.toml")
	content := `
[sync]
backfill_window = "48h"
idle_max = "20m"

[ws]
session_queue = 64

[aws]
email_table = "messages"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sync.BackfillWindow() != 48*time.Hour {
		t.Errorf("BackfillWindow() = %v, want 48h", cfg.Sync.BackfillWindow())
	}
	if cfg.Sync.IdleMaxInterval() != 20*time.Minute {
		t.Errorf("IdleMaxInterval() = %v, want 20m", cfg.Sync.IdleMaxInterval())
	}
	if cfg.WS.SessionQueue != 64 {
		t.Errorf("SessionQueue = %d, want 64", cfg.WS.SessionQueue)
	}
	if cfg.AWS.EmailTable != "messages" {
		t.Errorf("EmailTable = %q, want %q", cfg.AWS.EmailTable, "messages")
	}
	// Untouched sections keep their defaults.
	if cfg.Sync.Connect != "15s" {
		t.Errorf("Connect = %q, want default 15s", cfg.Sync.Connect)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.toml")
	if err := os.WriteFile(path, []byte("[daemon]\nlisten = \":9999\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SYNCD_DAEMON_LISTEN", ":7777")
	t.Setenv("SYNCD_WS_SESSION_QUEUE", "32")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Daemon.Listen != ":7777" {
		t.Errorf("Listen = %q, want env override :7777", cfg.Daemon.Listen)
	}
	if cfg.WS.SessionQueue != 32 {
		t.Errorf("SessionQueue = %d, want env override 32", cfg.WS.SessionQueue)
	}
}
