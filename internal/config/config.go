// Package config provides configuration management for the sync daemon.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the daemon configuration, loaded from a TOML file with
// SYNCD_* environment overrides applied on top.
type Config struct {
	Sync       SyncConfig       `toml:"sync"`
	WS         WSConfig         `toml:"ws"`
	Daemon     DaemonConfig     `toml:"daemon"`
	AWS        AWSConfig        `toml:"aws"`
	OAuth      OAuthConfig      `toml:"oauth"`
	Classifier ClassifierConfig `toml:"classifier"`
}

// SyncConfig holds the mailbox agent tunables. Durations are strings in
// time.ParseDuration syntax.
type SyncConfig struct {
	Backfill  string `toml:"backfill_window"`
	IdleMax   string `toml:"idle_max"`
	Connect   string `toml:"connect_timeout"`
	Fetch     string `toml:"fetch_timeout"`
	RetryBase string `toml:"retry_base"`
	RetryCap  string `toml:"retry_cap"`
}

// WSConfig holds the WebSocket session tunables.
type WSConfig struct {
	Heartbeat    string `toml:"heartbeat"`
	WriteTimeout string `toml:"write_timeout"`
	SessionQueue int    `toml:"session_queue"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	Listen           string `toml:"listen"`
	LogLevel         string `toml:"log_level"`
	ShutdownDeadline string `toml:"shutdown_deadline"`
	AdminToken       string `toml:"admin_token"`
}

// AWSConfig names the AWS resources. Empty queue/bucket values disable
// the corresponding optional path.
type AWSConfig struct {
	EmailTable         string `toml:"email_table"`
	CredentialTable    string `toml:"credential_table"`
	VectorBucket       string `toml:"vector_bucket"`
	SearchQueueURL     string `toml:"search_queue_url"`
	DeadletterQueueURL string `toml:"deadletter_queue_url"`
}

// OAuthConfig holds the refresh-token grant settings for the credential
// store.
type OAuthConfig struct {
	TokenEndpoint string `toml:"token_endpoint"`
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
}

// ClassifierConfig selects the remote classification model. An empty
// model ID disables the remote call and leaves only the keyword fallback.
type ClassifierConfig struct {
	ModelID string `toml:"model_id"`
}

// Default returns a Config with the documented default values.
func Default() Config {
	return Config{
		Sync: SyncConfig{
			Backfill:  "24h",
			IdleMax:   "28m",
			Connect:   "15s",
			Fetch:     "30s",
			RetryBase: "5s",
			RetryCap:  "60s",
		},
		WS: WSConfig{
			Heartbeat:    "30s",
			WriteTimeout: "5s",
			SessionQueue: 256,
		},
		Daemon: DaemonConfig{
			Listen:           ":8080",
			LogLevel:         "info",
			ShutdownDeadline: "10s",
		},
		Classifier: ClassifierConfig{
			ModelID: "anthropic.claude-haiku-4-5-20251001-v1:0",
		},
	}
}

// Validate checks that the configuration is well-formed.
func (c *Config) Validate() error {
	if c.Daemon.Listen == "" {
		return errors.New("daemon listen address is required")
	}

	if c.WS.SessionQueue <= 0 {
		return errors.New("ws session_queue must be positive")
	}

	durations := map[string]string{
		"sync backfill_window":     c.Sync.Backfill,
		"sync idle_max":            c.Sync.IdleMax,
		"sync connect_timeout":     c.Sync.Connect,
		"sync fetch_timeout":       c.Sync.Fetch,
		"sync retry_base":          c.Sync.RetryBase,
		"sync retry_cap":           c.Sync.RetryCap,
		"ws heartbeat":             c.WS.Heartbeat,
		"ws write_timeout":         c.WS.WriteTimeout,
		"daemon shutdown_deadline": c.Daemon.ShutdownDeadline,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if ep := c.OAuth.TokenEndpoint; ep != "" {
		if !strings.HasPrefix(ep, "https://") && !strings.HasPrefix(ep, "http://") {
			return fmt.Errorf("oauth token_endpoint %q must be an http(s) URL", ep)
		}
	}

	switch c.Daemon.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid daemon log_level %q (valid: debug, info, warn, error)", c.Daemon.LogLevel)
	}

	return nil
}

// duration parses v, falling back to def when v is empty or invalid.
func duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// BackfillWindow returns the initial fetch window. Defaults to 24h.
func (c *SyncConfig) BackfillWindow() time.Duration {
	return duration(c.Backfill, 24*time.Hour)
}

// IdleMaxInterval returns the forced IDLE refresh interval. Defaults to 28m.
func (c *SyncConfig) IdleMaxInterval() time.Duration {
	return duration(c.IdleMax, 28*time.Minute)
}

// ConnectTimeout returns the IMAP dial budget. Defaults to 15s.
func (c *SyncConfig) ConnectTimeout() time.Duration {
	return duration(c.Connect, 15*time.Second)
}

// FetchTimeout returns the per-message FETCH budget. Defaults to 30s.
func (c *SyncConfig) FetchTimeout() time.Duration {
	return duration(c.Fetch, 30*time.Second)
}

// RetryBaseDelay returns the reconnect backoff base. Defaults to 5s.
func (c *SyncConfig) RetryBaseDelay() time.Duration {
	return duration(c.RetryBase, 5*time.Second)
}

// RetryCapDelay returns the reconnect backoff cap. Defaults to 60s.
func (c *SyncConfig) RetryCapDelay() time.Duration {
	return duration(c.RetryCap, 60*time.Second)
}

// HeartbeatInterval returns the server PING interval. Defaults to 30s.
func (c *WSConfig) HeartbeatInterval() time.Duration {
	return duration(c.Heartbeat, 30*time.Second)
}

// WriteTimeoutDuration returns the per-frame write budget. Defaults to 5s.
func (c *WSConfig) WriteTimeoutDuration() time.Duration {
	return duration(c.WriteTimeout, 5*time.Second)
}

// ShutdownDeadlineDuration returns the supervisor shutdown budget.
// Defaults to 10s.
func (c *DaemonConfig) ShutdownDeadlineDuration() time.Duration {
	return duration(c.ShutdownDeadline, 10*time.Second)
}

// SlogLevel maps the configured log level to a slog.Level string form
// consumed by the daemon's handler setup.
func (c *DaemonConfig) SlogLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}
