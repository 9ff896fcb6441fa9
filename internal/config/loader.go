package config

import (
	"fmt"
	"os"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
)

// Load parses a TOML configuration file over the defaults and applies
// SYNCD_* environment overrides. A missing file is not an error; the
// defaults plus environment stand alone.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg), nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return applyEnv(cfg), nil
}

// applyEnv overlays SYNCD_* environment variables onto the config.
// Variables mirror the TOML keys: SYNCD_<SECTION>_<KEY>.
func applyEnv(cfg Config) Config {
	overlay(&cfg.Sync.Backfill, "SYNCD_SYNC_BACKFILL_WINDOW")
	overlay(&cfg.Sync.IdleMax, "SYNCD_SYNC_IDLE_MAX")
	overlay(&cfg.Sync.Connect, "SYNCD_SYNC_CONNECT_TIMEOUT")
	overlay(&cfg.Sync.Fetch, "SYNCD_SYNC_FETCH_TIMEOUT")
	overlay(&cfg.Sync.RetryBase, "SYNCD_SYNC_RETRY_BASE")
	overlay(&cfg.Sync.RetryCap, "SYNCD_SYNC_RETRY_CAP")

	overlay(&cfg.WS.Heartbeat, "SYNCD_WS_HEARTBEAT")
	overlay(&cfg.WS.WriteTimeout, "SYNCD_WS_WRITE_TIMEOUT")
	if v := os.Getenv("SYNCD_WS_SESSION_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WS.SessionQueue = n
		}
	}

	overlay(&cfg.Daemon.Listen, "SYNCD_DAEMON_LISTEN")
	overlay(&cfg.Daemon.LogLevel, "SYNCD_DAEMON_LOG_LEVEL")
	overlay(&cfg.Daemon.ShutdownDeadline, "SYNCD_DAEMON_SHUTDOWN_DEADLINE")
	overlay(&cfg.Daemon.AdminToken, "SYNCD_DAEMON_ADMIN_TOKEN")

	overlay(&cfg.AWS.EmailTable, "SYNCD_AWS_EMAIL_TABLE")
	overlay(&cfg.AWS.CredentialTable, "SYNCD_AWS_CREDENTIAL_TABLE")
	overlay(&cfg.AWS.VectorBucket, "SYNCD_AWS_VECTOR_BUCKET")
	overlay(&cfg.AWS.SearchQueueURL, "SYNCD_AWS_SEARCH_QUEUE_URL")
	overlay(&cfg.AWS.DeadletterQueueURL, "SYNCD_AWS_DEADLETTER_QUEUE_URL")

	overlay(&cfg.OAuth.TokenEndpoint, "SYNCD_OAUTH_TOKEN_ENDPOINT")
	overlay(&cfg.OAuth.ClientID, "SYNCD_OAUTH_CLIENT_ID")
	overlay(&cfg.OAuth.ClientSecret, "SYNCD_OAUTH_CLIENT_SECRET")

	overlay(&cfg.Classifier.ModelID, "SYNCD_CLASSIFIER_MODEL_ID")

	return cfg
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
