package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatify/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Server holds the messaging backend endpoints.
	Server ServerConfig `toml:"server"`
	// User is the authenticated local identity.
	User UserConfig `toml:"user"`
	// Outbox tunes queue processing and persistence.
	Outbox OutboxConfig `toml:"outbox"`
}

// ServerConfig holds backend endpoints.
type ServerConfig struct {
	// SocketURL is the websocket endpoint, e.g. ws://host:port/ws.
	SocketURL string `toml:"socket_url"`
	// MediaURL is the media service base URL for photo uploads.
	MediaURL string `toml:"media_url"`
	// ProbeAddr is the host:port the network watcher dials. Defaults to
	// the socket URL's host.
	ProbeAddr string `toml:"probe_addr"`
}

// UserConfig identifies the local user.
type UserConfig struct {
	ID   int    `toml:"id"`
	Name string `toml:"name"`
}

// OutboxConfig tunes the queue processor. Zero values take defaults.
type OutboxConfig struct {
	BatchSize          int   `toml:"batch_size"`
	MaxRetries         int   `toml:"max_retries"`
	RetryBaseDelayMS   int64 `toml:"retry_base_delay_ms"`
	PersistDebounceMS  int64 `toml:"persist_debounce_ms"`
	JoinSettleDelayMS  int64 `toml:"join_settle_delay_ms"`
	ProbeIntervalSecs  int64 `toml:"probe_interval_secs"`
	ReconnectBaseMS    int64 `toml:"reconnect_base_ms"`
	ReconnectCeilingMS int64 `toml:"reconnect_ceiling_ms"`
}

// applyDefaults fills unset tunables.
func (c *Config) applyDefaults() {
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 5
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 3
	}
	if c.Outbox.RetryBaseDelayMS == 0 {
		c.Outbox.RetryBaseDelayMS = 1000
	}
	if c.Outbox.PersistDebounceMS == 0 {
		c.Outbox.PersistDebounceMS = 1000
	}
	if c.Outbox.JoinSettleDelayMS == 0 {
		c.Outbox.JoinSettleDelayMS = 300
	}
	if c.Outbox.ProbeIntervalSecs == 0 {
		c.Outbox.ProbeIntervalSecs = 10
	}
	if c.Outbox.ReconnectBaseMS == 0 {
		c.Outbox.ReconnectBaseMS = 1000
	}
	if c.Outbox.ReconnectCeilingMS == 0 {
		c.Outbox.ReconnectCeilingMS = 15000
	}
}

// Load reads config from the given path and applies defaults. Returns
// zero config and error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
