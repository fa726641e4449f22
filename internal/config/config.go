package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Normalize for zero values.
const (
	DefaultPollInterval  = 10 * time.Second
	DefaultCacheTTL      = 24 * time.Hour
	DefaultTypingWindow  = 3 * time.Second
	DefaultOnlineWindow  = 2 * time.Minute
	DefaultPageSize      = 50
	DefaultMaxMessages   = 500
	DefaultMaxCacheBytes = 8 << 20 // 8 MiB, roughly the budget of a browser origin
)

// Duration wraps time.Duration so it can be written as "10s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the per-profile config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// PollInterval is the polling-guard reconciliation interval.
	PollInterval Duration `toml:"poll_interval"`
	// CacheTTL is the maximum age of a persisted cache entry.
	CacheTTL Duration `toml:"cache_ttl"`
	// TypingWindow is how long a typing indicator stays alive without a
	// refresh before it is treated as stopped.
	TypingWindow Duration `toml:"typing_window"`
	// OnlineWindow bounds how stale a presence push may be while the
	// user is still reported online.
	OnlineWindow Duration `toml:"online_window"`

	// PageSize is the message page size for backward pagination.
	PageSize int `toml:"page_size"`
	// MaxMessages caps retained messages per conversation (newest-biased).
	MaxMessages int `toml:"max_messages"`
	// MaxCacheBytes caps the persisted cache; exceeding it triggers
	// oldest-third eviction.
	MaxCacheBytes int64 `toml:"max_cache_bytes"`
}

// Normalize fills in defaults for zero values and returns the config.
func (c *Config) Normalize() *Config {
	if c.PollInterval.Duration <= 0 {
		c.PollInterval.Duration = DefaultPollInterval
	}
	if c.CacheTTL.Duration <= 0 {
		c.CacheTTL.Duration = DefaultCacheTTL
	}
	if c.TypingWindow.Duration <= 0 {
		c.TypingWindow.Duration = DefaultTypingWindow
	}
	if c.OnlineWindow.Duration <= 0 {
		c.OnlineWindow.Duration = DefaultOnlineWindow
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.MaxCacheBytes <= 0 {
		c.MaxCacheBytes = DefaultMaxCacheBytes
	}
	return c
}

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return cfg.Normalize(), nil
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
