// Package daemon manages the Kiln daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Cache     CacheConfig     `toml:"cache"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Storage   StorageConfig   `toml:"storage"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RequestTimeout string   `toml:"request_timeout"`
}

// SchedulerConfig controls admission, retries, and stall detection.
type SchedulerConfig struct {
	TotalVRAMMB    int64  `toml:"total_vram_mb"`
	InboxSize      int    `toml:"inbox_size"`
	PollInterval   string `toml:"poll_interval"`
	StallTimeout   string `toml:"stall_timeout"`
	MaxAttempts    int    `toml:"max_attempts"`
	RetryBaseDelay string `toml:"retry_base_delay"`
	RetryMaxDelay  string `toml:"retry_max_delay"`
}

// CacheConfig controls the similarity cache byte budget.
type CacheConfig struct {
	MaxMB int64 `toml:"max_mb"`
}

// RateLimitConfig bounds per-identity submission rates.
type RateLimitConfig struct {
	PerMinute int `toml:"per_minute"`
	Burst     int `toml:"burst"`
}

// WebhookConfig controls event delivery.
type WebhookConfig struct {
	Timeout string `toml:"timeout"`
}

// StorageConfig controls where state lives and how long terminal rows stay.
type StorageConfig struct {
	DataDir       string `toml:"data_dir"`
	TaskRetention string `toml:"task_retention"` // live tracking window
	RowRetention  string `toml:"row_retention"`  // durable snapshot window
}

// DefaultConfig returns production daemon defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           5456,
			CORSOrigins:    []string{"*"},
			RequestTimeout: "60s",
		},
		Scheduler: SchedulerConfig{
			TotalVRAMMB:    24_576,
			InboxSize:      256,
			PollInterval:   "250ms",
			StallTimeout:   "5m",
			MaxAttempts:    3,
			RetryBaseDelay: "1s",
			RetryMaxDelay:  "60s",
		},
		Cache: CacheConfig{
			MaxMB: 2048,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			Burst:     10,
		},
		Webhook: WebhookConfig{
			Timeout: "10s",
		},
		Storage: StorageConfig{
			DataDir:       kilnHome(),
			TaskRetention: "24h",
			RowRetention:  "168h",
		},
	}
}

// LoadConfig reads config from ~/.kiln/config.toml. On first run the default
// config is written out so operators have a file to edit.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(kilnHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveConfig(cfg); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.kiln/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(kilnHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// kilnHome returns the Kiln data directory.
func kilnHome() string {
	if env := os.Getenv("KILN_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kiln")
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
