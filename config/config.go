// Package config loads runtime settings from the environment, with an
// optional JSON file overlay that can be watched for changes at runtime.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"
)

// Config holds the streaming server's runtime settings.
type Config struct {
	// Addr is the listen address.
	Addr string `env:"MCP_RESUME_ADDR,default=:6666" json:"addr"`
	// PublicEndpoint is the externally visible URL of the streaming endpoint.
	PublicEndpoint string `env:"MCP_RESUME_PUBLIC_ENDPOINT,default=http://localhost:6666/mcp" json:"public_endpoint"`
	// SessionTTL is the idle time after which a disconnected session expires.
	SessionTTL time.Duration `env:"MCP_RESUME_SESSION_TTL,default=5m" json:"session_ttl"`
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `env:"MCP_RESUME_SWEEP_INTERVAL,default=30s" json:"sweep_interval"`
	// EventLogCapacity bounds the per-session replay buffer.
	EventLogCapacity int `env:"MCP_RESUME_EVENT_LOG_CAPACITY,default=500" json:"event_log_capacity"`
	// RateLimitPerSecond enables request admission control when > 0.
	RateLimitPerSecond float64 `env:"MCP_RESUME_RATE_LIMIT_PER_SECOND,default=0" json:"rate_limit_per_second"`
	// RateLimitBurst is the admission burst size when rate limiting is on.
	RateLimitBurst int `env:"MCP_RESUME_RATE_LIMIT_BURST,default=10" json:"rate_limit_burst"`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config from environment: %w", err)
	}
	return &cfg, nil
}

// LoadFile returns Load's result overlaid with the JSON document at path.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	// Durations arrive as JSON strings ("30s"); decode via an alias with
	// string fields, then parse.
	type fileConfig struct {
		Addr               *string  `json:"addr"`
		PublicEndpoint     *string  `json:"public_endpoint"`
		SessionTTL         *string  `json:"session_ttl"`
		SweepInterval      *string  `json:"sweep_interval"`
		EventLogCapacity   *int     `json:"event_log_capacity"`
		RateLimitPerSecond *float64 `json:"rate_limit_per_second"`
		RateLimitBurst     *int     `json:"rate_limit_burst"`
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.Addr != nil {
		c.Addr = *fc.Addr
	}
	if fc.PublicEndpoint != nil {
		c.PublicEndpoint = *fc.PublicEndpoint
	}
	if fc.SessionTTL != nil {
		d, err := time.ParseDuration(*fc.SessionTTL)
		if err != nil {
			return fmt.Errorf("parse session_ttl: %w", err)
		}
		c.SessionTTL = d
	}
	if fc.SweepInterval != nil {
		d, err := time.ParseDuration(*fc.SweepInterval)
		if err != nil {
			return fmt.Errorf("parse sweep_interval: %w", err)
		}
		c.SweepInterval = d
	}
	if fc.EventLogCapacity != nil {
		c.EventLogCapacity = *fc.EventLogCapacity
	}
	if fc.RateLimitPerSecond != nil {
		c.RateLimitPerSecond = *fc.RateLimitPerSecond
	}
	if fc.RateLimitBurst != nil {
		c.RateLimitBurst = *fc.RateLimitBurst
	}
	return nil
}

// Watch re-reads the config file whenever it changes and invokes onChange
// with the freshly loaded configuration. It blocks until ctx is canceled.
// Watching the parent directory keeps the watch alive across the
// rename-and-replace writes editors and config managers perform.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadFile(path)
			if err != nil {
				log.Warn("config.reload.fail", slog.String("err", err.Error()))
				continue
			}
			log.Info("config.reload.ok", slog.String("path", path))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config.watch.err", slog.String("err", err.Error()))
		}
	}
}
