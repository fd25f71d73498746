package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":6666", cfg.Addr)
	assert.Equal(t, "http://localhost:6666/mcp", cfg.PublicEndpoint)
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 500, cfg.EventLogCapacity)
	assert.Zero(t, cfg.RateLimitPerSecond)
	assert.Equal(t, 10, cfg.RateLimitBurst)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MCP_RESUME_ADDR", ":9999")
	t.Setenv("MCP_RESUME_SESSION_TTL", "90s")
	t.Setenv("MCP_RESUME_EVENT_LOG_CAPACITY", "42")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 90*time.Second, cfg.SessionTTL)
	assert.Equal(t, 42, cfg.EventLogCapacity)
}

func TestLoadFileOverlay(t *testing.T) {
	t.Setenv("MCP_RESUME_ADDR", ":9999")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"session_ttl": "2m",
		"rate_limit_per_second": 25.5
	}`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	// File fields win; unset file fields keep their env/default values.
	assert.Equal(t, 2*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 25.5, cfg.RateLimitPerSecond)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 500, cfg.EventLogCapacity)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"session_ttl": "not a duration"}`), 0o600))
	_, err = LoadFile(bad)
	require.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"session_ttl": "1m"}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(cfg *Config) {
			select {
			case changed <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"session_ttl": "7m"}`), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, 7*time.Minute, cfg.SessionTTL)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never observed the change")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchIgnoresInvalidWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(cfg *Config) {
			changed <- cfg
		})
	}()
	time.Sleep(50 * time.Millisecond)

	// A broken write is logged and skipped; a later valid write still lands.
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"sweep_interval": "9s"}`), 0o600))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.SweepInterval == 9*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("watcher never recovered from the invalid write")
		}
	}
}
