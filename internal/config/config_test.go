package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 60*time.Second, cfg.DispatchInterval)
	assert.Equal(t, 120*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
db_path: /var/lib/schedflow/db.sqlite
dispatch_interval: 30s
workers: 8
webhook_rate_per_sec: 2.5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/var/lib/schedflow/db.sqlite", cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.DispatchInterval)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 2.5, cfg.WebhookRatePerSec)
	// Untouched keys keep their defaults.
	assert.Equal(t, time.Second, cfg.QueuePoll)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: -1\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
