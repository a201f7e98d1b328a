package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.yaml")
	data := `
content:
  folder: /var/lib/scene/content
  eviction_interval_ms: 250
  backup_ledger: false
server:
  rest_port: 9000
eventbus:
  url: nats://127.0.0.1:4222
  retention_hours: 2
cache:
  redis_url: 127.0.0.1:6379
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/scene/content", cfg.Content.GetFolder())
	assert.Equal(t, filepath.Join("/var/lib/scene/content", "backup"), cfg.Content.GetBackupFolder())
	assert.Equal(t, DefaultDatabaseFile, cfg.Content.GetDatabaseFile())
	assert.Equal(t, 250*time.Millisecond, cfg.Content.GetEvictionInterval())
	assert.False(t, cfg.Content.LedgerEnabled())
	assert.Equal(t, 9000, cfg.Server.GetRESTPort())
	assert.Equal(t, 2*time.Hour, cfg.EventBus.GetRetention())
	assert.Equal(t, "127.0.0.1:6379", cfg.Cache.GetRedisURL())
	assert.Equal(t, "content", cfg.Cache.GetPrefix())
}

func TestDefaultsAndEnvFallback(t *testing.T) {
	t.Setenv("CONTENT_CONFIG", "")
	t.Setenv("CONTENT_REST_PORT", "7070")
	t.Setenv("CONTENT_TRANSFER_FOLDER", "")
	t.Setenv("CONTENT_FOLDER", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultContentFolder, cfg.Content.GetFolder())
	assert.Equal(t, DefaultEviction, cfg.Content.GetEvictionInterval())
	assert.True(t, cfg.Content.LedgerEnabled())
	assert.Equal(t, filepath.Join(DefaultContentFolder, "transfer"), cfg.Content.GetTransferFolder())
	assert.Equal(t, 7070, cfg.Server.GetRESTPort())
	assert.Equal(t, 2112, cfg.Server.GetMetricsPort())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
