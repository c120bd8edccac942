package amcp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Second, cfg.PublishTimeout)
	assert.Equal(t, 10_000, cfg.QueueBound)
	assert.Equal(t, 30*time.Second, cfg.CallbackTimeout)
	assert.Equal(t, 15*time.Second, cfg.MigrationTimeout)
	assert.Equal(t, 60*time.Second, cfg.OrchestrationDeadlineDefault)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 2.0, cfg.RetryFactor)
	assert.Equal(t, 30*time.Second, cfg.RetryCap)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.BrokerDrainTimeout)
	assert.Equal(t, DefaultDeliveryOptions(), cfg.DefaultDelivery)
}

func TestLoadConfig_YAMLOverlaysOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
publishTimeout: 2s
queueBound: 500
retryMaxAttempts: 3
topicPrefix: prod.
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.PublishTimeout)
	assert.Equal(t, 500, cfg.QueueBound)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, "prod.", cfg.TopicPrefix)

	// Everything not mentioned in the file keeps its default.
	assert.Equal(t, 30*time.Second, cfg.CallbackTimeout)
	assert.Equal(t, 15*time.Second, cfg.MigrationTimeout)
}

func TestLoadConfig_TOMLOverlaysOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amcp.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
migration_timeout = "20s"
heartbeat_interval = "1m"
retry_factor = 3.0
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.MigrationTimeout)
	assert.Equal(t, time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, 3.0, cfg.RetryFactor)

	assert.Equal(t, 5*time.Second, cfg.PublishTimeout)
}

func TestLoadConfig_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Equal(t, KindValidationError, KindOf(err))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
	assert.Equal(t, KindValidationError, KindOf(err))
}
