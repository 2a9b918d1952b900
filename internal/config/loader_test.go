package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temporary directory for the test.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "telemetrybus")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_DefaultsWithoutFile(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `redis:
  url: redis://broker:6380/1
  password: s3cret
stream:
  key: events:test
  max_len: 5000
consumer:
  group: orchestrator
  name: orch-1
  block_timeout: 250ms
relay:
  enabled: true
  url: nats://nats:4222
server:
  http_port: 8088
logging:
  level: debug
  format: console
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://broker:6380/1", cfg.Redis.URL)
	assert.Equal(t, "s3cret", cfg.Redis.Password.Value())
	assert.Equal(t, "events:test", cfg.Stream.Key)
	assert.Equal(t, int64(5000), cfg.Stream.MaxLen)
	assert.Equal(t, "orchestrator", cfg.Consumer.Group)
	assert.Equal(t, "orch-1", cfg.Consumer.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.BlockTimeout.Duration())
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, int64(10), cfg.Consumer.BatchSize)
	assert.Equal(t, "telemetry", cfg.Relay.SubjectPrefix)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "consumer:\n  group: from-file\nserver:\n  http_port: 8088\n", 0600)

	t.Setenv("TELEMETRYBUS_CONSUMER_GROUP", "from-env")
	t.Setenv("TELEMETRYBUS_CONSUMER_STOP_GRACE", "3s")
	t.Setenv("TELEMETRYBUS_REDIS_PASSWORD", "env-secret")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Consumer.Group)
	assert.Equal(t, 3*time.Second, cfg.Consumer.StopGrace.Duration())
	assert.Equal(t, "env-secret", cfg.Redis.Password.Value())
	assert.Equal(t, 8088, cfg.Server.Port)
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	home := setupTestHome(t)

	t.Run("validation", func(t *testing.T) {
		path := writeConfig(t, home, "server:\n  http_port: 0\n", 0600)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("negative duration", func(t *testing.T) {
		path := writeConfig(t, home, "consumer:\n  stop_grace: -1s\n", 0600)
		_, err := LoadWithFile(path)
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, home, "redis: [unterminated\n", 0600)
		_, err := LoadWithFile(path)
		assert.Error(t, err)
	})
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	home := setupTestHome(t)
	path := writeConfig(t, home, "stream:\n  key: x\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_AcceptsReadOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	home := setupTestHome(t)
	path := writeConfig(t, home, "stream:\n  key: ro\n", 0400)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ro", cfg.Stream.Key)
}

func TestLoadWithFile_RejectsLargeFile(t *testing.T) {
	home := setupTestHome(t)
	big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	path := writeConfig(t, home, big, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadWithFile_RejectsOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream:\n  key: x\n"), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "redis.url", envKey("TELEMETRYBUS_REDIS_URL"))
	assert.Equal(t, "consumer.block_timeout", envKey("TELEMETRYBUS_CONSUMER_BLOCK_TIMEOUT"))
	assert.Equal(t, "server.http_port", envKey("TELEMETRYBUS_SERVER_HTTP_PORT"))
	assert.Equal(t, "debug", envKey("TELEMETRYBUS_DEBUG"))
}

func TestEnsureConfigDir(t *testing.T) {
	home := setupTestHome(t)
	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(home, ".config", "telemetrybus"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}
