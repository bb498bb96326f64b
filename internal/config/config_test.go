package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_NAME", "INSTANCE_ID", "POSTGRES_URL", "REDIS_ADDR", "REDIS_DB",
		"OBJECT_ENDPOINT", "OBJECT_ACCESS_KEY", "OBJECT_SECRET_KEY", "OBJECT_BUCKET",
		"JWT_SECRET", "HUB_TRANSPORTS", "HUB_HEARTBEAT_INTERVAL", "SHUTDOWN_TIMEOUT",
		"OTEL_TRACES_SAMPLER_ARG",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("ROSTER_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "roster-sync", cfg.AppName)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Empty(t, cfg.PostgresURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "rosters", cfg.ObjectBucket)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Nil(t, cfg.Transports)
}

func TestLoadOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("HUB_TRANSPORTS", "WebSockets, LongPolling")
	t.Setenv("SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("HUB_HEARTBEAT_INTERVAL", "not-a-duration")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, []string{"WebSockets", "LongPolling"}, cfg.Transports)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
}

func TestLoadValidates(t *testing.T) {
	isolate(t)
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("OBJECT_ENDPOINT", "localhost:9000")
	_, err = Load()
	assert.ErrorContains(t, err, "credentials")
}

func TestLoadReadsDotEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=from-file\nINSTANCE_ID=node-7\n"), 0o600))
	t.Setenv("ROSTER_ENV_FILE", path)
	// godotenv never overrides variables that are already set.
	require.NoError(t, os.Unsetenv("JWT_SECRET"))
	require.NoError(t, os.Unsetenv("INSTANCE_ID"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "node-7", cfg.InstanceID)
}

func TestResourcesWithNothingConfigured(t *testing.T) {
	res, err := NewResources(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, res.Postgres)
	assert.Nil(t, res.Redis)
	assert.Nil(t, res.Object)
	assert.NoError(t, res.HealthCheck(context.Background()))
	res.Close()
}
