package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 15*time.Minute, cfg.HoldTTL)
	assert.Equal(t, 100, cfg.RateLimitBurst)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENV", "production")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("HOLD_TTL", "90s")
	t.Setenv("ENGINE_STRICT_INVARIANTS", "true")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 90*time.Second, cfg.HoldTTL)
	assert.True(t, cfg.StrictInvariants)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_BACKEND", "mongo")

	_, err := Load()
	assert.ErrorContains(t, err, "STORE_BACKEND")
}
