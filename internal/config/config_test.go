package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100, cfg.QueueRatePerMin)
	assert.Equal(t, time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, int64(100), cfg.QueueFullThreshold)
	assert.Equal(t, 5*time.Minute, cfg.IdempotencyTTL)
	assert.Equal(t, 3, cfg.MaxSubsPerKey)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "8080")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("PING_INTERVAL", "5000")
	t.Setenv("PONG_TIMEOUT", "2500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.PingInterval())
	assert.Equal(t, 2500*time.Millisecond, cfg.PongTimeout())
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)
}
