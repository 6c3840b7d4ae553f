package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.Equal(t, "mp3", cfg.ProviderFormat)
	assert.Equal(t, "events:jobs", cfg.EventStream)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("BACKOFF_BASE", "10s")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "true")

	cfg := Load()

	assert.Equal(t, "9999", cfg.HTTPPort)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.BackoffBase)
	assert.Equal(t, 2.5, cfg.RateLimitRefill)
	assert.True(t, cfg.ArtifactS3PathStyle)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_RETRIES", "many")
	t.Setenv("VISIBILITY_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
}
