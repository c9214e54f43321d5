package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.95, cfg.Matching.AutoThreshold)
	assert.Equal(t, 0.70, cfg.Matching.SuggestThreshold)
	assert.Equal(t, 6*time.Hour, cfg.Sync.Cadence)
	assert.Equal(t, int64(10*1024*1024), cfg.Sync.MaxAttachment)
	assert.Equal(t, 90*24*time.Hour, cfg.Sync.NoMatchAfter)
	assert.Equal(t, 10, cfg.Queue.Concurrency["inbox"])
	assert.Equal(t, 5*time.Minute, cfg.Queue.Lease)
	assert.True(t, cfg.Database.Migrate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("MATCH_AUTO_THRESHOLD", "0.9")
	t.Setenv("SYNC_CADENCE_HOURS", "not-a-number")
	t.Setenv("QUEUE_LEASE_SECONDS", "60")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 0.9, cfg.Matching.AutoThreshold)
	assert.Equal(t, 6*time.Hour, cfg.Sync.Cadence)
	assert.Equal(t, time.Minute, cfg.Queue.Lease)
}
