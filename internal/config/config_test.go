package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "arbiter", cfg.AppName)
	assert.Equal(t, "postgres", cfg.DBType)
	assert.Equal(t, EscrowGatewayLedger, cfg.Escrow.Gateway)
	assert.Equal(t, time.Minute, cfg.Scheduler.RunInterval)
	assert.Equal(t, []string{"/etc/arbiter", "."}, cfg.PolicyPaths)
	assert.Empty(t, cfg.Scheduler.EnabledJobs)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", " SQLite ")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_GENERATION_RATE", "0.5")
	t.Setenv("SCHEDULER_ENABLED_JOBS", "escalate_negotiations, ,auto_accept_reviews")
	t.Setenv("AI_API_KEY", "shared")
	t.Setenv("AI_CONTEXT_MODEL", "small")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBType)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 0.5, cfg.RateLimit.GenerationRate)
	assert.Equal(t, []string{"escalate_negotiations", "auto_accept_reviews"}, cfg.Scheduler.EnabledJobs)
	assert.Equal(t, "shared", cfg.AI.Policy.APIKey)
	assert.Equal(t, "small", cfg.AI.Context.Model)
	assert.Equal(t, "gpt-4o", cfg.AI.Reasoning.Model)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoadKeepsDefaultsForMalformedValues(t *testing.T) {
	t.Setenv("SCHEDULER_BATCH_SIZE", "lots")
	t.Setenv("SCHEDULER_RUN_INTERVAL", "-1s")
	t.Setenv("METRICS_PUSH_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, time.Minute, cfg.Scheduler.RunInterval)
	assert.False(t, cfg.MetricsPush.Enabled)
}
