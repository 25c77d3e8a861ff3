package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, time.Hour, cfg.Store.CacheTTL.Duration())
	assert.Equal(t, 1000, cfg.Store.CacheMaxEntries)
	assert.Equal(t, 0.3, cfg.Confidence.InitialConfidence)
	assert.Equal(t, 0.1, cfg.Confidence.LearningRate)
	assert.Equal(t, 5*time.Minute, cfg.Recognition.TemporalWindow.Duration())
	assert.Equal(t, 0.05, cfg.Recognition.SignificanceLevel)
	assert.Equal(t, 90, cfg.Pruning.MaxAgeDays)
	assert.Equal(t, 0.1, cfg.Pruning.MinUsageRate)
	assert.True(t, cfg.Pruning.PreserveHighValue)
	assert.False(t, cfg.Pruning.DeactivateFirst)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Secrets.Enabled)
	assert.True(t, cfg.Secrets.Gitleaks)
	assert.Equal(t, "[REDACTED]", cfg.Secrets.Redaction)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "s3" }, "store.backend"},
		{"file without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"redis without addr", func(c *Config) { c.Store.Backend = BackendRedis; c.Redis.Addr = "" }, "redis.addr"},
		{"zero ttl", func(c *Config) { c.Store.CacheTTL = 0 }, "cache_ttl"},
		{"zero cache entries", func(c *Config) { c.Store.CacheMaxEntries = 0 }, "cache_max_entries"},
		{"learning rate", func(c *Config) { c.Confidence.LearningRate = 1.5 }, "learning_rate"},
		{"confidence bounds", func(c *Config) { c.Confidence.MinConfidence = 0.9; c.Confidence.MaxConfidence = 0.2 }, "confidence bounds"},
		{"sequence lengths", func(c *Config) { c.Recognition.MaxSequenceLength = 1 }, "sequence lengths"},
		{"temporal window", func(c *Config) { c.Recognition.TemporalWindow = 0 }, "temporal_window"},
		{"significance", func(c *Config) { c.Recognition.SignificanceLevel = 1 }, "significance_level"},
		{"age limits", func(c *Config) { c.Pruning.SolutionMaxAgeDays = 0 }, "age limits"},
		{"max count", func(c *Config) { c.Pruning.MaxCount = 0 }, "max_count"},
		{"archive path", func(c *Config) { c.Pruning.ArchivePath = "" }, "archive_path"},
		{"backup path", func(c *Config) { c.Pruning.BackupPath = "" }, "backup_path"},
		{"concurrency", func(c *Config) { c.Pruning.Concurrency = 0 }, "concurrency"},
		{"interval", func(c *Config) { c.Pruning.Interval = 0 }, "pruning.interval"},
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"empty redaction", func(c *Config) { c.Secrets.Redaction = "" }, "secrets.redaction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	mem := Default()
	mem.Store.Backend = BackendMemory
	mem.Store.Path = ""
	assert.NoError(t, mem.Validate())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")

	data, err := json.Marshal(RedisConfig{Addr: "localhost:6379", Password: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())

	require.NoError(t, empty.UnmarshalText([]byte("from-env")))
	assert.Equal(t, "from-env", empty.Value())
}
