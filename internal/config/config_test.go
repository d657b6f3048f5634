package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 384, cfg.Assistant.ChunkSize)
	assert.Equal(t, 64, cfg.Assistant.ChunkOverlap)
	assert.Equal(t, 1200, cfg.Assistant.MaxContextTokens)
	assert.Equal(t, 150, cfg.Assistant.UserQueryTokens)
	assert.Equal(t, 10, cfg.Assistant.TopK)
	assert.InDelta(t, 0.6, cfg.Assistant.RelevanceThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Assistant.MaxSources)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, 60, cfg.LLM.TimeoutS)
	assert.Equal(t, 400, cfg.LLM.MaxOutputTokens)
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, 5, cfg.Breaker.FailThreshold)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ASSISTANT_TOP_K", "15")
	t.Setenv("ASSISTANT_RELEVANCE_THRESHOLD", "0.75")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("CIRCUIT_BREAKER_TIMEOUT_S", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Assistant.TopK)
	assert.InDelta(t, 0.75, cfg.Assistant.RelevanceThreshold, 1e-9)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, int64(10), int64(cfg.Breaker.Timeout.Seconds()))
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero chunk size":      func(c *Config) { c.Assistant.ChunkSize = 0 },
		"overlap >= size":      func(c *Config) { c.Assistant.ChunkOverlap = c.Assistant.ChunkSize },
		"negative overlap":     func(c *Config) { c.Assistant.ChunkOverlap = -1 },
		"zero query tokens":    func(c *Config) { c.Assistant.UserQueryTokens = 0 },
		"top_k over bound":     func(c *Config) { c.Assistant.TopK = 21 },
		"threshold over 1":     func(c *Config) { c.Assistant.RelevanceThreshold = 1.5 },
		"zero dimensions":      func(c *Config) { c.Embedding.Dimensions = 0 },
		"zero fail threshold":  func(c *Config) { c.Breaker.FailThreshold = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
