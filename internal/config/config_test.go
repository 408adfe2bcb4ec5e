package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchContract(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2, cfg.Substrate.PoolMin)
	assert.Equal(t, 10, cfg.Substrate.PoolMax)
	assert.Equal(t, 0.7, cfg.Retriever.DenseWeight)
	assert.Equal(t, 0.3, cfg.Retriever.LexicalWeight)
	assert.Equal(t, 0.1, cfg.Retriever.RecencyWeight)
	assert.Equal(t, 60*time.Minute, cfg.Arbiter.GetReconsolidationWindow())
	assert.Equal(t, 0.85, cfg.Arbiter.SimilarityThreshold)
	assert.Equal(t, 7, cfg.Quality.WorkingSetCap)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.GetTickPeriod())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.GetIdleQuietWindow())
	assert.Equal(t, 1000, cfg.Scheduler.ConsolidationThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.GetConsolidationMaxAge())
	assert.Equal(t, 5000, cfg.Embedding.CacheSize)
	assert.False(t, cfg.Validator.Enabled())

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memoryengine", cfg.Name)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")

	cfg := DefaultConfig()
	cfg.Quality.WorkingSetCap = 12
	cfg.Scheduler.TickPeriod = "90s"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.Quality.WorkingSetCap)
	assert.Equal(t, 90*time.Second, loaded.Scheduler.GetTickPeriod())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMORYENGINE_DB", "/tmp/override.db")
	t.Setenv("GENAI_API_KEY", "test-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Substrate.Path)
	assert.Equal(t, "genai", cfg.Embedding.Provider)
	assert.Equal(t, "test-key", cfg.Embedding.GenAIAPIKey)
	assert.Equal(t, "test-key", cfg.Validator.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Substrate.Path = "" },
		func(c *Config) { c.Substrate.PoolMin = 0 },
		func(c *Config) { c.Substrate.PoolMax = 1 },
		func(c *Config) { c.Retriever.KCeiling = 0 },
		func(c *Config) { c.Retriever.CandidateFactor = 2 },
		func(c *Config) { c.Quality.WorkingSetCap = 0 },
		func(c *Config) { c.Consolidator.ValidationBandLow = 0.9 },
		func(c *Config) { c.Arbiter.SeverityBandLow = 0.9 },
		func(c *Config) { c.RateLimits.RetrievePerMinute = -1 },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Errorf(t, cfg.Validate(), "case %d should fail validation", i)
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.TickPeriod = "garbage"
	assert.Equal(t, 60*time.Second, cfg.Scheduler.GetTickPeriod())
}

func TestSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "engine.yaml")
	require.NoError(t, DefaultConfig().Save(path))
	_, err := os.Stat(path)
	require.NoError(t, err)
}
