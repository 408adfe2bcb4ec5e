package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"memoryengine/internal/logging"
)

// Config holds all memory-engine configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Substrate (SQLite pool) configuration
	Substrate SubstrateConfig `yaml:"substrate"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Optional LLM validator configuration
	Validator ValidatorConfig `yaml:"validator"`

	// Retriever tuning
	Retriever RetrieverConfig `yaml:"retriever"`

	// Consolidator tuning
	Consolidator ConsolidatorConfig `yaml:"consolidator"`

	// Arbiter tuning (reconsolidation + contradictions)
	Arbiter ArbiterConfig `yaml:"arbiter"`

	// Quality/attention tracker tuning
	Quality QualityConfig `yaml:"quality"`

	// Background scheduler tuning
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Per-operation rate limits (enforced system-wide)
	RateLimits RateLimitConfig `yaml:"rate_limits"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig mirrors the logging package's file/level knobs.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration. Every numeric default
// matches the values documented in the engine's public contract.
func DefaultConfig() *Config {
	return &Config{
		Name:    "memoryengine",
		Version: "1.0.0",

		Substrate: SubstrateConfig{
			Path:           "data/memoryengine.db",
			PoolMin:        2,
			PoolMax:        10,
			StartupTimeout: "5s",
			BusyTimeout:    "5s",
		},

		// Embedding engine defaults (Ollama for local, fast embeddings)
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
			CacheSize:      5000,
		},

		Validator: ValidatorConfig{
			Provider: "", // empty disables validation entirely
			Model:    "gemini-2.0-flash",
			Timeout:  "30s",
		},

		Retriever: RetrieverConfig{
			DenseWeight:      0.7,
			LexicalWeight:    0.3,
			RecencyWeight:    0.1,
			RecencyHalfLife:  "168h",
			CandidateFactor:  4,
			KCeiling:         100,
			MinScore:         0.0,
			RerankCandidates: 64,
			RerankTimeout:    "10s",
		},

		Consolidator: ConsolidatorConfig{
			LookbackWindow:     "168h",
			MinClusterSizeFast: 3,
			MinClusterSizeSlow: 5,
			TemporalGap:        "30m",
			LaplacePrior:       2.0,
			ValidationBandLow:  0.3,
			ValidationBandHigh: 0.7,
			ProcedureSupport:   10,
		},

		Arbiter: ArbiterConfig{
			ReconsolidationWindow: "60m",
			SimilarityThreshold:   0.85,
			SeverityBandLow:       0.3,
			SeverityBandHigh:      0.6,
			KeepLatestMinGap:      "24h",
			QualityGap:            0.3,
			DecayHorizon:          "720h",
		},

		Quality: QualityConfig{
			WorkingSetCap: 7,
		},

		Scheduler: SchedulerConfig{
			TickPeriod:             "60s",
			IdleQuietWindow:        "5m",
			ConsolidationThreshold: 1000,
			ConsolidationMaxAge:    "24h",
		},

		RateLimits: DefaultRateLimitConfig(),

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "memoryengine.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("Loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("Failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()
	logging.Boot("Config loaded: db=%s embedding=%s", cfg.Substrate.Path, cfg.Embedding.Provider)

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logging.Audit().ConfigChange(path)
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Database path from environment
	if path := os.Getenv("MEMORYENGINE_DB"); path != "" {
		c.Substrate.Path = path
	}

	// Embedding configuration from environment
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" || c.Embedding.Provider == "ollama" {
			// Only switch to genai if no provider explicitly set or using default
			c.Embedding.Provider = "genai"
		}
		if c.Validator.APIKey == "" {
			c.Validator.APIKey = key
		}
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_EMBEDDING_MODEL"); model != "" {
		c.Embedding.OllamaModel = model
	}

	// Validator from environment
	if provider := os.Getenv("MEMORYENGINE_VALIDATOR"); provider != "" {
		c.Validator.Provider = provider
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Substrate.Path == "" {
		return fmt.Errorf("substrate path not configured")
	}
	if c.Substrate.PoolMin < 1 || c.Substrate.PoolMax < c.Substrate.PoolMin {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", c.Substrate.PoolMin, c.Substrate.PoolMax)
	}
	if c.Retriever.KCeiling < 1 {
		return fmt.Errorf("retriever k ceiling must be positive, got %d", c.Retriever.KCeiling)
	}
	if c.Retriever.CandidateFactor < 4 {
		return fmt.Errorf("retriever candidate factor must be >= 4, got %d", c.Retriever.CandidateFactor)
	}
	if c.Quality.WorkingSetCap < 1 {
		return fmt.Errorf("working set cap must be positive, got %d", c.Quality.WorkingSetCap)
	}
	if c.Consolidator.ValidationBandLow > c.Consolidator.ValidationBandHigh {
		return fmt.Errorf("consolidator validation band inverted")
	}
	if c.Arbiter.SeverityBandLow > c.Arbiter.SeverityBandHigh {
		return fmt.Errorf("arbiter severity band inverted")
	}
	if err := c.RateLimits.Validate(); err != nil {
		return err
	}
	return nil
}

// parseDuration parses a duration string, returning fallback on failure.
// Every duration knob in this package is stored as a string so the YAML file
// reads naturally ("60m", "24h").
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
