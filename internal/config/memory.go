package config

import "time"

// SubstrateConfig configures the SQLite connection pool.
type SubstrateConfig struct {
	// Path to the SQLite database file.
	Path string `yaml:"path"`

	// Pool bounds. Default min 2, max 10.
	PoolMin int `yaml:"pool_min"`
	PoolMax int `yaml:"pool_max"`

	// StartupTimeout bounds how long Connect waits for the pool to reach
	// PoolMin before failing.
	StartupTimeout string `yaml:"startup_timeout"`

	// BusyTimeout is passed to SQLite's busy_timeout pragma.
	BusyTimeout string `yaml:"busy_timeout"`

	// RequireVecExtension makes Connect fail when the sqlite-vec vec0
	// virtual table cannot be created, instead of falling back to the
	// brute-force cosine scan.
	RequireVecExtension bool `yaml:"require_vec_extension"`
}

func (s SubstrateConfig) GetStartupTimeout() time.Duration {
	return parseDuration(s.StartupTimeout, 5*time.Second)
}

func (s SubstrateConfig) GetBusyTimeout() time.Duration {
	return parseDuration(s.BusyTimeout, 5*time.Second)
}

// EmbeddingConfig configures the embedding collaborator. Mirrors
// embedding.Config field-for-field so the config package does not import the
// embedding package.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider"`

	// Ollama Configuration
	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	// GenAI Configuration
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `yaml:"task_type"`

	// CacheSize bounds the content-hash-keyed embedding LRU. Default 5000.
	CacheSize int `yaml:"cache_size"`
}

// ValidatorConfig configures the optional LLM validator. An empty Provider
// disables validation: the Consolidator then always uses pre-validation
// confidence and the Retriever's rerank option is a no-op.
type ValidatorConfig struct {
	Provider string `yaml:"provider"` // "" (disabled) or "genai"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

func (v ValidatorConfig) Enabled() bool { return v.Provider != "" }

func (v ValidatorConfig) GetTimeout() time.Duration {
	return parseDuration(v.Timeout, 30*time.Second)
}
