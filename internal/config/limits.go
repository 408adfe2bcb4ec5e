package config

import "fmt"

// RateLimitConfig bounds requests per minute per operation kind. A zero
// value means unlimited for that operation.
type RateLimitConfig struct {
	InsertPerMinute      int `yaml:"insert_per_minute"`
	RetrievePerMinute    int `yaml:"retrieve_per_minute"`
	ConsolidatePerMinute int `yaml:"consolidate_per_minute"`
	EmbedPerMinute       int `yaml:"embed_per_minute"`
	ValidatePerMinute    int `yaml:"validate_per_minute"`
}

// DefaultRateLimitConfig returns limits generous enough for a single local
// caller while still bounding runaway loops.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		InsertPerMinute:      600,
		RetrievePerMinute:    600,
		ConsolidatePerMinute: 10,
		EmbedPerMinute:       300,
		ValidatePerMinute:    60,
	}
}

// Validate rejects negative limits.
func (r RateLimitConfig) Validate() error {
	for name, v := range map[string]int{
		"insert":      r.InsertPerMinute,
		"retrieve":    r.RetrievePerMinute,
		"consolidate": r.ConsolidatePerMinute,
		"embed":       r.EmbedPerMinute,
		"validate":    r.ValidatePerMinute,
	} {
		if v < 0 {
			return fmt.Errorf("rate limit for %s must be >= 0, got %d", name, v)
		}
	}
	return nil
}
