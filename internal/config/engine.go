package config

import "time"

// RetrieverConfig tunes hybrid retrieval.
type RetrieverConfig struct {
	// Fusion weights. Defaults: dense 0.7, lexical 0.3, recency bonus up
	// to 0.1.
	DenseWeight   float64 `yaml:"dense_weight"`
	LexicalWeight float64 `yaml:"lexical_weight"`
	RecencyWeight float64 `yaml:"recency_weight"`

	// RecencyHalfLife drives recency_boost = exp(-age / half_life).
	RecencyHalfLife string `yaml:"recency_half_life"`

	// CandidateFactor c: each candidate stage fetches c*k rows, c >= 4.
	CandidateFactor int `yaml:"candidate_factor"`

	// KCeiling caps the caller's k.
	KCeiling int `yaml:"k_ceiling"`

	// MinScore drops fused candidates below this floor.
	MinScore float64 `yaml:"min_score"`

	// RerankCandidates caps how many candidates go to the validator when
	// rerank is requested: min(k*4, RerankCandidates).
	RerankCandidates int `yaml:"rerank_candidates"`

	// RerankTimeout bounds the rerank stage; expiry falls back to the
	// unreranked ordering.
	RerankTimeout string `yaml:"rerank_timeout"`
}

func (r RetrieverConfig) GetRecencyHalfLife() time.Duration {
	return parseDuration(r.RecencyHalfLife, 168*time.Hour)
}

func (r RetrieverConfig) GetRerankTimeout() time.Duration {
	return parseDuration(r.RerankTimeout, 10*time.Second)
}

// ConsolidatorConfig tunes the dual-process consolidation pipeline.
type ConsolidatorConfig struct {
	// LookbackWindow bounds the Event cohort sampled per run.
	LookbackWindow string `yaml:"lookback_window"`

	// Minimum cluster sizes by strategy: fast/balanced use the fast
	// threshold, quality uses the slow one.
	MinClusterSizeFast int `yaml:"min_cluster_size_fast"`
	MinClusterSizeSlow int `yaml:"min_cluster_size_slow"`

	// TemporalGap: consecutive Events within this gap form one chain.
	TemporalGap string `yaml:"temporal_gap"`

	// LaplacePrior is the prior in support / (support + prior).
	LaplacePrior float64 `yaml:"laplace_prior"`

	// Validation uncertainty band: candidates whose pre-validation
	// confidence falls inside [low, high] are submitted to the validator
	// when the strategy requests it. Default [0.3, 0.7].
	ValidationBandLow  float64 `yaml:"validation_band_low"`
	ValidationBandHigh float64 `yaml:"validation_band_high"`

	// ProcedureSupport: workflow Patterns with support above this derive a
	// Procedure.
	ProcedureSupport int `yaml:"procedure_support"`
}

func (c ConsolidatorConfig) GetLookbackWindow() time.Duration {
	return parseDuration(c.LookbackWindow, 168*time.Hour)
}

func (c ConsolidatorConfig) GetTemporalGap() time.Duration {
	return parseDuration(c.TemporalGap, 30*time.Minute)
}

// ArbiterConfig tunes reconsolidation windows and contradiction handling.
type ArbiterConfig struct {
	// ReconsolidationWindow is how long an activated record stays labile.
	// Default 60 minutes.
	ReconsolidationWindow string `yaml:"reconsolidation_window"`

	// SimilarityThreshold for assertion contradictions. Default 0.85.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Severity band selecting inhibit_both. Default [0.3, 0.6].
	SeverityBandLow  float64 `yaml:"severity_band_low"`
	SeverityBandHigh float64 `yaml:"severity_band_high"`

	// KeepLatestMinGap is the minimum created_at gap for keep_latest.
	// Default 24 hours.
	KeepLatestMinGap string `yaml:"keep_latest_min_gap"`

	// QualityGap is the evidence_quality gap required for
	// keep_highest_quality. Default 0.3.
	QualityGap float64 `yaml:"quality_gap"`

	// DecayHorizon drives time_decay = exp(-age_oldest / horizon).
	DecayHorizon string `yaml:"decay_horizon"`
}

func (a ArbiterConfig) GetReconsolidationWindow() time.Duration {
	return parseDuration(a.ReconsolidationWindow, 60*time.Minute)
}

func (a ArbiterConfig) GetKeepLatestMinGap() time.Duration {
	return parseDuration(a.KeepLatestMinGap, 24*time.Hour)
}

func (a ArbiterConfig) GetDecayHorizon() time.Duration {
	return parseDuration(a.DecayHorizon, 720*time.Hour)
}

// QualityConfig tunes the quality/attention tracker.
type QualityConfig struct {
	// WorkingSetCap N: at most N Facts or Patterns attended at once.
	// Default 7.
	WorkingSetCap int `yaml:"working_set_cap"`
}

// SchedulerConfig tunes the background tick loop.
type SchedulerConfig struct {
	TickPeriod             string `yaml:"tick_period"`             // default 60s
	IdleQuietWindow        string `yaml:"idle_quiet_window"`       // default 5m
	ConsolidationThreshold int    `yaml:"consolidation_threshold"` // default 1000
	ConsolidationMaxAge    string `yaml:"consolidation_max_age"`   // default 24h
}

func (s SchedulerConfig) GetTickPeriod() time.Duration {
	return parseDuration(s.TickPeriod, 60*time.Second)
}

func (s SchedulerConfig) GetIdleQuietWindow() time.Duration {
	return parseDuration(s.IdleQuietWindow, 5*time.Minute)
}

func (s SchedulerConfig) GetConsolidationMaxAge() time.Duration {
	return parseDuration(s.ConsolidationMaxAge, 24*time.Hour)
}
