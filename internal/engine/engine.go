// Package engine wires the memory engine together: one substrate handle,
// one RecordStore, one Retriever, one Consolidator, one Arbiter, the
// quality tracker, the graph surface, the Scheduler, the embedding cache,
// and the per-operation rate limiters. All process-wide state lives inside
// the Engine handle — no hidden statics.
package engine

import (
	"context"
	"time"

	"memoryengine/internal/arbiter"
	"memoryengine/internal/config"
	"memoryengine/internal/consolidate"
	"memoryengine/internal/embedding"
	"memoryengine/internal/graph"
	"memoryengine/internal/logging"
	"memoryengine/internal/quality"
	"memoryengine/internal/record"
	"memoryengine/internal/retrieval"
	"memoryengine/internal/scheduler"
	"memoryengine/internal/store"
	"memoryengine/internal/substrate"
	"memoryengine/internal/validator"
)

// Engine is the process-wide handle returned by Open.
type Engine struct {
	cfg *config.Config

	Substrate    *substrate.Handle
	Store        *store.RecordStore
	Retriever    *retrieval.Retriever
	Consolidator *consolidate.Consolidator
	Arbiter      *arbiter.Arbiter
	Quality      *quality.Tracker
	Graph        *graph.Graph
	Scheduler    *scheduler.Scheduler

	embedCache *embedding.Cache
	limits     *RateLimits

	configWatch *scheduler.ConfigWatcher
}

// Open connects the substrate, constructs every component over the shared
// handle, and starts the background Scheduler. The optional collaborators
// (embedder, validator) are constructed from config; their absence is a
// first-class state, not an error.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h, err := substrate.Connect(substrate.Config{
		Path:                cfg.Substrate.Path,
		PoolMin:             cfg.Substrate.PoolMin,
		PoolMax:             cfg.Substrate.PoolMax,
		StartupTimeout:      cfg.Substrate.GetStartupTimeout(),
		BusyTimeout:         cfg.Substrate.GetBusyTimeout(),
		RequireVecExtension: cfg.Substrate.RequireVecExtension,
	})
	if err != nil {
		logging.Audit().SubstrateConnect(false, err.Error())
		return nil, err
	}
	logging.Audit().SubstrateConnect(true, "")

	e := &Engine{cfg: cfg, Substrate: h, limits: newRateLimits(cfg.RateLimits)}

	// Embedder is optional: a failed construction degrades the engine to
	// lexical-only retrieval rather than failing Open.
	var embedder embedding.EmbeddingEngine
	if inner, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	}); err != nil {
		logging.BootWarn("embedder unavailable, dense retrieval disabled: %v", err)
	} else {
		e.embedCache = embedding.NewCache(inner, cfg.Embedding.CacheSize)
		embedder = e.embedCache
	}

	// Validator is optional and disabled by default.
	var val validator.Validator
	if cfg.Validator.Enabled() {
		v, err := validator.NewGenAIValidator(cfg.Validator.APIKey, cfg.Validator.Model, cfg.Validator.GetTimeout())
		if err != nil {
			logging.BootWarn("validator unavailable, validation disabled: %v", err)
		} else {
			val = v
		}
	}

	e.Store = store.New(h, embedder)
	e.Store.ReconsolidationWindow = cfg.Arbiter.GetReconsolidationWindow()

	e.Arbiter = arbiter.New(e.Store, val, cfg.Arbiter)
	e.Retriever = retrieval.New(h, e.Store, embedder, val, cfg.Retriever)
	e.Consolidator = consolidate.New(e.Store, e.Arbiter, val, cfg.Consolidator)
	e.Quality = quality.New(e.Store, cfg.Quality.WorkingSetCap)
	e.Graph = graph.New(e.Store)

	e.Scheduler = scheduler.New(e.Store, e.Consolidator, e.Arbiter, e.Graph, cfg.Scheduler)
	e.Retriever.SetActivityHook(e.Scheduler.RecordActivity)
	e.Scheduler.Start()

	return e, nil
}

// WatchConfig enables hot reload of scheduler tuning from the config file.
func (e *Engine) WatchConfig(path string) error {
	w, err := scheduler.WatchConfig(path, e.Scheduler)
	if err != nil {
		return err
	}
	e.configWatch = w
	return nil
}

// Close stops background work and releases the substrate pool.
func (e *Engine) Close() error {
	if e.configWatch != nil {
		_ = e.configWatch.Close()
	}
	e.Scheduler.Stop()
	if e.embedCache != nil {
		e.embedCache.LogStats()
	}
	return e.Substrate.Close()
}

// Retrieve is the rate-limited engine-boundary retrieval operation consumed
// by the CLI surface.
func (e *Engine) Retrieve(ctx context.Context, projectID string, q retrieval.Query, k int, opts retrieval.Options) (*retrieval.Response, error) {
	if err := e.limits.Check(OpRetrieve); err != nil {
		return nil, err
	}
	e.Scheduler.RecordActivity(projectID)
	resp, err := e.Retriever.Retrieve(ctx, projectID, q, k, opts)
	if err != nil {
		return nil, err
	}
	// Returned Facts and Patterns enter the bounded working set; the
	// tracker evicts the member with the lowest importance × recency weight
	// when the cap is reached.
	for _, res := range resp.Results {
		if res.Kind == record.KindFact || res.Kind == record.KindPattern {
			_ = e.Quality.Attend(projectID, res.Kind, res.ID, res.Score)
		}
	}
	return resp, nil
}

// Consolidate is the rate-limited engine-boundary consolidation operation.
func (e *Engine) Consolidate(ctx context.Context, projectID string, strategy consolidate.Strategy, maxPatterns int) (*consolidate.RunReport, error) {
	if err := e.limits.Check(OpConsolidate); err != nil {
		return nil, err
	}
	return e.Consolidator.Consolidate(ctx, projectID, strategy, maxPatterns)
}

// InsertEvent is the rate-limited engine-boundary write path for Events.
func (e *Engine) InsertEvent(ctx context.Context, ev *record.Event) (string, error) {
	if err := e.limits.Check(OpInsert); err != nil {
		return "", err
	}
	e.Scheduler.RecordActivity(ev.ProjectID)
	return e.Store.InsertEvent(ctx, ev)
}

// Health summarizes a project for the CLI health command: counts
// by lifecycle, the contradiction backlog (needs_review), and the age of the
// last consolidation.
type Health struct {
	ProjectID            string
	LifecycleCounts      map[record.Lifecycle]int
	ContradictionBacklog int
	LastConsolidation    *time.Time
	UnconsolidatedEvents int
	Load                 quality.CognitiveLoad
	PoolSize, PoolIdle   int
}

// ProjectHealth computes the health summary.
func (e *Engine) ProjectHealth(ctx context.Context, projectID string) (*Health, error) {
	if _, err := e.Store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	counts, err := e.Store.LifecycleCounts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pending, err := e.Store.CountUnconsolidatedEvents(ctx, projectID)
	if err != nil {
		return nil, err
	}

	h := &Health{
		ProjectID:            projectID,
		LifecycleCounts:      counts,
		ContradictionBacklog: counts[record.LifecycleNeedsReview],
		UnconsolidatedEvents: pending,
	}
	if run, err := e.Store.LastConsolidationRun(ctx, projectID); err == nil {
		h.LastConsolidation = &run.StartedAt
	}
	if load, err := e.Quality.Load(ctx, projectID); err == nil {
		h.Load = load
	}
	h.PoolSize, h.PoolIdle, _ = e.Substrate.PoolStats()
	return h, nil
}
