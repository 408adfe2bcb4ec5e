// Package scheduler drives background work without competing with
// foreground retrieval: a periodic tick that closes expired
// reconsolidation windows, and an idle-detection gate that triggers balanced
// consolidation for quiet projects with enough un-consolidated Events.
package scheduler

import (
	"context"
	"sync"
	"time"

	"memoryengine/internal/arbiter"
	"memoryengine/internal/config"
	"memoryengine/internal/consolidate"
	"memoryengine/internal/graph"
	"memoryengine/internal/logging"
	"memoryengine/internal/store"
)

// communityEvery runs graph community detection once per this many ticks.
const communityEvery = 60

// Scheduler owns the background tick loop. One per engine handle.
type Scheduler struct {
	store        *store.RecordStore
	consolidator *consolidate.Consolidator
	arb          *arbiter.Arbiter
	graph        *graph.Graph

	mu  sync.RWMutex
	cfg config.SchedulerConfig

	activityMu sync.Mutex
	activity   map[string]time.Time // projectID -> last foreground activity

	cancel context.CancelFunc
	done   chan struct{}
	ticks  int
}

// New builds a Scheduler. Call Start to begin ticking.
func New(s *store.RecordStore, c *consolidate.Consolidator, a *arbiter.Arbiter, g *graph.Graph, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		consolidator: c,
		arb:          a,
		graph:        g,
		cfg:          cfg,
		activity:     make(map[string]time.Time),
	}
}

// RecordActivity notes foreground activity for a project. Wired as the
// Retriever's activity hook and called by write paths, it postpones the
// idle-triggered consolidation for that project.
func (s *Scheduler) RecordActivity(projectID string) {
	s.activityMu.Lock()
	s.activity[projectID] = time.Now().UTC()
	s.activityMu.Unlock()
}

func (s *Scheduler) lastActivity(projectID string) time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.activity[projectID]
}

// Start launches the tick loop. Stop cancels it; cancellation takes effect
// at the next tick or cluster boundary, never mid-cluster.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		logging.Scheduler("tick loop started (period=%v)", s.tickPeriod())
		for {
			timer := time.NewTimer(s.tickPeriod())
			select {
			case <-ctx.Done():
				timer.Stop()
				logging.Scheduler("tick loop stopped")
				return
			case <-timer.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick to finish. Open
// reconsolidation windows are left labile; the next Start picks them up.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Scheduler) tickPeriod() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GetTickPeriod()
}

// Reconfigure swaps the scheduler tuning, applied from the next tick on.
// Called by the config watcher on hot reload.
func (s *Scheduler) Reconfigure(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	logging.Scheduler("reconfigured: tick=%v idle=%v threshold=%d", cfg.GetTickPeriod(), cfg.GetIdleQuietWindow(), cfg.ConsolidationThreshold)
}

// tick closes expired windows for every project and consolidates the ones
// that are idle and over threshold.
func (s *Scheduler) tick(ctx context.Context) {
	s.ticks++
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		logging.SchedulerWarn("listing projects failed: %v", err)
		return
	}

	for _, p := range projects {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.arb.CloseExpiredWindows(ctx, p.ID); err != nil {
			logging.SchedulerWarn("window close for %s failed: %v", p.ID, err)
		}

		if s.shouldConsolidate(ctx, p.ID, cfg) {
			logging.Scheduler("idle trigger: consolidating project %s", p.ID)
			if _, err := s.consolidator.Consolidate(ctx, p.ID, consolidate.StrategyBalanced, 0); err != nil {
				// Conflicts inside background jobs retry at the next tick.
				logging.SchedulerWarn("background consolidation for %s failed: %v", p.ID, err)
			}
		}

		if s.ticks%communityEvery == 0 {
			if _, err := s.graph.DetectCommunities(ctx, p.ID); err != nil {
				logging.SchedulerWarn("community detection for %s failed: %v", p.ID, err)
			}
		}
	}
	logging.Audit().SchedulerTick(true)
}

// shouldConsolidate gates background consolidation: the project has been quiet
// for longer than the idle window AND (it has more un-consolidated Events
// than the threshold OR the last consolidation is older than the max age).
func (s *Scheduler) shouldConsolidate(ctx context.Context, projectID string, cfg config.SchedulerConfig) bool {
	if time.Since(s.lastActivity(projectID)) < cfg.GetIdleQuietWindow() {
		return false
	}

	pending, err := s.store.CountUnconsolidatedEvents(ctx, projectID)
	if err != nil {
		logging.SchedulerWarn("counting events for %s failed: %v", projectID, err)
		return false
	}
	if pending == 0 {
		return false
	}
	if pending > cfg.ConsolidationThreshold {
		return true
	}

	last, err := s.store.LastConsolidationRun(ctx, projectID)
	if err != nil {
		// No run yet: the max-age rule applies as "never consolidated".
		return true
	}
	return time.Since(last.StartedAt) > cfg.GetConsolidationMaxAge()
}
