// Package arbiter implements reconsolidation windows, evidence-quality
// derivation, contradiction detection, and survivor selection.
// The Arbiter never writes rows itself; every mutation goes through the
// RecordStore.
package arbiter

import (
	"context"
	"time"

	"memoryengine/internal/config"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
	"memoryengine/internal/store"
	"memoryengine/internal/validator"
)

// Arbiter drives reconsolidation and contradiction resolution for one engine.
type Arbiter struct {
	store *store.RecordStore
	val   validator.Validator // nil when no validator is configured
	cfg   config.ArbiterConfig
}

// New builds an Arbiter. val may be nil; negation cases the lexical
// heuristic cannot decide are then treated as non-contradictions.
func New(s *store.RecordStore, val validator.Validator, cfg config.ArbiterConfig) *Arbiter {
	return &Arbiter{store: s, val: val, cfg: cfg}
}

// CloseExpiredWindows flips every labile record whose window has passed back
// to active. Invoked by the Scheduler each tick and by the Consolidator when
// it closes a cohort.
func (a *Arbiter) CloseExpiredWindows(ctx context.Context, projectID string) (int, error) {
	n, err := a.store.CloseExpiredReconsolidationWindows(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Arbiter("closed %d expired reconsolidation windows (project=%s)", n, projectID)
		logging.Audit().ReconsolidationClose(n)
	}
	return n, nil
}

// RefreshEventQuality recomputes and persists evidence_quality for every
// Event in scope. The store is the only writer of the field; this is the
// recomputation path: callers never write the field directly.
func (a *Arbiter) RefreshEventQuality(ctx context.Context, projectID string) error {
	events, err := a.store.ScopeEvents(ctx, projectID, nil, time.Time{})
	if err != nil {
		return err
	}
	for _, e := range events {
		consolidated := e.Lifecycle == record.LifecycleConsolidated
		q := record.DeriveEvidenceQuality(e.EvidenceType, e.ActivationCount, e.Outcome, consolidated)
		// Consolidation never decreases quality a source Event already has.
		if q < e.EvidenceQuality && consolidated {
			continue
		}
		if q != e.EvidenceQuality {
			if err := a.store.SetEvidenceQuality(ctx, record.KindEvent, e.ID, q); err != nil {
				return err
			}
		}
	}
	return nil
}

// RefreshFactQuality recomputes evidence_quality for every Fact in scope.
func (a *Arbiter) RefreshFactQuality(ctx context.Context, projectID string) error {
	facts, err := a.store.ScopeFacts(ctx, projectID, nil)
	if err != nil {
		return err
	}
	for _, f := range facts {
		q := record.DeriveEvidenceQuality(f.EvidenceType, f.ActivationCount, "", false)
		if q != f.EvidenceQuality {
			if err := a.store.SetEvidenceQuality(ctx, record.KindFact, f.ID, q); err != nil {
				return err
			}
		}
	}
	return nil
}
