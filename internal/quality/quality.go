// Package quality implements the read-only quality/attention tracker:
// per-domain expertise, a cognitive-load indicator, quality
// histograms, and the bounded working set of attended Facts/Patterns. It
// never mutates records; attention state lives in memory inside the engine
// handle, not in the substrate.
package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
	"memoryengine/internal/store"
)

// attendHalfLife drives the recency weight in eviction scoring.
const attendHalfLife = 30 * time.Minute

// attended is one working-set member.
type attended struct {
	Kind       record.Kind
	ID         string
	Importance float64
	AttendedAt time.Time
}

// Tracker exposes derived aggregates and the working-set cap N.
type Tracker struct {
	store *store.RecordStore
	cap   int

	mu      sync.Mutex
	working map[string][]attended // projectID -> attended set, len <= cap
}

// New builds a Tracker with working-set cap n (default 7 when n <= 0).
func New(s *store.RecordStore, n int) *Tracker {
	if n <= 0 {
		n = 7
	}
	return &Tracker{store: s, cap: n, working: make(map[string][]attended)}
}

// Attend marks a Fact or Pattern as currently attended. When the set is at
// cap, the member with the lowest importance * recency_weight is evicted
// first, so the working set never exceeds N at any point in time.
func (t *Tracker) Attend(projectID string, kind record.Kind, id string, importance float64) error {
	const op = "Tracker.Attend"
	if kind != record.KindFact && kind != record.KindPattern {
		return engerr.Invariantf(op, fmt.Errorf("only facts and patterns are attended, got %s", kind))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.working[projectID]
	for i, a := range set {
		if a.Kind == kind && a.ID == id {
			set[i].AttendedAt = time.Now().UTC()
			set[i].Importance = importance
			return nil
		}
	}

	if len(set) >= t.cap {
		evictIdx := 0
		evictScore := math.Inf(1)
		now := time.Now().UTC()
		for i, a := range set {
			recency := math.Exp(-now.Sub(a.AttendedAt).Seconds() / attendHalfLife.Seconds())
			if score := a.Importance * recency; score < evictScore {
				evictScore = score
				evictIdx = i
			}
		}
		logging.QualityDebug("working set full, evicting %s/%s (score=%.3f)", set[evictIdx].Kind, set[evictIdx].ID, evictScore)
		set = append(set[:evictIdx], set[evictIdx+1:]...)
	}

	set = append(set, attended{Kind: kind, ID: id, Importance: importance, AttendedAt: time.Now().UTC()})
	t.working[projectID] = set
	return nil
}

// Release drops a record from the working set, if present.
func (t *Tracker) Release(projectID string, kind record.Kind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.working[projectID]
	for i, a := range set {
		if a.Kind == kind && a.ID == id {
			t.working[projectID] = append(set[:i], set[i+1:]...)
			return
		}
	}
}

// WorkingSetSize reports the current attended count for a project.
func (t *Tracker) WorkingSetSize(projectID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.working[projectID])
}

// Cap returns the configured working-set cap N.
func (t *Tracker) Cap() int { return t.cap }

// CognitiveLoad is the load indicator: labile records plus attended records
// against the cap.
type CognitiveLoad struct {
	LabileCount   int
	AttendedCount int
	Cap           int
	// Load is (labile + attended) / cap; values above 1 mean the caller
	// is juggling more than the configured attention budget.
	Load float64
}

// Load computes the cognitive-load indicator for a project.
func (t *Tracker) Load(ctx context.Context, projectID string) (CognitiveLoad, error) {
	counts, err := t.store.LifecycleCounts(ctx, projectID)
	if err != nil {
		return CognitiveLoad{}, err
	}
	attendedCount := t.WorkingSetSize(projectID)
	labile := counts[record.LifecycleLabile]
	return CognitiveLoad{
		LabileCount:   labile,
		AttendedCount: attendedCount,
		Cap:           t.cap,
		Load:          float64(labile+attendedCount) / float64(t.cap),
	}, nil
}

// ExpertiseByDomain returns, per domain tag, the mean evidence_quality of
// learned records in scope. Facts and Procedures carry the learned evidence
// type; a domain is any tag on such a record.
func (t *Tracker) ExpertiseByDomain(ctx context.Context, projectID string) (map[string]float64, error) {
	sums := make(map[string]float64)
	counts := make(map[string]int)

	facts, err := t.store.ScopeFacts(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range facts {
		if f.EvidenceType != record.EvidenceLearned {
			continue
		}
		for _, tag := range f.Tags {
			sums[tag] += f.EvidenceQuality
			counts[tag]++
		}
	}

	procs, err := t.store.ScopeProcedures(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if p.EvidenceType != record.EvidenceLearned {
			continue
		}
		for _, tag := range p.Tags {
			sums[tag] += p.EvidenceQuality
			counts[tag]++
		}
	}

	out := make(map[string]float64, len(sums))
	for tag, sum := range sums {
		out[tag] = sum / float64(counts[tag])
	}
	return out, nil
}

// HistogramBucket is one decile of the quality histogram.
type HistogramBucket struct {
	Low, High float64
	Count     int
}

// QualityHistogram buckets evidence_quality of a kind's records into
// deciles.
func (t *Tracker) QualityHistogram(ctx context.Context, projectID string, kind record.Kind) ([]HistogramBucket, error) {
	const op = "Tracker.QualityHistogram"
	var qualities []float64

	switch kind {
	case record.KindEvent:
		events, err := t.store.ScopeEvents(ctx, projectID, nil, time.Time{})
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			qualities = append(qualities, e.EvidenceQuality)
		}
	case record.KindFact:
		facts, err := t.store.ScopeFacts(ctx, projectID, nil)
		if err != nil {
			return nil, err
		}
		for _, f := range facts {
			qualities = append(qualities, f.EvidenceQuality)
		}
	case record.KindPattern:
		patterns, err := t.store.ScopePatterns(ctx, projectID, nil)
		if err != nil {
			return nil, err
		}
		for _, p := range patterns {
			qualities = append(qualities, p.EvidenceQuality)
		}
	default:
		return nil, engerr.Invariantf(op, fmt.Errorf("no quality histogram for kind %s", kind))
	}

	buckets := make([]HistogramBucket, 10)
	for i := range buckets {
		buckets[i].Low = float64(i) / 10
		buckets[i].High = float64(i+1) / 10
	}
	sort.Float64s(qualities)
	for _, q := range qualities {
		idx := int(q * 10)
		if idx > 9 {
			idx = 9
		}
		buckets[idx].Count++
	}
	return buckets, nil
}
