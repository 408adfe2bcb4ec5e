package arbiter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryengine/internal/config"
	"memoryengine/internal/record"
	"memoryengine/internal/store"
	"memoryengine/internal/substrate"
)

func testArbiter(t *testing.T) (*Arbiter, *store.RecordStore) {
	t.Helper()
	h, err := substrate.Connect(substrate.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	s := store.New(h, nil)
	return New(s, nil, config.DefaultConfig().Arbiter), s
}

func TestEvidenceQualityDerivation(t *testing.T) {
	cases := []struct {
		name         string
		evidenceType record.EvidenceType
		activations  int
		outcome      record.Outcome
		consolidated bool
		want         float64
	}{
		{"observed base", record.EvidenceObserved, 0, "", false, 0.9},
		{"hypothetical base", record.EvidenceHypothetical, 0, "", false, 0.3},
		{"observed with success", record.EvidenceObserved, 0, record.OutcomeSuccess, false, 1.0},
		{"observed with failure", record.EvidenceObserved, 0, record.OutcomeFailure, false, 0.8},
		{"learned one activation", record.EvidenceLearned, 1, "", false, 0.85},
		{"activation bonus capped", record.EvidenceExternal, 1 << 10, "", false, 0.65},
		{"consolidation bonus", record.EvidenceInferred, 0, "", true, 0.7},
		{"clamped at one", record.EvidenceObserved, 1 << 10, record.OutcomeSuccess, true, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := record.DeriveEvidenceQuality(tc.evidenceType, tc.activations, tc.outcome, tc.consolidated)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

// Scenario C: contradiction resolution picks the better-evidenced survivor.
func TestAssertionContradictionResolution(t *testing.T) {
	a, s := testArbiter(t)
	ctx := context.Background()

	// Near-identical embeddings as the scenario requires.
	embA := []float32{1, 0.01, 0, 0}
	embB := []float32{1, 0.02, 0, 0}

	first, err := s.InsertFact(ctx, &record.Fact{
		Envelope:  record.Envelope{ProjectID: "P", Confidence: 0.9, EvidenceType: record.EvidenceObserved},
		Content:   "Python uses reference counting",
		Embedding: embA,
	})
	require.NoError(t, err)
	second, err := s.InsertFact(ctx, &record.Fact{
		Envelope:  record.Envelope{ProjectID: "P", Confidence: 0.4, EvidenceType: record.EvidenceHypothetical},
		Content:   "Python does not use reference counting",
		Embedding: embB,
	})
	require.NoError(t, err)

	resolutions, err := a.ResolveContradictions(ctx, "P", PolicyAuto)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, ClassAssertion, resolutions[0].Class)
	assert.Equal(t, first, resolutions[0].WinnerID)
	assert.Equal(t, second, resolutions[0].LoserID)

	loser, err := s.GetFact(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, record.LifecycleSuperseded, loser.Lifecycle)
	require.NotNil(t, loser.SourceID)
	assert.Equal(t, first, *loser.SourceID)

	winner, err := s.GetFact(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, record.LifecycleActive, winner.Lifecycle)

	// P5: a second pass finds nothing left to resolve.
	resolutions, err = a.ResolveContradictions(ctx, "P", PolicyAuto)
	require.NoError(t, err)
	assert.Empty(t, resolutions)
}

func TestOutcomeContradiction(t *testing.T) {
	a, s := testArbiter(t)
	ctx := context.Background()

	sharedContext := map[string]string{"file": "deploy.sh", "task": "release"}
	_, err := s.InsertEvent(ctx, &record.Event{
		Envelope: record.Envelope{ProjectID: "P", Confidence: 0.9, EvidenceType: record.EvidenceObserved},
		Content:  "deploy succeeded",
		Outcome:  record.OutcomeSuccess,
		Context:  sharedContext,
	})
	require.NoError(t, err)
	failID, err := s.InsertEvent(ctx, &record.Event{
		Envelope: record.Envelope{ProjectID: "P", Confidence: 0.4, EvidenceType: record.EvidenceInferred},
		Content:  "deploy failed",
		Outcome:  record.OutcomeFailure,
		Context:  sharedContext,
	})
	require.NoError(t, err)

	resolutions, err := a.ResolveContradictions(ctx, "P", PolicyAuto)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, ClassOutcome, resolutions[0].Class)
	assert.Equal(t, failID, resolutions[0].LoserID)
}

// Identical confidence and evidence_quality: near-tie falls into
// inhibit_both.
func TestNearTieInhibitsBoth(t *testing.T) {
	a, s := testArbiter(t)
	ctx := context.Background()

	emb := []float32{1, 0, 0, 0}
	first, err := s.InsertFact(ctx, &record.Fact{
		Envelope:  record.Envelope{ProjectID: "P", Confidence: 0.9, EvidenceType: record.EvidenceObserved},
		Content:   "the cache is write-through",
		Embedding: emb,
	})
	require.NoError(t, err)
	second, err := s.InsertFact(ctx, &record.Fact{
		Envelope:  record.Envelope{ProjectID: "P", Confidence: 0.9, EvidenceType: record.EvidenceObserved},
		Content:   "the cache is not write-through",
		Embedding: emb,
	})
	require.NoError(t, err)

	resolutions, err := a.ResolveContradictions(ctx, "P", PolicyAuto)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, PolicyInhibitBoth, resolutions[0].Strategy)
	assert.Empty(t, resolutions[0].WinnerID)

	for _, id := range []string{first, second} {
		f, err := s.GetFact(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, record.LifecycleNeedsReview, f.Lifecycle)
	}
}

func TestKeepLatestRequiresAgeGap(t *testing.T) {
	a, s := testArbiter(t)
	ctx := context.Background()

	emb := []float32{0, 1, 0, 0}
	_, err := s.InsertFact(ctx, &record.Fact{
		Envelope:  record.Envelope{ProjectID: "P", Confidence: 0.9, EvidenceType: record.EvidenceObserved},
		Content:   "the default port is open",
		Embedding: emb,
	})
	require.NoError(t, err)
	_, err = s.InsertFact(ctx, &record.Fact{
		Envelope:  record.Envelope{ProjectID: "P", Confidence: 0.4, EvidenceType: record.EvidenceHypothetical},
		Content:   "the default port is not open",
		Embedding: emb,
	})
	require.NoError(t, err)

	// Both created seconds apart: keep_latest's 24h minimum gap is unmet,
	// so it falls back to auto and the higher-evidence fact survives.
	resolutions, err := a.ResolveContradictions(ctx, "P", PolicyKeepLatest)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, PolicyAuto, resolutions[0].Strategy)
}

func TestCloseExpiredWindows(t *testing.T) {
	a, s := testArbiter(t)
	s.ReconsolidationWindow = -time.Minute
	ctx := context.Background()

	id, err := s.InsertFact(ctx, &record.Fact{
		Envelope: record.Envelope{ProjectID: "P", Confidence: 0.5},
		Content:  "short-lived window",
	})
	require.NoError(t, err)
	_, _, err = s.Activate(ctx, record.KindFact, id)
	require.NoError(t, err)

	n, err := a.CloseExpiredWindows(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := s.GetFact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.LifecycleActive, f.Lifecycle)
}

func TestRefreshEventQualityAddsActivationBonus(t *testing.T) {
	a, s := testArbiter(t)
	ctx := context.Background()

	id, err := s.InsertEvent(ctx, &record.Event{
		Envelope: record.Envelope{ProjectID: "P", Confidence: 0.5, EvidenceType: record.EvidenceInferred},
		Content:  "activated memory",
		Outcome:  record.OutcomeOngoing,
	})
	require.NoError(t, err)

	before, _ := s.GetEvent(ctx, id)
	_, _, err = s.Activate(ctx, record.KindEvent, id)
	require.NoError(t, err)

	require.NoError(t, a.RefreshEventQuality(ctx, "P"))

	after, _ := s.GetEvent(ctx, id)
	assert.Greater(t, after.EvidenceQuality, before.EvidenceQuality)
}

func TestNegationHeuristic(t *testing.T) {
	assert.True(t, negationFlag("Python does not use reference counting"))
	assert.False(t, negationFlag("Python uses reference counting"))
	assert.True(t, negationFlag("never deploy on friday"))

	simA := normalizeAssertion("Python uses reference counting")
	simB := normalizeAssertion("Python does not use reference counting")
	assert.Greater(t, jaccard(simA, simB), 0.5)
}
