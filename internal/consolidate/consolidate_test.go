package consolidate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryengine/internal/arbiter"
	"memoryengine/internal/config"
	"memoryengine/internal/record"
	"memoryengine/internal/store"
	"memoryengine/internal/substrate"
	"memoryengine/internal/validator"
)

// stubValidator returns a fixed judgement, deterministically.
type stubValidator struct {
	judgement validator.Judgement
	calls     int
}

func (v *stubValidator) ValidateCluster(context.Context, validator.ClusterSample) (validator.Judgement, error) {
	v.calls++
	return v.judgement, nil
}

func (v *stubValidator) JudgeContradiction(context.Context, string, string) (bool, error) {
	return false, nil
}

func (v *stubValidator) Rerank(_ context.Context, _ string, candidates []string) ([]int, error) {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	return order, nil
}

func testConsolidator(t *testing.T, val validator.Validator) (*Consolidator, *store.RecordStore) {
	t.Helper()
	h, err := substrate.Connect(substrate.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	cfg := config.DefaultConfig()
	s := store.New(h, nil)
	arb := arbiter.New(s, val, cfg.Arbiter)
	return New(s, arb, val, cfg.Consolidator), s
}

func insertEditEvents(t *testing.T, s *store.RecordStore, projectID string, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id, err := s.InsertEvent(context.Background(), &record.Event{
			Envelope: record.Envelope{ProjectID: projectID, Confidence: 0.8},
			Content:  fmt.Sprintf("edited handler.go step %d", i+1),
			Outcome:  record.OutcomeSuccess,
			Context:  map[string]string{"event_type": "edit", "file": "src/handler.go"},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// Scenario B: idempotent consolidation.
func TestConsolidationIdempotent(t *testing.T) {
	c, s := testConsolidator(t, nil)
	ctx := context.Background()

	ids := insertEditEvents(t, s, "P", 12)

	report1, err := c.Consolidate(ctx, "P", StrategyFast, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report1.Emitted)

	report2, err := c.Consolidate(ctx, "P", StrategyFast, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report2.Emitted)

	patterns, err := s.ScopePatterns(ctx, "P", nil)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, record.PatternTypeWorkflow, p.PatternType)
	assert.Equal(t, 12, p.Support)
	assert.ElementsMatch(t, ids, p.SourceEventIDs)

	for _, id := range ids {
		e, err := s.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, record.LifecycleConsolidated, e.Lifecycle)
	}

	// A third run changes nothing.
	report3, err := c.Consolidate(ctx, "P", StrategyFast, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report3.Emitted)
	patterns, _ = s.ScopePatterns(ctx, "P", nil)
	assert.Len(t, patterns, 1)
}

func TestConsolidationDerivesProcedure(t *testing.T) {
	c, s := testConsolidator(t, nil)
	ctx := context.Background()

	insertEditEvents(t, s, "P", 12) // support 12 > procedure threshold 10

	report, err := c.Consolidate(ctx, "P", StrategyFast, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProceduresDerived)

	procs, err := s.ScopeProcedures(ctx, "P", nil)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	proc := procs[0]
	assert.Len(t, proc.Steps, 12)
	assert.InDelta(t, 1.0, proc.SuccessRate, 1e-9)
	require.NotNil(t, proc.SourceID)
	assert.Equal(t, report.PatternIDs[0], *proc.SourceID)
	assert.Equal(t, record.EvidenceLearned, proc.EvidenceType)
}

func TestSmallClustersDiscarded(t *testing.T) {
	c, s := testConsolidator(t, nil)
	ctx := context.Background()

	insertEditEvents(t, s, "P", 2) // below min cluster size 3

	report, err := c.Consolidate(ctx, "P", StrategyFast, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scored)
	assert.Equal(t, 0, report.Emitted)
}

func TestValidatorRejectSuppressesEmission(t *testing.T) {
	// 4 events -> confidence 4/6 ≈ 0.67, inside the [0.3, 0.7] band, so
	// the balanced strategy consults the validator.
	val := &stubValidator{judgement: validator.Judgement{Verdict: validator.VerdictReject, Reason: "noise"}}
	c, s := testConsolidator(t, val)
	ctx := context.Background()

	ids := insertEditEvents(t, s, "P", 4)

	report, err := c.Consolidate(ctx, "P", StrategyBalanced, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scored)
	assert.Equal(t, 0, report.Emitted)
	assert.Equal(t, 1, val.calls)

	// Rejected sources stay active for the next cohort.
	for _, id := range ids {
		e, err := s.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, record.LifecycleActive, e.Lifecycle)
	}
}

func TestValidatorMutateNarrowsTextNotSources(t *testing.T) {
	val := &stubValidator{judgement: validator.Judgement{
		Verdict:     validator.VerdictMutate,
		Confidence:  0.8,
		MutatedText: "edits to handler.go when tests already pass",
	}}
	c, s := testConsolidator(t, val)
	ctx := context.Background()

	ids := insertEditEvents(t, s, "P", 4)

	report, err := c.Consolidate(ctx, "P", StrategyBalanced, 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Emitted)

	p, err := s.GetPattern(ctx, report.PatternIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "edits to handler.go when tests already pass", p.Content)
	assert.ElementsMatch(t, ids, p.SourceEventIDs)
	assert.InDelta(t, 0.8, p.ConfidenceAfterValidation, 1e-9)
	assert.Less(t, p.ConfidenceBeforeValidation, 0.7)
}

func TestFastStrategySkipsValidator(t *testing.T) {
	val := &stubValidator{judgement: validator.Judgement{Verdict: validator.VerdictReject}}
	c, s := testConsolidator(t, val)
	ctx := context.Background()

	insertEditEvents(t, s, "P", 4)

	report, err := c.Consolidate(ctx, "P", StrategyFast, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Emitted)
	assert.Equal(t, 0, val.calls)
}

func TestRunSummaryPersisted(t *testing.T) {
	c, s := testConsolidator(t, nil)
	ctx := context.Background()

	insertEditEvents(t, s, "P", 5)

	report, err := c.Consolidate(ctx, "P", StrategyFast, 0)
	require.NoError(t, err)

	run, err := s.GetConsolidationRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.Scored, run.Scored)
	assert.Equal(t, report.Emitted, run.Emitted)
	require.NotNil(t, run.FinishedAt)
}

func TestUnknownStrategyRejected(t *testing.T) {
	c, _ := testConsolidator(t, nil)
	_, err := c.Consolidate(context.Background(), "P", "reckless", 0)
	require.Error(t, err)
}

func TestClusterSignatureAndClassification(t *testing.T) {
	now := time.Now().UTC()
	mk := func(i int, typ string, outcome record.Outcome) *record.Event {
		return &record.Event{
			Envelope: record.Envelope{ID: fmt.Sprintf("e%d", i), CreatedAt: now.Add(time.Duration(i) * time.Minute)},
			Outcome:  outcome,
			Context:  map[string]string{"event_type": typ, "file": "a/b.go"},
		}
	}

	uniform := []*record.Event{
		mk(1, "edit", record.OutcomeSuccess),
		mk(2, "edit", record.OutcomeSuccess),
		mk(3, "edit", record.OutcomeSuccess),
	}
	clusters := buildClusters(uniform, 30*time.Minute, 3)
	require.Len(t, clusters, 1)
	assert.Equal(t, "edit*3:success", clusters[0].signature)
	assert.Equal(t, record.PatternTypeWorkflow, classifyPattern(clusters[0]))

	// A failure followed by success is an outcome transition.
	transition := &cluster{events: []*record.Event{
		mk(1, "test", record.OutcomeFailure),
		mk(2, "edit", record.OutcomeSuccess),
		mk(3, "test", record.OutcomeSuccess),
	}}
	assert.Equal(t, record.PatternTypeOutcomeTransition, classifyPattern(transition))

	// Failure-dominant chains are anti-patterns.
	failing := &cluster{events: []*record.Event{
		mk(1, "deploy", record.OutcomeFailure),
		mk(2, "deploy", record.OutcomeFailure),
		mk(3, "deploy", record.OutcomePartial),
	}}
	assert.Equal(t, record.PatternTypeAntiPattern, classifyPattern(failing))
}

func TestTemporalGapSplitsChains(t *testing.T) {
	now := time.Now().UTC()
	mk := func(i int, offset time.Duration) *record.Event {
		return &record.Event{
			Envelope: record.Envelope{ID: fmt.Sprintf("e%d", i), CreatedAt: now.Add(offset)},
			Outcome:  record.OutcomeSuccess,
			Context:  map[string]string{"event_type": "edit"},
		}
	}
	events := []*record.Event{
		mk(1, 0), mk(2, time.Minute), mk(3, 2*time.Minute),
		// two hours later, a second burst
		mk(4, 2*time.Hour), mk(5, 2*time.Hour+time.Minute), mk(6, 2*time.Hour+2*time.Minute),
	}
	clusters := buildClusters(events, 30*time.Minute, 3)
	require.Len(t, clusters, 2)
	assert.Equal(t, 3, clusters[0].support())
	assert.Equal(t, 3, clusters[1].support())
}
