package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"memoryengine/internal/arbiter"
	"memoryengine/internal/config"
	"memoryengine/internal/consolidate"
	"memoryengine/internal/graph"
	"memoryengine/internal/record"
	"memoryengine/internal/store"
	"memoryengine/internal/substrate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testScheduler(t *testing.T, cfg config.SchedulerConfig) (*Scheduler, *store.RecordStore) {
	t.Helper()
	h, err := substrate.Connect(substrate.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	full := config.DefaultConfig()
	s := store.New(h, nil)
	arb := arbiter.New(s, nil, full.Arbiter)
	cons := consolidate.New(s, arb, nil, full.Consolidator)
	return New(s, cons, arb, graph.New(s), cfg), s
}

func TestStartStop(t *testing.T) {
	sched, _ := testScheduler(t, config.SchedulerConfig{TickPeriod: "10ms"})
	sched.Start()
	time.Sleep(50 * time.Millisecond)
	sched.Stop()

	// Stop is idempotent.
	sched.Stop()
}

func TestTickClosesExpiredWindows(t *testing.T) {
	sched, s := testScheduler(t, config.SchedulerConfig{
		TickPeriod:             "10ms",
		IdleQuietWindow:        "1h", // never consolidate in this test
		ConsolidationThreshold: 1000,
	})
	s.ReconsolidationWindow = -time.Minute
	ctx := context.Background()

	_, err := s.EnsureProject(ctx, "P")
	require.NoError(t, err)
	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	projectID := projects[0].ID

	id, err := s.InsertFact(ctx, &record.Fact{
		Envelope: record.Envelope{ProjectID: projectID, Confidence: 0.5},
		Content:  "windowed",
	})
	require.NoError(t, err)
	_, _, err = s.Activate(ctx, record.KindFact, id)
	require.NoError(t, err)

	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		f, err := s.GetFact(ctx, id)
		return err == nil && f.Lifecycle == record.LifecycleActive
	}, 2*time.Second, 20*time.Millisecond)
}

func TestIdleTriggerConsolidates(t *testing.T) {
	sched, s := testScheduler(t, config.SchedulerConfig{
		TickPeriod:             "10ms",
		IdleQuietWindow:        "1ms", // idle immediately
		ConsolidationThreshold: 2,     // trip on 3 events
		ConsolidationMaxAge:    "24h",
	})
	ctx := context.Background()

	projectID, err := s.EnsureProject(ctx, "P")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.InsertEvent(ctx, &record.Event{
			Envelope: record.Envelope{ProjectID: projectID, Confidence: 0.8},
			Content:  "repeated edit",
			Outcome:  record.OutcomeSuccess,
			Context:  map[string]string{"event_type": "edit", "file": "a/b.go"},
		})
		require.NoError(t, err)
	}

	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		patterns, err := s.ScopePatterns(ctx, projectID, nil)
		return err == nil && len(patterns) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestForegroundActivityPostponesConsolidation(t *testing.T) {
	sched, s := testScheduler(t, config.SchedulerConfig{
		TickPeriod:             "10ms",
		IdleQuietWindow:        "1h",
		ConsolidationThreshold: 1,
	})
	ctx := context.Background()

	projectID, err := s.EnsureProject(ctx, "P")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.InsertEvent(ctx, &record.Event{
			Envelope: record.Envelope{ProjectID: projectID, Confidence: 0.8},
			Content:  "busy project",
			Outcome:  record.OutcomeSuccess,
			Context:  map[string]string{"event_type": "edit"},
		})
		require.NoError(t, err)
	}
	sched.RecordActivity(projectID)

	sched.Start()
	time.Sleep(100 * time.Millisecond)
	sched.Stop()

	patterns, err := s.ScopePatterns(ctx, projectID, nil)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestReconfigureTakesEffect(t *testing.T) {
	sched, _ := testScheduler(t, config.SchedulerConfig{TickPeriod: "10ms"})
	sched.Reconfigure(config.SchedulerConfig{TickPeriod: "25ms"})
	assert.Equal(t, 25*time.Millisecond, sched.tickPeriod())
}
