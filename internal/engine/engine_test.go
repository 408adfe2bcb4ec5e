package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"memoryengine/internal/config"
	"memoryengine/internal/record"
	"memoryengine/internal/retrieval"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Substrate.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Scheduler.TickPeriod = "1h" // keep background work out of the way
	// Point the embedder at a dead endpoint: retrieval must degrade, not fail.
	cfg.Embedding.OllamaEndpoint = "http://127.0.0.1:1"

	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineEndToEnd(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	projectID, err := e.Store.EnsureProject(ctx, "demo")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.InsertEvent(ctx, &record.Event{
			Envelope: record.Envelope{ProjectID: projectID, Confidence: 0.8},
			Content:  "refactored the retriever",
			Outcome:  record.OutcomeSuccess,
			Context:  map[string]string{"event_type": "edit", "file": "retrieval.go"},
		})
		require.NoError(t, err)
	}

	report, err := e.Consolidate(ctx, projectID, "fast", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Emitted)

	// Consolidated sources are still retrievable; activation bumps their
	// counters without re-opening a window.
	resp, err := e.Retrieve(ctx, projectID, retrieval.Query{Text: "retriever refactor"}, 5, retrieval.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.True(t, resp.Degraded) // embedder endpoint is dead

	h, err := e.ProjectHealth(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 3, h.LifecycleCounts[record.LifecycleConsolidated])
	assert.Equal(t, 0, h.UnconsolidatedEvents)
	require.NotNil(t, h.LastConsolidation)
}

func TestEngineHealthUnknownProject(t *testing.T) {
	e := testEngine(t)
	_, err := e.ProjectHealth(context.Background(), "missing")
	require.Error(t, err)
}
