package retrieval

import (
	"context"
	"fmt"
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

// stubEmbedder hashes tokens into a fixed-dimension bag-of-words vector, so
// texts sharing stems land close together. Deterministic, no I/O.
type stubEmbedder struct{ fail bool }

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.fail {
		return nil, fmt.Errorf("embedder down")
	}
	vec := make([]float32, 32)
	for _, tok := range tokenize(text) {
		h := 0
		for _, r := range tok {
			h = h*31 + int(r)
		}
		if h < 0 {
			h = -h
		}
		vec[h%32]++
	}
	return vec, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 32 }
func (s *stubEmbedder) Name() string    { return "stub" }

func testRetriever(t *testing.T, embed *stubEmbedder) (*Retriever, *store.RecordStore) {
	t.Helper()
	h, err := substrate.Connect(substrate.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	cfg := config.DefaultConfig().Retriever
	var s *store.RecordStore
	if embed != nil {
		s = store.New(h, embed)
		return New(h, s, embed, nil, cfg), s
	}
	s = store.New(h, nil)
	return New(h, s, nil, nil, cfg), s
}

func insertEvent(t *testing.T, s *store.RecordStore, projectID, content string, tags []string) string {
	t.Helper()
	id, err := s.InsertEvent(context.Background(), &record.Event{
		Envelope: record.Envelope{ProjectID: projectID, Confidence: 0.8, Tags: tags},
		Content:  content,
		Outcome:  record.OutcomeSuccess,
		Context:  map[string]string{"file": "x"},
	})
	require.NoError(t, err)
	return id
}

// Scenario A: store, retrieve, activate.
func TestStoreRetrieveActivate(t *testing.T) {
	r, s := testRetriever(t, &stubEmbedder{})
	ctx := context.Background()

	e1 := insertEvent(t, s, "P", "user saved file X", []string{"fs", "save"})
	insertEvent(t, s, "P", "user deleted file Y", []string{"fs", "delete"})

	resp, err := r.Retrieve(ctx, "P", Query{Text: "save file"}, 1, Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, e1, resp.Results[0].ID)

	got, err := s.GetEvent(ctx, e1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActivationCount)
	assert.Equal(t, record.LifecycleLabile, got.Lifecycle)
	require.NotNil(t, got.LabileUntil)
	assert.WithinDuration(t, time.Now().UTC().Add(60*time.Minute), *got.LabileUntil, 10*time.Second)
	assert.True(t, resp.Results[0].Diagnostics.Labile)
}

// P1: no cross-project leakage.
func TestRetrievalScoping(t *testing.T) {
	r, s := testRetriever(t, nil)
	ctx := context.Background()

	insertEvent(t, s, "A", "shared phrasing about caching", nil)
	insertEvent(t, s, "B", "shared phrasing about caching", nil)

	resp, err := r.Retrieve(ctx, "A", Query{Text: "caching"}, 10, Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	for _, res := range resp.Results {
		e, err := s.GetEvent(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, "A", e.ProjectID)
	}
}

// P6: never more than k, never archived or superseded.
func TestRetrievalUpperBoundAndLifecycleFloor(t *testing.T) {
	r, s := testRetriever(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, insertEvent(t, s, "P", "cache invalidation note", nil))
	}
	require.NoError(t, s.Transition(ctx, record.KindEvent, ids[0], record.LifecycleArchived, "test"))
	require.NoError(t, s.Transition(ctx, record.KindEvent, ids[1], record.LifecycleSuperseded, "test"))

	resp, err := r.Retrieve(ctx, "P", Query{Text: "cache invalidation"}, 2, Options{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(resp.Results), 2)
	for _, res := range resp.Results {
		assert.NotEqual(t, ids[0], res.ID)
		assert.NotEqual(t, ids[1], res.ID)
	}
}

// P10: embedder down degrades to lexical-only with annotation.
func TestDegradedRetrieval(t *testing.T) {
	r, s := testRetriever(t, &stubEmbedder{fail: true})
	ctx := context.Background()

	insertEvent(t, s, "P", "lexical only result", nil)

	resp, err := r.Retrieve(ctx, "P", Query{Text: "lexical result"}, 5, Options{})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.NotEmpty(t, resp.Results)
	for _, res := range resp.Results {
		assert.True(t, res.Diagnostics.Degraded)
	}
}

func TestRetrieveBoundaries(t *testing.T) {
	r, s := testRetriever(t, nil)
	ctx := context.Background()

	// k = 0 returns empty, not an error.
	resp, err := r.Retrieve(ctx, "P", Query{Text: "anything"}, 0, Options{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	// Negative k is a caller bug.
	_, err = r.Retrieve(ctx, "P", Query{Text: "anything"}, -1, Options{})
	require.Error(t, err)

	// Empty query entirely is a validation failure.
	_, err = r.Retrieve(ctx, "P", Query{}, 5, Options{})
	require.Error(t, err)

	// Empty project returns empty, not an error.
	resp, err = r.Retrieve(ctx, "empty-project", Query{Text: "anything"}, 5, Options{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	// k above the ceiling clamps and annotates.
	insertEvent(t, s, "P", "clamp check", nil)
	resp, err = r.Retrieve(ctx, "P", Query{Text: "clamp"}, 10_000, Options{})
	require.NoError(t, err)
	assert.True(t, resp.Clamped)
}

// Tag-only query: pure structural retrieval, no text needed.
func TestTagOnlyStructuralQuery(t *testing.T) {
	r, s := testRetriever(t, nil)
	ctx := context.Background()

	tagged := insertEvent(t, s, "P", "tagged event", []string{"fs"})
	insertEvent(t, s, "P", "untagged event", nil)

	resp, err := r.Retrieve(ctx, "P", Query{Tags: []string{"fs"}}, 10, Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, tagged, resp.Results[0].ID)
}

func TestConfidenceFloor(t *testing.T) {
	r, s := testRetriever(t, nil)
	ctx := context.Background()

	_, err := s.InsertEvent(ctx, &record.Event{
		Envelope: record.Envelope{ProjectID: "P", Confidence: 0.2},
		Content:  "low confidence memory",
		Outcome:  record.OutcomeSuccess,
	})
	require.NoError(t, err)

	resp, err := r.Retrieve(ctx, "P", Query{Text: "memory", MinConfidence: 0.5}, 10, Options{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

// P7: activation_count tracks successful responses only; candidates cut
// before the top-k are never activated.
func TestActivationAccounting(t *testing.T) {
	r, s := testRetriever(t, nil)
	ctx := context.Background()

	a := insertEvent(t, s, "P", "ranking subject alpha alpha alpha", nil)
	b := insertEvent(t, s, "P", "ranking subject", nil)

	resp, err := r.Retrieve(ctx, "P", Query{Text: "alpha"}, 1, Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, a, resp.Results[0].ID)

	gotA, _ := s.GetEvent(ctx, a)
	gotB, _ := s.GetEvent(ctx, b)
	assert.Equal(t, 1, gotA.ActivationCount)
	assert.Equal(t, 0, gotB.ActivationCount)
}

func TestLexicalScoreStemming(t *testing.T) {
	terms := tokenize("save file")
	assert.Greater(t, lexicalScore(terms, "user saved file X"), lexicalScore(terms, "user deleted file Y"))
}

func TestFuseTieBreaksDeterministic(t *testing.T) {
	now := time.Now().UTC()
	mk := func(id string, importance float64) candidate {
		return candidate{kind: record.KindEvent, id: id, createdAt: now, importance: importance, lexicalScore: 1}
	}
	cands := []candidate{mk("b", 0.5), mk("a", 0.5), mk("c", 0.9)}
	for i := range cands {
		cands[i].score = 1.0
	}
	sortCandidates(cands)
	assert.Equal(t, "c", cands[0].id)
	assert.Equal(t, "a", cands[1].id)
	assert.Equal(t, "b", cands[2].id)
}
