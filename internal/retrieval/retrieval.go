// Package retrieval implements the hybrid Retriever: parallel
// dense + lexical candidate fetch, reciprocal-rank fusion, a weighted blend
// with a recency boost, structural filters and quality floors, optional
// validator reranking, and the activation side effect.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"memoryengine/internal/config"
	"memoryengine/internal/embedding"
	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
	"memoryengine/internal/store"
	"memoryengine/internal/substrate"
	"memoryengine/internal/validator"
)

// rrfK is the reciprocal-rank-fusion constant: 1/(60+rank).
const rrfK = 60.0

// Query is the caller's retrieval request. Every field is optional except
// that at least one of Text, Embedding, Tags, or Kinds must be set.
type Query struct {
	Text      string
	Embedding []float32

	Tags     []string
	TimeFrom *time.Time
	TimeTo   *time.Time
	Kinds    []record.Kind

	MinConfidence float64
	MinQuality    float64
}

// Options tunes one retrieval. Zero value means "use configured defaults".
type Options struct {
	DenseWeight   float64
	LexicalWeight float64
	RecencyWeight float64
	UseRerank     bool
	MinScore      float64
}

// Diagnostics is the per-result bag describing which stage contributed what.
type Diagnostics struct {
	DenseScore   float64 `json:"dense_score"`
	LexicalScore float64 `json:"lexical_score"`
	RecencyBoost float64 `json:"recency_boost"`
	FusedScore   float64 `json:"fused_score"`
	DenseRank    int     `json:"dense_rank"`   // 0 = not in dense candidates
	LexicalRank  int     `json:"lexical_rank"` // 0 = not in lexical candidates
	Reranked     bool    `json:"reranked"`
	Degraded     bool    `json:"degraded"`
	Labile       bool    `json:"labile"`
}

// Result is one ranked record.
type Result struct {
	Kind        record.Kind
	ID          string
	Content     string
	Score       float64
	Diagnostics Diagnostics
}

// Response wraps the ranked results with request-level annotations.
type Response struct {
	Results []Result

	// Degraded is true when the dense stage was skipped (embedder
	// unavailable or no query vector) and ranking fell back to lexical.
	Degraded bool

	// Clamped is true when the caller's k exceeded the configured ceiling.
	Clamped bool

	// RerankFallback is true when rerank was requested but the validator
	// timed out or failed, so the unreranked ordering was kept.
	RerankFallback bool
}

// Retriever fuses dense, lexical, and structural ranking over the substrate.
type Retriever struct {
	h        *substrate.Handle
	store    *store.RecordStore
	embedder embedding.EmbeddingEngine // usually the process-wide *embedding.Cache; may be nil
	val      validator.Validator      // nil disables rerank
	cfg      config.RetrieverConfig

	// onActivity, if set, is called at the start of every Retrieve so the
	// Scheduler can track foreground activity per project.
	onActivity func(projectID string)
}

// New builds a Retriever over the shared substrate handle.
func New(h *substrate.Handle, s *store.RecordStore, embedder embedding.EmbeddingEngine, val validator.Validator, cfg config.RetrieverConfig) *Retriever {
	return &Retriever{h: h, store: s, embedder: embedder, val: val, cfg: cfg}
}

// SetActivityHook registers the Scheduler's foreground-activity callback.
func (r *Retriever) SetActivityHook(fn func(projectID string)) { r.onActivity = fn }

// retrievableLifecycles are the states a returned record may be in;
// archived and superseded records are never served.
var retrievableLifecycles = []record.Lifecycle{
	record.LifecycleActive,
	record.LifecycleLabile,
	record.LifecycleConsolidated,
}

// Retrieve returns the top-k records for the query.
func (r *Retriever) Retrieve(ctx context.Context, projectID string, q Query, k int, opts Options) (*Response, error) {
	const op = "Retriever.Retrieve"
	started := time.Now()
	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.Stop()

	if projectID == "" {
		return nil, engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}
	if k < 0 {
		return nil, engerr.Invariantf(op, fmt.Errorf("k must be non-negative, got %d", k))
	}
	if q.Text == "" && len(q.Embedding) == 0 && len(q.Tags) == 0 && len(q.Kinds) == 0 {
		return nil, engerr.Validationf(op, fmt.Errorf("query needs text, an embedding, tags, or kinds"))
	}
	if r.onActivity != nil {
		r.onActivity(projectID)
	}

	resp := &Response{}
	if k == 0 {
		return resp, nil
	}
	if k > r.cfg.KCeiling {
		k = r.cfg.KCeiling
		resp.Clamped = true
	}
	applyDefaults(&opts, r.cfg)

	// Embed if needed. The process-wide cache makes repeat queries free;
	// an unavailable embedder degrades to lexical-only, never fails the
	// retrieval.
	queryVec := q.Embedding
	if len(queryVec) == 0 && q.Text != "" && r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, q.Text)
		if err != nil {
			logging.RetrievalWarn("embedder unavailable, degrading to lexical-only: %v", err)
		} else {
			queryVec = vec
		}
	}
	resp.Degraded = len(queryVec) == 0

	fetchLimit := r.cfg.CandidateFactor * k

	// Dense and lexical candidate fetches run in parallel. A dense
	// failure degrades to lexical; only both failing is Unavailable.
	var dense, lexical []candidate
	var denseErr, lexicalErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(queryVec) == 0 {
			return nil
		}
		dense, denseErr = r.denseCandidates(gctx, projectID, queryVec, q.Kinds, fetchLimit)
		return nil
	})
	g.Go(func() error {
		if q.Text == "" {
			return nil
		}
		lexical, lexicalErr = r.lexicalCandidates(gctx, projectID, q.Text, q.Kinds, fetchLimit)
		return nil
	})
	_ = g.Wait()

	if denseErr != nil {
		logging.RetrievalWarn("dense fetch failed, falling back to lexical: %v", denseErr)
		resp.Degraded = true
	}
	if lexicalErr != nil && (denseErr != nil || len(queryVec) == 0) {
		return nil, engerr.Unavailablef(op, fmt.Errorf("both candidate stages failed: %v", lexicalErr))
	}

	// Structural-only query: no text, no vector. Pull by filters alone.
	if len(queryVec) == 0 && q.Text == "" {
		structural, err := r.structuralCandidates(ctx, projectID, q, fetchLimit)
		if err != nil {
			return nil, err
		}
		lexical = structural
	}

	fused := fuse(dense, lexical, opts, r.cfg.GetRecencyHalfLife())

	// Filters and quality floor.
	filtered := fused[:0]
	for _, c := range fused {
		if !r.passesFilters(c, q, opts) {
			continue
		}
		filtered = append(filtered, c)
	}
	sortCandidates(filtered)

	// Optional rerank.
	if opts.UseRerank && r.val != nil && q.Text != "" && len(filtered) > 1 {
		n := min(len(filtered), min(k*4, r.cfg.RerankCandidates))
		if ok := r.rerank(ctx, q.Text, filtered[:n]); !ok {
			resp.RerankFallback = true
		}
	}

	if len(filtered) > k {
		filtered = filtered[:k]
	}

	// Activation side effect for every record actually returned;
	// candidates cut before the top-k are never activated.
	for i := range filtered {
		c := &filtered[i]
		lifecycle, _, err := r.store.Activate(ctx, c.kind, c.id)
		if err != nil {
			logging.RetrievalWarn("activation of %s/%s failed: %v", c.kind, c.id, err)
			continue
		}
		c.labile = lifecycle == record.LifecycleLabile
	}

	for _, c := range filtered {
		c.diag.Degraded = resp.Degraded
		c.diag.Labile = c.labile
		resp.Results = append(resp.Results, Result{
			Kind:        c.kind,
			ID:          c.id,
			Content:     c.content,
			Score:       c.score,
			Diagnostics: c.diag,
		})
	}

	logging.Retrieval("retrieved %d/%d (project=%s, degraded=%v)", len(resp.Results), k, projectID, resp.Degraded)
	logging.AuditWithProject(projectID).RetrieveQuery(len(resp.Results), time.Since(started).Milliseconds())
	return resp, nil
}

func applyDefaults(opts *Options, cfg config.RetrieverConfig) {
	if opts.DenseWeight == 0 && opts.LexicalWeight == 0 {
		opts.DenseWeight = cfg.DenseWeight
		opts.LexicalWeight = cfg.LexicalWeight
	}
	if opts.RecencyWeight == 0 {
		opts.RecencyWeight = cfg.RecencyWeight
	}
	if opts.MinScore == 0 {
		opts.MinScore = cfg.MinScore
	}
}

func (r *Retriever) passesFilters(c candidate, q Query, opts Options) bool {
	if c.score < opts.MinScore {
		return false
	}
	if c.confidence < q.MinConfidence {
		return false
	}
	if c.quality < q.MinQuality {
		return false
	}
	ok := false
	for _, l := range retrievableLifecycles {
		if c.lifecycle == l {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if len(q.Kinds) > 0 {
		found := false
		for _, kind := range q.Kinds {
			if c.kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Tags) > 0 && !hasAnyTag(c.tags, q.Tags) {
		return false
	}
	if q.TimeFrom != nil && c.createdAt.Before(*q.TimeFrom) {
		return false
	}
	if q.TimeTo != nil && c.createdAt.After(*q.TimeTo) {
		return false
	}
	return true
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// rerank reorders candidates[:n] in place via the validator, preserving the
// original order on ties and on any failure. Returns false when the fallback
// ordering was kept.
func (r *Retriever) rerank(ctx context.Context, queryText string, candidates []candidate) bool {
	rctx, cancel := context.WithTimeout(ctx, r.cfg.GetRerankTimeout())
	defer cancel()

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.content
	}
	order, err := r.val.Rerank(rctx, queryText, texts)
	if err != nil || len(order) != len(candidates) {
		logging.RetrievalWarn("rerank fell back to fused ordering: %v", err)
		return false
	}

	reordered := make([]candidate, len(candidates))
	for pos, idx := range order {
		reordered[pos] = candidates[idx]
		reordered[pos].diag.Reranked = true
		// Reranked results keep a monotone score so downstream ordering
		// and min_score still mean something.
		reordered[pos].score = candidates[0].score * (1 - float64(pos)/float64(len(order)+1))
	}
	copy(candidates, reordered)
	return true
}

// fuse combines the dense and lexical candidate lists with reciprocal-rank
// fusion, then blends normalized per-stage scores with the recency boost.
func fuse(dense, lexical []candidate, opts Options, halfLife time.Duration) []candidate {
	type fusion struct {
		c          candidate
		rrf        float64
		denseNorm  float64
		lexNorm    float64
	}
	byKey := make(map[string]*fusion)
	key := func(c candidate) string { return string(c.kind) + "/" + c.id }

	maxDense, maxLex := maxScore(dense), maxScore(lexical)
	for rank, c := range dense {
		f := &fusion{c: c}
		f.rrf = 1 / (rrfK + float64(rank+1))
		if maxDense > 0 {
			f.denseNorm = c.denseScore / maxDense
		}
		f.c.diag.DenseRank = rank + 1
		f.c.diag.DenseScore = c.denseScore
		byKey[key(c)] = f
	}
	for rank, c := range lexical {
		if f, ok := byKey[key(c)]; ok {
			f.rrf += 1 / (rrfK + float64(rank+1))
			if maxLex > 0 {
				f.lexNorm = c.lexicalScore / maxLex
			}
			f.c.diag.LexicalRank = rank + 1
			f.c.diag.LexicalScore = c.lexicalScore
			continue
		}
		f := &fusion{c: c}
		f.rrf = 1 / (rrfK + float64(rank+1))
		if maxLex > 0 {
			f.lexNorm = c.lexicalScore / maxLex
		}
		f.c.diag.LexicalRank = rank + 1
		f.c.diag.LexicalScore = c.lexicalScore
		byKey[key(c)] = f
	}

	now := time.Now().UTC()
	out := make([]candidate, 0, len(byKey))
	for _, f := range byKey {
		recency := math.Exp(-now.Sub(f.c.createdAt).Seconds() / halfLife.Seconds())
		blended := opts.DenseWeight*f.denseNorm + opts.LexicalWeight*f.lexNorm + opts.RecencyWeight*recency
		// RRF decides the ordering backbone; the weighted blend is the
		// tunable tie-break on top of it.
		f.c.score = f.rrf + blended
		f.c.diag.RecencyBoost = opts.RecencyWeight * recency
		f.c.diag.FusedScore = f.c.score
		out = append(out, f.c)
	}
	return out
}

func maxScore(cs []candidate) float64 {
	m := 0.0
	for _, c := range cs {
		s := c.denseScore
		if c.lexicalScore > s {
			s = c.lexicalScore
		}
		if s > m {
			m = s
		}
	}
	return m
}

// sortCandidates orders by score desc, then importance desc, then more
// recent last_activation_at, then lexically smaller id.
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		if cs[i].importance != cs[j].importance {
			return cs[i].importance > cs[j].importance
		}
		ti, tj := cs[i].lastActivationAt, cs[j].lastActivationAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return cs[i].id < cs[j].id
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
