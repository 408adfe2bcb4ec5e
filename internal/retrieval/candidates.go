package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"memoryengine/internal/engerr"
	"memoryengine/internal/record"
	"memoryengine/internal/substrate"
)

// candidate is one ranking-eligible row, carried through fusion with its
// per-stage scores.
type candidate struct {
	kind    record.Kind
	id      string
	content string

	createdAt        time.Time
	lastActivationAt time.Time
	importance       float64
	confidence       float64
	quality          float64
	lifecycle        record.Lifecycle
	tags             []string

	denseScore   float64
	lexicalScore float64
	score        float64
	labile       bool
	diag         Diagnostics
}

// contentExpr maps each content-bearing kind to the column the lexical stage
// matches against.
var contentExpr = map[record.Kind]string{
	record.KindEvent:     "content",
	record.KindFact:      "content",
	record.KindProcedure: "name",
	record.KindPattern:   "content",
}

// embeddingKinds are the kinds the dense stage can rank; rows without an
// embedding are skipped in that stage.
var embeddingKinds = []record.Kind{record.KindEvent, record.KindFact}

var kindTable = map[record.Kind]string{
	record.KindEvent:     "events",
	record.KindFact:      "facts",
	record.KindProcedure: "procedures",
	record.KindPattern:   "patterns",
}

func lifecyclePlaceholders() (string, []any) {
	ph := make([]string, len(retrievableLifecycles))
	args := make([]any, len(retrievableLifecycles))
	for i, l := range retrievableLifecycles {
		ph[i] = "?"
		args[i] = string(l)
	}
	return strings.Join(ph, ","), args
}

func wantKind(kind record.Kind, kinds []record.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// denseCandidates returns the top-limit rows by cosine similarity to the
// query vector within scope. The scan is a brute-force pass over the stored
// blobs; when the sqlite-vec extension is present the same blobs back a vec0
// ANN index, but correctness never depends on it.
func (r *Retriever) denseCandidates(ctx context.Context, projectID string, queryVec []float32, kinds []record.Kind, limit int) ([]candidate, error) {
	const op = "Retriever.denseCandidates"
	var out []candidate
	ph, lifecycleArgs := lifecyclePlaceholders()

	for _, kind := range embeddingKinds {
		if !wantKind(kind, kinds) {
			continue
		}
		table := kindTable[kind]
		args := append([]any{projectID}, lifecycleArgs...)
		rows, err := r.h.DB().QueryContext(ctx, `
			SELECT id, `+contentExpr[kind]+`, created_at, last_activation_at, importance, confidence,
			       evidence_quality, lifecycle, tags, embedding
			FROM `+table+`
			WHERE project_id = ? AND lifecycle IN (`+ph+`) AND embedding IS NOT NULL`,
			args...)
		if err != nil {
			return nil, engerr.Unavailablef(op, err)
		}
		for rows.Next() {
			c, blob, err := scanCandidate(rows, kind, true)
			if err != nil {
				continue
			}
			vec := substrate.DecodeFloat32(blob)
			if len(vec) != len(queryVec) {
				continue
			}
			c.denseScore = substrate.CosineSimilarity(queryVec, vec)
			out = append(out, c)
		}
		rows.Close()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].denseScore != out[j].denseScore {
			return out[i].denseScore > out[j].denseScore
		}
		return out[i].id < out[j].id
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// lexicalCandidates returns the top-limit rows by BM25-style token match on
// the content columns within scope.
func (r *Retriever) lexicalCandidates(ctx context.Context, projectID, text string, kinds []record.Kind, limit int) ([]candidate, error) {
	const op = "Retriever.lexicalCandidates"
	terms := tokenize(text)
	if len(terms) == 0 {
		return nil, nil
	}

	var out []candidate
	ph, lifecycleArgs := lifecyclePlaceholders()

	for kind, expr := range contentExpr {
		if !wantKind(kind, kinds) {
			continue
		}
		table := kindTable[kind]
		args := append([]any{projectID}, lifecycleArgs...)
		rows, err := r.h.DB().QueryContext(ctx, `
			SELECT id, `+expr+`, created_at, last_activation_at, importance, confidence,
			       evidence_quality, lifecycle, tags
			FROM `+table+`
			WHERE project_id = ? AND lifecycle IN (`+ph+`) AND `+expr+` != ''`,
			args...)
		if err != nil {
			return nil, engerr.Unavailablef(op, err)
		}
		for rows.Next() {
			c, _, err := scanCandidate(rows, kind, false)
			if err != nil {
				continue
			}
			if s := lexicalScore(terms, c.content); s > 0 {
				c.lexicalScore = s
				out = append(out, c)
			}
		}
		rows.Close()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].lexicalScore != out[j].lexicalScore {
			return out[i].lexicalScore > out[j].lexicalScore
		}
		return out[i].id < out[j].id
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// structuralCandidates serves pure structural queries (no text, no vector):
// rows are pulled by scope alone and ranked by importance and recency
// downstream.
func (r *Retriever) structuralCandidates(ctx context.Context, projectID string, q Query, limit int) ([]candidate, error) {
	const op = "Retriever.structuralCandidates"
	var out []candidate
	ph, lifecycleArgs := lifecyclePlaceholders()

	for kind, expr := range contentExpr {
		if !wantKind(kind, q.Kinds) {
			continue
		}
		table := kindTable[kind]
		args := append([]any{projectID}, lifecycleArgs...)
		rows, err := r.h.DB().QueryContext(ctx, `
			SELECT id, `+expr+`, created_at, last_activation_at, importance, confidence,
			       evidence_quality, lifecycle, tags
			FROM `+table+`
			WHERE project_id = ? AND lifecycle IN (`+ph+`)
			ORDER BY created_at DESC LIMIT `+strconv.Itoa(limit),
			args...)
		if err != nil {
			return nil, engerr.Unavailablef(op, err)
		}
		for rows.Next() {
			c, _, err := scanCandidate(rows, kind, false)
			if err != nil {
				continue
			}
			// A flat lexical score keeps RRF meaningful: ordering then
			// falls through to importance/recency tie-breaks.
			c.lexicalScore = 1
			out = append(out, c)
		}
		rows.Close()
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func scanCandidate(rows *sql.Rows, kind record.Kind, withEmbedding bool) (candidate, []byte, error) {
	var c candidate
	var lastActivation sql.NullTime
	var lifecycle, tags string
	var blob []byte

	dest := []any{&c.id, &c.content, &c.createdAt, &lastActivation, &c.importance, &c.confidence,
		&c.quality, &lifecycle, &tags}
	if withEmbedding {
		dest = append(dest, &blob)
	}
	if err := rows.Scan(dest...); err != nil {
		return c, nil, err
	}
	c.kind = kind
	c.lifecycle = record.Lifecycle(lifecycle)
	c.tags = unmarshalTags(tags)
	if lastActivation.Valid {
		c.lastActivationAt = lastActivation.Time
	}
	return c, blob, nil
}

// lexicalScore is a BM25-flavored token-overlap score: term frequency with
// saturation, damped by document length. It does not need corpus-wide IDF to
// rank within one query; the fusion stage normalizes per query anyway.
func lexicalScore(queryTerms []string, content string) float64 {
	docTerms := tokenize(content)
	if len(docTerms) == 0 {
		return 0
	}
	tf := make(map[string]int, len(docTerms))
	for _, t := range docTerms {
		tf[t]++
	}

	const k1 = 1.2
	const b = 0.75
	const avgLen = 32.0
	lenNorm := 1 - b + b*float64(len(docTerms))/avgLen

	score := 0.0
	for _, term := range queryTerms {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		score += f * (k1 + 1) / (f + k1*lenNorm)
	}
	return score
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for i, f := range fields {
		fields[i] = stem(f)
	}
	return fields
}

// stem applies a few cheap suffix rules so inflected forms match their base
// ("saved" ~ "save", "files" ~ "file"). Not a full stemmer; the fusion stage
// tolerates the occasional miss.
func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 5 && strings.HasSuffix(w, "ing"):
		return w[:len(w)-3]
	case len(w) > 4 && strings.HasSuffix(w, "ed"):
		return w[:len(w)-1]
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	default:
		return w
	}
}

func unmarshalTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
