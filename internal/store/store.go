// Package store implements RecordStore: the only component that mutates
// rows. It exposes one typed CRUD surface per record kind plus the uniform
// lifecycle/activation API, split into one file per concern.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"memoryengine/internal/embedding"
	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/substrate"
)

// RecordStore is the single mutation surface for all seven record kinds.
// Exactly one exists per process, built on the single substrate Handle.
type RecordStore struct {
	h        *substrate.Handle
	embedder embedding.EmbeddingEngine

	// ReconsolidationWindow is the default labile duration applied by
	// Activate.
	ReconsolidationWindow time.Duration

	// RetentionHorizon bounds how old an archived record must be before
	// Delete is permitted.
	RetentionHorizon time.Duration
}

// New builds a RecordStore over h. embedder may be nil: Insert then stores a
// null embedding and flags the record "needs embedding".
func New(h *substrate.Handle, embedder embedding.EmbeddingEngine) *RecordStore {
	return &RecordStore{
		h:                     h,
		embedder:              embedder,
		ReconsolidationWindow: 60 * time.Minute,
		RetentionHorizon:      30 * 24 * time.Hour,
	}
}

func newID() string { return uuid.NewString() }

func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func marshalMap(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMap(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// embedText calls the configured Embedder, if any. An unavailable embedder
// is tolerated by returning (nil, false) rather than an error; the record is
// stored without a vector and dense ranking skips it.
func (s *RecordStore) embedText(ctx context.Context, text string) ([]float32, bool) {
	if s.embedder == nil || text == "" {
		return nil, false
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		logging.Get(logging.CategoryRecord).Warn("embed failed, record flagged needs_embedding: %v", err)
		return nil, false
	}
	return vec, true
}

func wrapf(kind engerr.Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &engerr.Error{Kind: kind, Op: op, Cause: err}
}
