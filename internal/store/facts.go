package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
	"memoryengine/internal/substrate"
)

// InsertFact assigns an id, stamps created_at, embeds content if possible,
// and persists the Fact.
func (s *RecordStore) InsertFact(ctx context.Context, f *record.Fact) (string, error) {
	const op = "RecordStore.InsertFact"
	if f.ProjectID == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}
	if f.ValidTo != nil && f.ValidFrom.After(*f.ValidTo) {
		return "", engerr.Invariantf(op, fmt.Errorf("valid_from must be <= valid_to"))
	}

	f.ID = newID()
	now := time.Now().UTC()
	f.CreatedAt = now
	if f.ValidFrom.IsZero() {
		f.ValidFrom = now
	}
	if f.Lifecycle == "" {
		f.Lifecycle = record.LifecycleActive
	}
	if f.EvidenceType == "" {
		f.EvidenceType = record.EvidenceObserved
	}
	f.Version = 1
	f.EvidenceQuality = record.DeriveEvidenceQuality(f.EvidenceType, f.ActivationCount, "", false)

	needsEmbedding := false
	if len(f.Embedding) == 0 {
		if vec, ok := s.embedText(ctx, f.Content); ok {
			f.Embedding = vec
		} else {
			needsEmbedding = f.Content != ""
		}
	}
	var blob []byte
	if len(f.Embedding) > 0 {
		blob = substrate.EncodeFloat32(f.Embedding)
	}

	_, err := s.h.DB().ExecContext(ctx, `
		INSERT INTO facts (
			id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
			evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
			labile_until, version, importance, tags,
			content, memory_type, embedding, needs_embedding, usefulness
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.ProjectID, f.CreatedAt, f.ValidFrom, f.ValidTo, string(f.Lifecycle), f.Confidence,
		string(f.EvidenceType), f.EvidenceQuality, f.SourceID, f.ActivationCount, f.LastActivationAt,
		f.LabileUntil, f.Version, f.Importance, marshalTags(f.Tags),
		f.Content, string(f.MemoryType), blob, needsEmbedding, f.Usefulness,
	)
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	_ = s.h.IndexContent(f.ID, string(record.KindFact), f.ProjectID, f.Content, sql.NullTime{Time: now, Valid: true})
	logging.Record("inserted fact %s (project=%s)", f.ID, f.ProjectID)
	return f.ID, nil
}

func scanFact(row rowScanner) (*record.Fact, error) {
	var f record.Fact
	var tags, memType, lifecycle, evidenceType string
	var validTo, lastActivation, labileUntil sql.NullTime
	var embeddingBlob []byte

	err := row.Scan(
		&f.ID, &f.ProjectID, &f.CreatedAt, &f.ValidFrom, &validTo, &lifecycle, &f.Confidence,
		&evidenceType, &f.EvidenceQuality, &f.SourceID, &f.ActivationCount, &lastActivation,
		&labileUntil, &f.Version, &f.Importance, &tags,
		&f.Content, &memType, &embeddingBlob, &f.Usefulness,
	)
	if err != nil {
		return nil, err
	}
	f.Lifecycle = record.Lifecycle(lifecycle)
	f.EvidenceType = record.EvidenceType(evidenceType)
	f.MemoryType = record.MemoryType(memType)
	f.Tags = unmarshalTags(tags)
	if validTo.Valid {
		f.ValidTo = &validTo.Time
	}
	if lastActivation.Valid {
		f.LastActivationAt = &lastActivation.Time
	}
	if labileUntil.Valid {
		f.LabileUntil = &labileUntil.Time
	}
	if len(embeddingBlob) > 0 {
		f.Embedding = substrate.DecodeFloat32(embeddingBlob)
	}
	return &f, nil
}

const factSelectColumns = `id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
	       evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
	       labile_until, version, importance, tags,
	       content, memory_type, embedding, usefulness`

// GetFact fetches a Fact by id.
func (s *RecordStore) GetFact(ctx context.Context, id string) (*record.Fact, error) {
	const op = "RecordStore.GetFact"
	row := s.h.DB().QueryRowContext(ctx, `SELECT `+factSelectColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("fact %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return f, nil
}

// UpdateFactContent rewrites the mutable fields a Fact accepts; while labile
// this does not bump version.
func (s *RecordStore) UpdateFactContent(ctx context.Context, id string, content *string, confidence *float64, tags []string) error {
	const op = "RecordStore.UpdateFact"
	cur, err := s.GetFact(ctx, id)
	if err != nil {
		return err
	}
	next := *cur
	if content != nil {
		next.Content = *content
	}
	if confidence != nil {
		next.Confidence = *confidence
	}
	if tags != nil {
		next.Tags = tags
	}

	if cur.Lifecycle == record.LifecycleLabile {
		// Labile rewrites defer the version bump to the window close,
		// which applies it once iff the record was dirtied.
		_, err = s.h.DB().ExecContext(ctx,
			`UPDATE facts SET content = ?, confidence = ?, tags = ?, labile_dirty = 1 WHERE id = ?`,
			next.Content, next.Confidence, marshalTags(next.Tags), id)
	} else {
		next.Version++
		_, err = s.h.DB().ExecContext(ctx,
			`UPDATE facts SET content = ?, confidence = ?, tags = ?, version = ? WHERE id = ?`,
			next.Content, next.Confidence, marshalTags(next.Tags), next.Version, id)
	}
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	if content != nil {
		_ = s.h.IndexContent(id, string(record.KindFact), cur.ProjectID, next.Content, sql.NullTime{Time: time.Now().UTC(), Valid: true})
	}
	return nil
}

// ScopeFacts returns every Fact in project matching the lifecycle filter.
func (s *RecordStore) ScopeFacts(ctx context.Context, projectID string, lifecycles []record.Lifecycle) ([]*record.Fact, error) {
	const op = "RecordStore.ScopeFacts"
	query := `SELECT ` + factSelectColumns + ` FROM facts WHERE project_id = ?`
	args := []any{projectID}
	if len(lifecycles) > 0 {
		query += " AND lifecycle IN (" + placeholders(len(lifecycles)) + ")"
		for _, l := range lifecycles {
			args = append(args, string(l))
		}
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.h.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	defer rows.Close()

	var out []*record.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetEvidenceQuality persists the given evidence_quality for one record.
// The Insert methods and EmitPattern's consolidation bonus also write it.
func (s *RecordStore) SetEvidenceQuality(ctx context.Context, kind record.Kind, id string, quality float64) error {
	table, ok := kindTable[kind]
	if !ok {
		return engerr.Invariantf("RecordStore.SetEvidenceQuality", fmt.Errorf("unknown kind %q", kind))
	}
	_, err := s.h.DB().ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET evidence_quality = ? WHERE id = ?`, table), quality, id)
	if err != nil {
		return engerr.Unavailablef("RecordStore.SetEvidenceQuality", err)
	}
	return nil
}
