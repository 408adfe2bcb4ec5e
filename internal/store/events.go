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

// InsertEvent assigns an id, stamps created_at, embeds content if an
// Embedder is configured, and persists the Event.
func (s *RecordStore) InsertEvent(ctx context.Context, e *record.Event) (string, error) {
	const op = "RecordStore.InsertEvent"
	if e.ProjectID == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}
	if e.ValidTo != nil && e.ValidFrom.After(*e.ValidTo) {
		return "", engerr.Invariantf(op, fmt.Errorf("valid_from must be <= valid_to"))
	}

	e.ID = newID()
	now := time.Now().UTC()
	e.CreatedAt = now
	if e.ValidFrom.IsZero() {
		e.ValidFrom = now
	}
	if e.Lifecycle == "" {
		e.Lifecycle = record.LifecycleActive
	}
	if e.EvidenceType == "" {
		e.EvidenceType = record.EvidenceObserved
	}
	e.Version = 1
	e.EvidenceQuality = record.DeriveEvidenceQuality(e.EvidenceType, e.ActivationCount, e.Outcome, false)

	needsEmbedding := false
	if len(e.Embedding) == 0 {
		if vec, ok := s.embedText(ctx, e.Content); ok {
			e.Embedding = vec
		} else {
			needsEmbedding = e.Content != ""
		}
	}

	var blob []byte
	if len(e.Embedding) > 0 {
		blob = substrate.EncodeFloat32(e.Embedding)
	}
	var testPassed sql.NullBool
	if e.TestPassed != nil {
		testPassed = sql.NullBool{Bool: *e.TestPassed, Valid: true}
	}

	_, err := s.h.DB().ExecContext(ctx, `
		INSERT INTO events (
			id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
			evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
			labile_until, version, importance, tags,
			session_id, content, outcome, context, embedding, needs_embedding,
			file_path, symbol_name, language, diff, test_name, test_passed, error_type
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.CreatedAt, e.ValidFrom, e.ValidTo, string(e.Lifecycle), e.Confidence,
		string(e.EvidenceType), e.EvidenceQuality, e.SourceID, e.ActivationCount, e.LastActivationAt,
		e.LabileUntil, e.Version, e.Importance, marshalTags(e.Tags),
		e.SessionID, e.Content, string(e.Outcome), marshalMap(e.Context), blob, needsEmbedding,
		e.FilePath, e.SymbolName, e.Language, e.Diff, e.TestName, testPassed, e.ErrorType,
	)
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	_ = s.h.IndexContent(e.ID, string(record.KindEvent), e.ProjectID, e.Content, sql.NullTime{Time: now, Valid: true})
	logging.Record("inserted event %s (project=%s)", e.ID, e.ProjectID)
	return e.ID, nil
}

// GetEvent fetches an Event by id, scoped implicitly by id uniqueness.
func (s *RecordStore) GetEvent(ctx context.Context, id string) (*record.Event, error) {
	const op = "RecordStore.GetEvent"
	row := s.h.DB().QueryRowContext(ctx, `
		SELECT id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
		       evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
		       labile_until, version, importance, tags,
		       session_id, content, outcome, context, embedding,
		       file_path, symbol_name, language, diff, test_name, test_passed, error_type
		FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("event %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*record.Event, error) {
	var e record.Event
	var tags, contextJSON, outcome, lifecycle, evidenceType string
	var validTo, lastActivation, labileUntil sql.NullTime
	var embeddingBlob []byte
	var filePath, symbolName, language, diff, testName, errorType sql.NullString
	var testPassed sql.NullBool

	err := row.Scan(
		&e.ID, &e.ProjectID, &e.CreatedAt, &e.ValidFrom, &validTo, &lifecycle, &e.Confidence,
		&evidenceType, &e.EvidenceQuality, &e.SourceID, &e.ActivationCount, &lastActivation,
		&labileUntil, &e.Version, &e.Importance, &tags,
		&e.SessionID, &e.Content, &outcome, &contextJSON, &embeddingBlob,
		&filePath, &symbolName, &language, &diff, &testName, &testPassed, &errorType,
	)
	if err != nil {
		return nil, err
	}
	e.Lifecycle = record.Lifecycle(lifecycle)
	e.EvidenceType = record.EvidenceType(evidenceType)
	e.Outcome = record.Outcome(outcome)
	e.Tags = unmarshalTags(tags)
	e.Context = unmarshalMap(contextJSON)
	if validTo.Valid {
		e.ValidTo = &validTo.Time
	}
	if lastActivation.Valid {
		e.LastActivationAt = &lastActivation.Time
	}
	if labileUntil.Valid {
		e.LabileUntil = &labileUntil.Time
	}
	if len(embeddingBlob) > 0 {
		e.Embedding = substrate.DecodeFloat32(embeddingBlob)
	}
	e.FilePath = filePath.String
	e.SymbolName = symbolName.String
	e.Language = language.String
	e.Diff = diff.String
	e.TestName = testName.String
	e.ErrorType = errorType.String
	if testPassed.Valid {
		v := testPassed.Bool
		e.TestPassed = &v
	}
	return &e, nil
}

// UpdateEventContent rewrites the mutable fields an Event accepts; Lifecycle
// changes must go through Transition instead.
func (s *RecordStore) UpdateEventContent(ctx context.Context, id string, content *string, confidence *float64, tags []string) error {
	const op = "RecordStore.UpdateEvent"
	cur, err := s.GetEvent(ctx, id)
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
			`UPDATE events SET content = ?, confidence = ?, tags = ?, labile_dirty = 1 WHERE id = ?`,
			next.Content, next.Confidence, marshalTags(next.Tags), id)
	} else {
		next.Version++
		_, err = s.h.DB().ExecContext(ctx,
			`UPDATE events SET content = ?, confidence = ?, tags = ?, version = ? WHERE id = ?`,
			next.Content, next.Confidence, marshalTags(next.Tags), next.Version, id)
	}
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	if content != nil {
		_ = s.h.IndexContent(id, string(record.KindEvent), cur.ProjectID, next.Content, sql.NullTime{Time: time.Now().UTC(), Valid: true})
	}
	return nil
}

// ScopeEvents returns every Event in project matching lifecycle filter
// (empty = any), the Event half of the uniform scope query surface.
func (s *RecordStore) ScopeEvents(ctx context.Context, projectID string, lifecycles []record.Lifecycle, since time.Time) ([]*record.Event, error) {
	const op = "RecordStore.ScopeEvents"
	query := `SELECT id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
		       evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
		       labile_until, version, importance, tags,
		       session_id, content, outcome, context, embedding,
		       file_path, symbol_name, language, diff, test_name, test_passed, error_type
		FROM events WHERE project_id = ? AND created_at >= ?`
	args := []any{projectID, since}
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

	var out []*record.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}
