package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
)

// InsertPattern persists a Pattern as is, without sweeping its source Events.
// The Consolidator does not call it: it emits Patterns through EmitPattern,
// which also flips the sources to consolidated.
func (s *RecordStore) InsertPattern(ctx context.Context, p *record.Pattern) (string, error) {
	const op = "RecordStore.InsertPattern"
	if p.ProjectID == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}
	if len(p.SourceEventIDs) == 0 {
		return "", engerr.Invariantf(op, fmt.Errorf("source_event_ids must be non-empty"))
	}

	p.ID = newID()
	now := time.Now().UTC()
	p.CreatedAt = now
	if p.ValidFrom.IsZero() {
		p.ValidFrom = now
	}
	if p.Lifecycle == "" {
		p.Lifecycle = record.LifecycleActive
	}
	if p.EvidenceType == "" {
		p.EvidenceType = record.EvidenceDeduced
	}
	if p.PatternType == "" {
		p.PatternType = record.PatternTypeEventSequence
	}
	p.Version = 1
	p.EvidenceQuality = record.DeriveEvidenceQuality(p.EvidenceType, p.ActivationCount, "", false)

	_, err := s.h.DB().ExecContext(ctx, `
		INSERT INTO patterns (
			id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
			evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
			labile_until, version, importance, tags,
			pattern_type, content, source_event_ids, provenance, support, confidence_before_validation, confidence_after_validation
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.CreatedAt, p.ValidFrom, p.ValidTo, string(p.Lifecycle), p.Confidence,
		string(p.EvidenceType), p.EvidenceQuality, p.SourceID, p.ActivationCount, p.LastActivationAt,
		p.LabileUntil, p.Version, p.Importance, marshalTags(p.Tags),
		string(p.PatternType), p.Content, marshalStrings(p.SourceEventIDs), marshalStrings(p.Provenance),
		p.Support, p.ConfidenceBeforeValidation, p.ConfidenceAfterValidation,
	)
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	_ = s.h.IndexContent(p.ID, string(record.KindPattern), p.ProjectID, p.Content, sql.NullTime{Time: now, Valid: true})
	logging.Record("inserted pattern %s (%s, project=%s, support=%d)", p.ID, p.PatternType, p.ProjectID, p.Support)
	return p.ID, nil
}

const patternSelectColumns = `id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
	       evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
	       labile_until, version, importance, tags,
	       pattern_type, content, source_event_ids, provenance, support, confidence_before_validation, confidence_after_validation`

func scanPattern(row rowScanner) (*record.Pattern, error) {
	var p record.Pattern
	var tags, patternType, sourceIDs, provenance, lifecycle, evidenceType string
	var validTo, lastActivation, labileUntil sql.NullTime

	err := row.Scan(
		&p.ID, &p.ProjectID, &p.CreatedAt, &p.ValidFrom, &validTo, &lifecycle, &p.Confidence,
		&evidenceType, &p.EvidenceQuality, &p.SourceID, &p.ActivationCount, &lastActivation,
		&labileUntil, &p.Version, &p.Importance, &tags,
		&patternType, &p.Content, &sourceIDs, &provenance, &p.Support, &p.ConfidenceBeforeValidation, &p.ConfidenceAfterValidation,
	)
	if err != nil {
		return nil, err
	}
	p.Lifecycle = record.Lifecycle(lifecycle)
	p.EvidenceType = record.EvidenceType(evidenceType)
	p.PatternType = record.PatternType(patternType)
	p.Tags = unmarshalTags(tags)
	p.SourceEventIDs = unmarshalStrings(sourceIDs)
	p.Provenance = unmarshalStrings(provenance)
	if validTo.Valid {
		p.ValidTo = &validTo.Time
	}
	if lastActivation.Valid {
		p.LastActivationAt = &lastActivation.Time
	}
	if labileUntil.Valid {
		p.LabileUntil = &labileUntil.Time
	}
	return &p, nil
}

// GetPattern fetches a Pattern by id.
func (s *RecordStore) GetPattern(ctx context.Context, id string) (*record.Pattern, error) {
	const op = "RecordStore.GetPattern"
	row := s.h.DB().QueryRowContext(ctx, `SELECT `+patternSelectColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("pattern %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return p, nil
}

// PatternsReferencingEvent returns every Pattern whose source_event_ids list
// contains eventID. The reference is weak: archiving the Event does
// not delete these Patterns, it only annotates their provenance.
func (s *RecordStore) PatternsReferencingEvent(ctx context.Context, eventID string) ([]*record.Pattern, error) {
	const op = "RecordStore.PatternsReferencingEvent"
	rows, err := s.h.DB().QueryContext(ctx,
		`SELECT `+patternSelectColumns+` FROM patterns WHERE source_event_ids LIKE ?`,
		`%"`+eventID+`"%`)
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	defer rows.Close()

	var out []*record.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendPatternProvenance appends a note to the Pattern's provenance list.
func (s *RecordStore) AppendPatternProvenance(ctx context.Context, id, note string) error {
	const op = "RecordStore.AppendPatternProvenance"
	p, err := s.GetPattern(ctx, id)
	if err != nil {
		return err
	}
	prov := append(p.Provenance, note)
	_, err = s.h.DB().ExecContext(ctx, `UPDATE patterns SET provenance = ? WHERE id = ?`, marshalStrings(prov), id)
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	return nil
}

// ScopePatterns returns every Pattern in project matching the lifecycle
// filter.
func (s *RecordStore) ScopePatterns(ctx context.Context, projectID string, lifecycles []record.Lifecycle) ([]*record.Pattern, error) {
	const op = "RecordStore.ScopePatterns"
	query := `SELECT ` + patternSelectColumns + ` FROM patterns WHERE project_id = ?`
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

	var out []*record.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
