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

// InsertRelation persists a graph edge between two Entities.
// FromEntity/ToEntity are entity ids, already resolved by the caller (usually
// internal/graph) via FindEntityByName.
func (s *RecordStore) InsertRelation(ctx context.Context, r *record.Relation) (string, error) {
	const op = "RecordStore.InsertRelation"
	if r.ProjectID == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}
	if r.FromEntity == "" || r.ToEntity == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("from_entity and to_entity are required"))
	}
	if r.FromEntity == r.ToEntity {
		return "", engerr.Invariantf(op, fmt.Errorf("a relation cannot link an entity to itself"))
	}

	r.ID = newID()
	now := time.Now().UTC()
	r.CreatedAt = now
	if r.ValidFrom.IsZero() {
		r.ValidFrom = now
	}
	if r.Lifecycle == "" {
		r.Lifecycle = record.LifecycleActive
	}
	if r.EvidenceType == "" {
		r.EvidenceType = record.EvidenceObserved
	}
	r.Version = 1
	r.EvidenceQuality = record.DeriveEvidenceQuality(r.EvidenceType, r.ActivationCount, "", false)

	_, err := s.h.DB().ExecContext(ctx, `
		INSERT INTO relations (
			id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
			evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
			labile_until, version, importance, tags,
			from_entity, to_entity, relation_type, strength, rel_valid_from, rel_valid_to
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ProjectID, r.CreatedAt, r.ValidFrom, r.ValidTo, string(r.Lifecycle), r.Confidence,
		string(r.EvidenceType), r.EvidenceQuality, r.SourceID, r.ActivationCount, r.LastActivationAt,
		r.LabileUntil, r.Version, r.Importance, marshalTags(r.Tags),
		r.FromEntity, r.ToEntity, r.RelationType, r.Strength, r.ValidFrom, r.ValidTo,
	)
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	logging.Record("inserted relation %s %s->%s (project=%s)", r.ID, r.FromEntity, r.ToEntity, r.ProjectID)
	return r.ID, nil
}

const relationSelectColumns = `id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
	       evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
	       labile_until, version, importance, tags,
	       from_entity, to_entity, relation_type, strength, rel_valid_from, rel_valid_to`

func scanRelation(row rowScanner) (*record.Relation, error) {
	var r record.Relation
	var tags, lifecycle, evidenceType string
	var validTo, lastActivation, labileUntil, relValidFrom, relValidTo sql.NullTime

	err := row.Scan(
		&r.ID, &r.ProjectID, &r.CreatedAt, &r.ValidFrom, &validTo, &lifecycle, &r.Confidence,
		&evidenceType, &r.EvidenceQuality, &r.SourceID, &r.ActivationCount, &lastActivation,
		&labileUntil, &r.Version, &r.Importance, &tags,
		&r.FromEntity, &r.ToEntity, &r.RelationType, &r.Strength, &relValidFrom, &relValidTo,
	)
	if err != nil {
		return nil, err
	}
	r.Lifecycle = record.Lifecycle(lifecycle)
	r.EvidenceType = record.EvidenceType(evidenceType)
	r.Tags = unmarshalTags(tags)
	if validTo.Valid {
		r.ValidTo = &validTo.Time
	}
	if lastActivation.Valid {
		r.LastActivationAt = &lastActivation.Time
	}
	if labileUntil.Valid {
		r.LabileUntil = &labileUntil.Time
	}
	if relValidFrom.Valid {
		r.ValidFrom = relValidFrom.Time
	}
	if relValidTo.Valid {
		r.ValidTo = &relValidTo.Time
	}
	return &r, nil
}

// GetRelation fetches a Relation by id.
func (s *RecordStore) GetRelation(ctx context.Context, id string) (*record.Relation, error) {
	const op = "RecordStore.GetRelation"
	row := s.h.DB().QueryRowContext(ctx, `SELECT `+relationSelectColumns+` FROM relations WHERE id = ?`, id)
	r, err := scanRelation(row)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("relation %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return r, nil
}

// RelationsIncidentOn returns every Relation with entityID as either
// endpoint, used by internal/graph's bounded BFS traversal (find_related,
// its incident Relations).
func (s *RecordStore) RelationsIncidentOn(ctx context.Context, entityID string) ([]*record.Relation, error) {
	const op = "RecordStore.RelationsIncidentOn"
	rows, err := s.h.DB().QueryContext(ctx,
		`SELECT `+relationSelectColumns+` FROM relations WHERE from_entity = ? OR to_entity = ?`, entityID, entityID)
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	defer rows.Close()

	var out []*record.Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ScopeRelations returns every Relation in project matching the lifecycle
// filter.
func (s *RecordStore) ScopeRelations(ctx context.Context, projectID string, lifecycles []record.Lifecycle) ([]*record.Relation, error) {
	const op = "RecordStore.ScopeRelations"
	query := `SELECT ` + relationSelectColumns + ` FROM relations WHERE project_id = ?`
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

	var out []*record.Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
