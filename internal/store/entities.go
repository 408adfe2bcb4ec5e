package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
)

// InsertEntity persists a graph node.
func (s *RecordStore) InsertEntity(ctx context.Context, e *record.Entity) (string, error) {
	const op = "RecordStore.InsertEntity"
	if e.ProjectID == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}
	if e.Name == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("name is required"))
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
	e.EvidenceQuality = record.DeriveEvidenceQuality(e.EvidenceType, e.ActivationCount, "", false)

	_, err := s.h.DB().ExecContext(ctx, `
		INSERT INTO entities (
			id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
			evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
			labile_until, version, importance, tags,
			name, entity_type, attributes
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.CreatedAt, e.ValidFrom, e.ValidTo, string(e.Lifecycle), e.Confidence,
		string(e.EvidenceType), e.EvidenceQuality, e.SourceID, e.ActivationCount, e.LastActivationAt,
		e.LabileUntil, e.Version, e.Importance, marshalTags(e.Tags),
		e.Name, e.EntityType, marshalMap(e.Attributes),
	)
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	_ = s.h.IndexContent(e.ID, string(record.KindEntity), e.ProjectID, e.Name, sql.NullTime{Time: now, Valid: true})
	logging.Record("inserted entity %s (%s, project=%s)", e.ID, e.Name, e.ProjectID)
	return e.ID, nil
}

const entitySelectColumns = `id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
	       evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
	       labile_until, version, importance, tags,
	       name, entity_type, attributes`

func scanEntity(row rowScanner) (*record.Entity, error) {
	var e record.Entity
	var tags, attrs, lifecycle, evidenceType string
	var validTo, lastActivation, labileUntil sql.NullTime

	err := row.Scan(
		&e.ID, &e.ProjectID, &e.CreatedAt, &e.ValidFrom, &validTo, &lifecycle, &e.Confidence,
		&evidenceType, &e.EvidenceQuality, &e.SourceID, &e.ActivationCount, &lastActivation,
		&labileUntil, &e.Version, &e.Importance, &tags,
		&e.Name, &e.EntityType, &attrs,
	)
	if err != nil {
		return nil, err
	}
	e.Lifecycle = record.Lifecycle(lifecycle)
	e.EvidenceType = record.EvidenceType(evidenceType)
	e.Tags = unmarshalTags(tags)
	e.Attributes = unmarshalMap(attrs)
	if validTo.Valid {
		e.ValidTo = &validTo.Time
	}
	if lastActivation.Valid {
		e.LastActivationAt = &lastActivation.Time
	}
	if labileUntil.Valid {
		e.LabileUntil = &labileUntil.Time
	}
	return &e, nil
}

// GetEntity fetches an Entity by id.
func (s *RecordStore) GetEntity(ctx context.Context, id string) (*record.Entity, error) {
	const op = "RecordStore.GetEntity"
	row := s.h.DB().QueryRowContext(ctx, `SELECT `+entitySelectColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("entity %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return e, nil
}

// FindEntityByName looks up an Entity by its exact name within a project,
// used by the graph package to resolve a Relation's endpoints ("an
// Entity is identified by name within a project, not by free text").
func (s *RecordStore) FindEntityByName(ctx context.Context, projectID, name string) (*record.Entity, error) {
	const op = "RecordStore.FindEntityByName"
	row := s.h.DB().QueryRowContext(ctx, `SELECT `+entitySelectColumns+` FROM entities WHERE project_id = ? AND name = ?`, projectID, name)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("entity named %q", name))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return e, nil
}

// ScopeEntities returns every Entity in project matching the lifecycle
// filter.
func (s *RecordStore) ScopeEntities(ctx context.Context, projectID string, lifecycles []record.Lifecycle) ([]*record.Entity, error) {
	const op = "RecordStore.ScopeEntities"
	query := `SELECT ` + entitySelectColumns + ` FROM entities WHERE project_id = ?`
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

	var out []*record.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEntityCommunity rewrites the entity's community_id tag, replacing any
// previous assignment. Community detection is an offline computation; its
// result is just an opaque label on the Entity.
func (s *RecordStore) SetEntityCommunity(ctx context.Context, id, communityID string) error {
	const op = "RecordStore.SetEntityCommunity"
	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	tags := make([]string, 0, len(e.Tags)+1)
	for _, t := range e.Tags {
		if !strings.HasPrefix(t, "community_id:") {
			tags = append(tags, t)
		}
	}
	tags = append(tags, "community_id:"+communityID)
	_, err = s.h.DB().ExecContext(ctx, `UPDATE entities SET tags = ? WHERE id = ?`, marshalTags(tags), id)
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	return nil
}

// deleteEntityCascade hard-deletes an Entity together with every Relation
// incident on it; a dangling edge must never survive its endpoint. The
// cascade runs inside a single substrate transaction so it is atomic.
func (s *RecordStore) deleteEntityCascade(ctx context.Context, id string) error {
	const op = "RecordStore.deleteEntityCascade"
	return s.h.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE from_entity = ? OR to_entity = ?`, id, id); err != nil {
			return engerr.Unavailablef(op, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
			return engerr.Unavailablef(op, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM content_index WHERE record_id = ? AND kind = ?`, id, string(record.KindEntity)); err != nil {
			return engerr.Unavailablef(op, err)
		}
		return nil
	})
}
