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

// InsertProcedure persists a derived workflow (usually emitted by
// the Consolidator rather than inserted directly by a caller).
func (s *RecordStore) InsertProcedure(ctx context.Context, p *record.Procedure) (string, error) {
	const op = "RecordStore.InsertProcedure"
	if p.ProjectID == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}
	if p.Name == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("name is required"))
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
		p.EvidenceType = record.EvidenceLearned
	}
	p.Version = 1
	p.EvidenceQuality = record.DeriveEvidenceQuality(p.EvidenceType, p.ActivationCount, "", false)

	_, err := s.h.DB().ExecContext(ctx, `
		INSERT INTO procedures (
			id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
			evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
			labile_until, version, importance, tags,
			name, category, trigger_pattern, steps, success_rate, usage_count, avg_duration_ms,
			code, code_version, code_confidence
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.CreatedAt, p.ValidFrom, p.ValidTo, string(p.Lifecycle), p.Confidence,
		string(p.EvidenceType), p.EvidenceQuality, p.SourceID, p.ActivationCount, p.LastActivationAt,
		p.LabileUntil, p.Version, p.Importance, marshalTags(p.Tags),
		p.Name, p.Category, p.TriggerPattern, marshalStrings(p.Steps), p.SuccessRate, p.UsageCount, p.AvgDurationMs,
		p.Code, p.CodeVersion, p.CodeConfidence,
	)
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	_ = s.h.IndexContent(p.ID, string(record.KindProcedure), p.ProjectID, p.Name+" "+p.TriggerPattern, sql.NullTime{Time: now, Valid: true})
	logging.Record("inserted procedure %s (project=%s)", p.ID, p.ProjectID)
	return p.ID, nil
}

const procedureSelectColumns = `id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
	       evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
	       labile_until, version, importance, tags,
	       name, category, trigger_pattern, steps, success_rate, usage_count, avg_duration_ms,
	       code, code_version, code_confidence`

func scanProcedure(row rowScanner) (*record.Procedure, error) {
	var p record.Procedure
	var tags, steps, lifecycle, evidenceType string
	var validTo, lastActivation, labileUntil sql.NullTime
	var code sql.NullString

	err := row.Scan(
		&p.ID, &p.ProjectID, &p.CreatedAt, &p.ValidFrom, &validTo, &lifecycle, &p.Confidence,
		&evidenceType, &p.EvidenceQuality, &p.SourceID, &p.ActivationCount, &lastActivation,
		&labileUntil, &p.Version, &p.Importance, &tags,
		&p.Name, &p.Category, &p.TriggerPattern, &steps, &p.SuccessRate, &p.UsageCount, &p.AvgDurationMs,
		&code, &p.CodeVersion, &p.CodeConfidence,
	)
	if err != nil {
		return nil, err
	}
	p.Lifecycle = record.Lifecycle(lifecycle)
	p.EvidenceType = record.EvidenceType(evidenceType)
	p.Tags = unmarshalTags(tags)
	p.Steps = unmarshalStrings(steps)
	if validTo.Valid {
		p.ValidTo = &validTo.Time
	}
	if lastActivation.Valid {
		p.LastActivationAt = &lastActivation.Time
	}
	if labileUntil.Valid {
		p.LabileUntil = &labileUntil.Time
	}
	if code.Valid {
		v := code.String
		p.Code = &v
	}
	return &p, nil
}

// GetProcedure fetches a Procedure by id.
func (s *RecordStore) GetProcedure(ctx context.Context, id string) (*record.Procedure, error) {
	const op = "RecordStore.GetProcedure"
	row := s.h.DB().QueryRowContext(ctx, `SELECT `+procedureSelectColumns+` FROM procedures WHERE id = ?`, id)
	p, err := scanProcedure(row)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("procedure %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return p, nil
}

// RecordProcedureUsage bumps usage_count and updates the rolling
// success_rate/avg_duration_ms after an invocation (procedures
// track empirical success across uses).
func (s *RecordStore) RecordProcedureUsage(ctx context.Context, id string, succeeded bool, durationMs float64) error {
	const op = "RecordStore.RecordProcedureUsage"
	p, err := s.GetProcedure(ctx, id)
	if err != nil {
		return err
	}
	n := float64(p.UsageCount)
	newSuccessRate := (p.SuccessRate*n + boolToFloat(succeeded)) / (n + 1)
	newAvgDuration := (p.AvgDurationMs*n + durationMs) / (n + 1)

	_, err = s.h.DB().ExecContext(ctx,
		`UPDATE procedures SET usage_count = usage_count + 1, success_rate = ?, avg_duration_ms = ? WHERE id = ?`,
		newSuccessRate, newAvgDuration, id)
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ScopeProcedures returns every Procedure in project matching the lifecycle
// filter.
func (s *RecordStore) ScopeProcedures(ctx context.Context, projectID string, lifecycles []record.Lifecycle) ([]*record.Procedure, error) {
	const op = "RecordStore.ScopeProcedures"
	query := `SELECT ` + procedureSelectColumns + ` FROM procedures WHERE project_id = ?`
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

	var out []*record.Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
