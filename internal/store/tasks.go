package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
)

// InsertTask persists a trackable unit of agent work.
func (s *RecordStore) InsertTask(ctx context.Context, t *record.Task) (string, error) {
	const op = "RecordStore.InsertTask"
	if t.ProjectID == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}

	t.ID = newID()
	now := time.Now().UTC()
	t.CreatedAt = now
	if t.ValidFrom.IsZero() {
		t.ValidFrom = now
	}
	if t.Lifecycle == "" {
		t.Lifecycle = record.LifecycleActive
	}
	if t.EvidenceType == "" {
		t.EvidenceType = record.EvidenceObserved
	}
	if t.Status == "" {
		t.Status = record.TaskStatusPending
	}
	if t.Phase == "" {
		t.Phase = record.TaskPhasePlanning
	}
	if t.Priority == "" {
		t.Priority = record.TaskPriorityMedium
	}
	t.Version = 1
	t.EvidenceQuality = record.DeriveEvidenceQuality(t.EvidenceType, t.ActivationCount, "", false)

	planJSON, err := json.Marshal(t.Plan)
	if err != nil {
		return "", engerr.Invariantf(op, err)
	}

	_, err = s.h.DB().ExecContext(ctx, `
		INSERT INTO tasks (
			id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
			evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
			labile_until, version, importance, tags,
			content, status, phase, priority, plan, due_at, assignee, effort_estimate
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.CreatedAt, t.ValidFrom, t.ValidTo, string(t.Lifecycle), t.Confidence,
		string(t.EvidenceType), t.EvidenceQuality, t.SourceID, t.ActivationCount, t.LastActivationAt,
		t.LabileUntil, t.Version, t.Importance, marshalTags(t.Tags),
		t.Content, string(t.Status), string(t.Phase), string(t.Priority), string(planJSON), t.DueAt, t.Assignee, t.EffortEstimate,
	)
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	_ = s.h.IndexContent(t.ID, string(record.KindTask), t.ProjectID, t.Content, sql.NullTime{Time: now, Valid: true})
	logging.Record("inserted task %s (project=%s)", t.ID, t.ProjectID)
	return t.ID, nil
}

const taskSelectColumns = `id, project_id, created_at, valid_from, valid_to, lifecycle, confidence,
	       evidence_type, evidence_quality, source_id, activation_count, last_activation_at,
	       labile_until, version, importance, tags,
	       content, status, phase, priority, plan, due_at, assignee, effort_estimate`

func scanTask(row rowScanner) (*record.Task, error) {
	var t record.Task
	var tags, status, phase, priority, plan, lifecycle, evidenceType string
	var validTo, lastActivation, labileUntil, dueAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.ProjectID, &t.CreatedAt, &t.ValidFrom, &validTo, &lifecycle, &t.Confidence,
		&evidenceType, &t.EvidenceQuality, &t.SourceID, &t.ActivationCount, &lastActivation,
		&labileUntil, &t.Version, &t.Importance, &tags,
		&t.Content, &status, &phase, &priority, &plan, &dueAt, &t.Assignee, &t.EffortEstimate,
	)
	if err != nil {
		return nil, err
	}
	t.Lifecycle = record.Lifecycle(lifecycle)
	t.EvidenceType = record.EvidenceType(evidenceType)
	t.Tags = unmarshalTags(tags)
	t.Status = record.TaskStatus(status)
	t.Phase = record.TaskPhase(phase)
	t.Priority = record.TaskPriority(priority)
	_ = json.Unmarshal([]byte(plan), &t.Plan)
	if validTo.Valid {
		t.ValidTo = &validTo.Time
	}
	if lastActivation.Valid {
		t.LastActivationAt = &lastActivation.Time
	}
	if labileUntil.Valid {
		t.LabileUntil = &labileUntil.Time
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.Time
	}
	return &t, nil
}

// GetTask fetches a Task by id.
func (s *RecordStore) GetTask(ctx context.Context, id string) (*record.Task, error) {
	const op = "RecordStore.GetTask"
	row := s.h.DB().QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("task %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return t, nil
}

// UpdateTaskStatus moves a Task through its own status/phase machine, which
// is independent of the shared Envelope.Lifecycle DAG.
func (s *RecordStore) UpdateTaskStatus(ctx context.Context, id string, status record.TaskStatus, phase record.TaskPhase) error {
	const op = "RecordStore.UpdateTaskStatus"
	_, err := s.h.DB().ExecContext(ctx, `UPDATE tasks SET status = ?, phase = ? WHERE id = ?`, string(status), string(phase), id)
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	logging.Record("task %s -> status=%s phase=%s", id, status, phase)
	return nil
}

// ScopeTasks returns every Task in project matching the lifecycle filter.
func (s *RecordStore) ScopeTasks(ctx context.Context, projectID string, lifecycles []record.Lifecycle) ([]*record.Task, error) {
	const op = "RecordStore.ScopeTasks"
	query := `SELECT ` + taskSelectColumns + ` FROM tasks WHERE project_id = ?`
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

	var out []*record.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
