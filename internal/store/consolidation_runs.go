package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"memoryengine/internal/engerr"
)

// ConsolidationRun is the persisted summary of one Consolidator pass.
type ConsolidationRun struct {
	ID                string
	ProjectID         string
	Strategy          string
	StartedAt         time.Time
	FinishedAt        *time.Time
	Scored            int
	Emitted           int
	ConflictsResolved int
	DurationMs        int64
}

// StartConsolidationRun inserts the run row at the moment a Consolidator
// pass begins, so a crash mid-run still leaves an auditable, unfinished row.
func (s *RecordStore) StartConsolidationRun(ctx context.Context, projectID, strategy string) (string, error) {
	const op = "RecordStore.StartConsolidationRun"
	id := newID()
	now := time.Now().UTC()
	_, err := s.h.DB().ExecContext(ctx,
		`INSERT INTO consolidation_runs (id, project_id, strategy, started_at) VALUES (?,?,?,?)`,
		id, projectID, strategy, now)
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	return id, nil
}

// FinishConsolidationRun stamps the terminal counters once a pass completes
// so the next run's sampling stage sees what this one already swept.
func (s *RecordStore) FinishConsolidationRun(ctx context.Context, id string, scored, emitted, conflictsResolved int, duration time.Duration) error {
	const op = "RecordStore.FinishConsolidationRun"
	now := time.Now().UTC()
	_, err := s.h.DB().ExecContext(ctx,
		`UPDATE consolidation_runs SET finished_at = ?, scored = ?, emitted = ?, conflicts_resolved = ?, duration_ms = ? WHERE id = ?`,
		now, scored, emitted, conflictsResolved, duration.Milliseconds(), id)
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	return nil
}

// GetConsolidationRun fetches a run summary by id.
func (s *RecordStore) GetConsolidationRun(ctx context.Context, id string) (*ConsolidationRun, error) {
	const op = "RecordStore.GetConsolidationRun"
	var r ConsolidationRun
	var finishedAt sql.NullTime
	err := s.h.DB().QueryRowContext(ctx,
		`SELECT id, project_id, strategy, started_at, finished_at, scored, emitted, conflicts_resolved, duration_ms
		 FROM consolidation_runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.ProjectID, &r.Strategy, &r.StartedAt, &finishedAt, &r.Scored, &r.Emitted, &r.ConflictsResolved, &r.DurationMs)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("consolidation run %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

// LastConsolidationRun returns the most recently started run for a project,
// used by the Scheduler's idle-detection gate.
func (s *RecordStore) LastConsolidationRun(ctx context.Context, projectID string) (*ConsolidationRun, error) {
	const op = "RecordStore.LastConsolidationRun"
	var r ConsolidationRun
	var finishedAt sql.NullTime
	err := s.h.DB().QueryRowContext(ctx,
		`SELECT id, project_id, strategy, started_at, finished_at, scored, emitted, conflicts_resolved, duration_ms
		 FROM consolidation_runs WHERE project_id = ? ORDER BY started_at DESC LIMIT 1`, projectID,
	).Scan(&r.ID, &r.ProjectID, &r.Strategy, &r.StartedAt, &finishedAt, &r.Scored, &r.Emitted, &r.ConflictsResolved, &r.DurationMs)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("no consolidation runs for project %s", projectID))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}
