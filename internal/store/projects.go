package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
)

// Project is a lightweight tenant boundary: every record kind is scoped by
// ProjectID, and a Retriever/Consolidator/Scheduler run operates against
// exactly one project at a time.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// EnsureProject creates the project row if absent and returns its id,
// idempotent on name so repeated CLI invocations against the same project
// name don't create duplicates.
func (s *RecordStore) EnsureProject(ctx context.Context, name string) (string, error) {
	const op = "RecordStore.EnsureProject"
	if name == "" {
		return "", engerr.Invariantf(op, fmt.Errorf("name is required"))
	}

	var id string
	err := s.h.DB().QueryRowContext(ctx, `SELECT id FROM projects WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", engerr.Unavailablef(op, err)
	}

	id = newID()
	_, err = s.h.DB().ExecContext(ctx, `INSERT INTO projects (id, name, created_at) VALUES (?,?,?)`, id, name, time.Now().UTC())
	if err != nil {
		return "", engerr.Unavailablef(op, err)
	}
	logging.Record("created project %s (%s)", id, name)
	return id, nil
}

// ListProjects returns every project, oldest first. Used by the Scheduler's
// per-project tick loop.
func (s *RecordStore) ListProjects(ctx context.Context) ([]*Project, error) {
	const op = "RecordStore.ListProjects"
	rows, err := s.h.DB().QueryContext(ctx, `SELECT id, name, created_at FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetProject fetches a Project by id.
func (s *RecordStore) GetProject(ctx context.Context, id string) (*Project, error) {
	const op = "RecordStore.GetProject"
	var p Project
	err := s.h.DB().QueryRowContext(ctx, `SELECT id, name, created_at FROM projects WHERE id = ?`, id).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, engerr.NotFoundf(op, fmt.Errorf("project %s", id))
	}
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}
	return &p, nil
}
