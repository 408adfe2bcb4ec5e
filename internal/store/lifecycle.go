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

// kindTable maps a record.Kind to its SQLite table name.
var kindTable = map[record.Kind]string{
	record.KindEvent:     "events",
	record.KindFact:      "facts",
	record.KindProcedure: "procedures",
	record.KindTask:      "tasks",
	record.KindEntity:    "entities",
	record.KindRelation:  "relations",
	record.KindPattern:   "patterns",
}

// allowedTransitions encodes the lifecycle DAG. The zero value
// (no entry) means "not a legal transition".
var allowedTransitions = map[record.Lifecycle]map[record.Lifecycle]bool{
	record.LifecycleActive: {
		record.LifecycleLabile:       true,
		record.LifecycleConsolidated: true,
		record.LifecycleNeedsReview:  true,
		record.LifecycleArchived:     true,
		record.LifecycleSuperseded:   true,
	},
	record.LifecycleLabile: {
		record.LifecycleActive:   true, // the one allowed reverse transition
		record.LifecycleArchived: true,
		record.LifecycleSuperseded: true,
	},
	record.LifecycleConsolidated: {
		record.LifecycleArchived:   true,
		record.LifecycleSuperseded: true,
	},
	record.LifecycleNeedsReview: {
		record.LifecycleArchived:   true,
		record.LifecycleSuperseded: true,
	},
}

// Transition enforces the lifecycle DAG. reason is persisted in
// the audit log, not on the record itself.
func (s *RecordStore) Transition(ctx context.Context, kind record.Kind, id string, newState record.Lifecycle, reason string) error {
	const op = "RecordStore.Transition"
	table, ok := kindTable[kind]
	if !ok {
		return engerr.Invariantf(op, fmt.Errorf("unknown kind %q", kind))
	}

	var cur record.Lifecycle
	err := s.h.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT lifecycle FROM %s WHERE id = ?`, table), id).Scan(&cur)
	if err == sql.ErrNoRows {
		return engerr.NotFoundf(op, fmt.Errorf("%s %s", kind, id))
	}
	if err != nil {
		return engerr.Unavailablef(op, err)
	}

	if cur == newState {
		return nil
	}
	if !allowedTransitions[cur][newState] {
		logging.Get(logging.CategoryRecord).Warn("illegal transition %s -> %s for %s %s", cur, newState, kind, id)
		return engerr.Invariantf(op, fmt.Errorf("illegal transition %s -> %s", cur, newState))
	}

	now := time.Now().UTC()
	var err2 error
	if newState == record.LifecycleLabile {
		return engerr.Invariantf(op, fmt.Errorf("labile is only entered via Activate"))
	}
	if cur == record.LifecycleLabile && newState == record.LifecycleActive {
		// Closing a reconsolidation window bumps version iff the record
		// was actually rewritten while labile.
		_, err2 = s.h.DB().ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET lifecycle = ?, labile_until = NULL, version = version + labile_dirty, labile_dirty = 0 WHERE id = ?`, table),
			newState, id)
	} else {
		_, err2 = s.h.DB().ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET lifecycle = ? WHERE id = ?`, table),
			newState, id)
	}
	if err2 != nil {
		return engerr.Unavailablef(op, err2)
	}

	if kind == record.KindEvent && newState == record.LifecycleArchived {
		s.recordArchivalOnPatterns(ctx, id, now)
	}

	logging.Record("%s %s transitioned %s -> %s (%s)", kind, id, cur, newState, reason)
	logging.Audit().RecordTransition(string(kind), id, string(cur), string(newState), reason, true)
	return nil
}

// recordArchivalOnPatterns annotates the provenance list of every Pattern
// that weakly references the archived Event: the Pattern survives, the
// archival is recorded. Best effort: a failure here never fails the
// transition itself.
func (s *RecordStore) recordArchivalOnPatterns(ctx context.Context, eventID string, at time.Time) {
	patterns, err := s.PatternsReferencingEvent(ctx, eventID)
	if err != nil {
		logging.RecordWarn("provenance sweep for archived event %s failed: %v", eventID, err)
		return
	}
	note := fmt.Sprintf("source_event_archived=%s at=%s", eventID, at.Format(time.RFC3339))
	for _, p := range patterns {
		if err := s.AppendPatternProvenance(ctx, p.ID, note); err != nil {
			logging.RecordWarn("provenance append on pattern %s failed: %v", p.ID, err)
		}
	}
}

// Activate increments activation_count, stamps last_activation_at, and — if
// the record is currently active — opens a reconsolidation window by
// transitioning it to labile. Returns the new lifecycle and
// labile_until (zero if not labile).
func (s *RecordStore) Activate(ctx context.Context, kind record.Kind, id string) (record.Lifecycle, time.Time, error) {
	const op = "RecordStore.Activate"
	table, ok := kindTable[kind]
	if !ok {
		return "", time.Time{}, engerr.Invariantf(op, fmt.Errorf("unknown kind %q", kind))
	}

	var cur record.Lifecycle
	err := s.h.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT lifecycle FROM %s WHERE id = ?`, table), id).Scan(&cur)
	if err == sql.ErrNoRows {
		return "", time.Time{}, engerr.NotFoundf(op, fmt.Errorf("%s %s", kind, id))
	}
	if err != nil {
		return "", time.Time{}, engerr.Unavailablef(op, err)
	}

	now := time.Now().UTC()
	newState := cur
	var labileUntil time.Time

	if cur == record.LifecycleActive {
		newState = record.LifecycleLabile
		labileUntil = now.Add(s.ReconsolidationWindow)
		_, err = s.h.DB().ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET lifecycle = ?, labile_until = ?, labile_dirty = 0, activation_count = activation_count + 1, last_activation_at = ? WHERE id = ?`, table),
			newState, labileUntil, now, id)
	} else {
		_, err = s.h.DB().ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET activation_count = activation_count + 1, last_activation_at = ? WHERE id = ?`, table),
			now, id)
		if cur == record.LifecycleLabile {
			_ = s.h.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT labile_until FROM %s WHERE id = ?`, table), id).Scan(&labileUntil)
		}
	}
	if err != nil {
		return "", time.Time{}, engerr.Unavailablef(op, err)
	}

	logging.Record("%s %s activated (lifecycle=%s)", kind, id, newState)
	logging.Audit().RecordActivate(string(kind), id)
	return newState, labileUntil, nil
}

// CloseExpiredReconsolidationWindows transitions every labile record whose
// labile_until has passed back to active (invoked by the Scheduler each tick
// and by the Consolidator closing a cohort). version is incremented iff the
// record was actually rewritten during the window, tracked by labile_dirty.
func (s *RecordStore) CloseExpiredReconsolidationWindows(ctx context.Context, projectID string) (int, error) {
	const op = "RecordStore.CloseExpiredReconsolidationWindows"
	now := time.Now().UTC()
	total := 0
	for _, table := range kindTable {
		res, err := s.h.DB().ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET lifecycle = 'active', labile_until = NULL, version = version + labile_dirty, labile_dirty = 0
			             WHERE project_id = ? AND lifecycle = 'labile' AND labile_until IS NOT NULL AND labile_until <= ?`, table),
			projectID, now)
		if err != nil {
			return total, engerr.Unavailablef(op, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// Supersede transitions loser to superseded with a source_id back-pointer to
// the surviving record; for arbiter resolutions the pointer runs
// loser -> winner.
func (s *RecordStore) Supersede(ctx context.Context, kind record.Kind, loserID, winnerID, reason string) error {
	const op = "RecordStore.Supersede"
	table, ok := kindTable[kind]
	if !ok {
		return engerr.Invariantf(op, fmt.Errorf("unknown kind %q", kind))
	}
	if err := s.Transition(ctx, kind, loserID, record.LifecycleSuperseded, reason); err != nil {
		return err
	}
	_, err := s.h.DB().ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET source_id = ? WHERE id = ?`, table), winnerID, loserID)
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	return nil
}

// Delete hard-deletes an archived record older than RetentionHorizon. All
// other removals are lifecycle transitions.
func (s *RecordStore) Delete(ctx context.Context, kind record.Kind, id string) error {
	const op = "RecordStore.Delete"
	table, ok := kindTable[kind]
	if !ok {
		return engerr.Invariantf(op, fmt.Errorf("unknown kind %q", kind))
	}

	var lifecycle record.Lifecycle
	var createdAt time.Time
	err := s.h.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT lifecycle, created_at FROM %s WHERE id = ?`, table), id).Scan(&lifecycle, &createdAt)
	if err == sql.ErrNoRows {
		return engerr.NotFoundf(op, fmt.Errorf("%s %s", kind, id))
	}
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	if lifecycle != record.LifecycleArchived {
		return engerr.Invariantf(op, fmt.Errorf("only archived records may be hard-deleted, got %s", lifecycle))
	}
	if time.Since(createdAt) < s.RetentionHorizon {
		return engerr.Invariantf(op, fmt.Errorf("record has not reached retention horizon"))
	}

	if kind == record.KindEntity {
		return s.deleteEntityCascade(ctx, id)
	}

	_, err = s.h.DB().ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return engerr.Unavailablef(op, err)
	}
	_, _ = s.h.DB().ExecContext(ctx, `DELETE FROM content_index WHERE record_id = ? AND kind = ?`, id, string(kind))
	logging.Audit().RecordDelete(string(kind), id, true)
	return nil
}
