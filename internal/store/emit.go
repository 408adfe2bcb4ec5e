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

// EmitPattern persists a Consolidator-accepted Pattern and flips every source
// Event active -> consolidated in one transaction, so a failure mid-emission
// never leaves orphan Patterns or half-swept cohorts. Source Events that are
// not currently active (already consolidated by an overlapping cluster, or
// labile) are left as they are; the Pattern still references them.
//
// Evidence quality of swept Events gains the consolidation bonus inside the
// same transaction, so the quality a reader observes is never mid-derivation.
func (s *RecordStore) EmitPattern(ctx context.Context, p *record.Pattern) (string, error) {
	const op = "RecordStore.EmitPattern"
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
	p.Version = 1
	p.EvidenceQuality = record.DeriveEvidenceQuality(p.EvidenceType, p.ActivationCount, "", false)

	err := s.h.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
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
			return engerr.Unavailablef(op, err)
		}

		for _, eventID := range p.SourceEventIDs {
			res, err := tx.ExecContext(ctx,
				`UPDATE events SET lifecycle = ? WHERE id = ? AND lifecycle = ?`,
				string(record.LifecycleConsolidated), eventID, string(record.LifecycleActive))
			if err != nil {
				return engerr.Unavailablef(op, fmt.Errorf("sweep %s: %w", eventID, err))
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue // not active: left as it is
			}
			// Consolidation never decreases evidence_quality; the +0.1
			// bonus is applied once, clamped at 1.
			_, err = tx.ExecContext(ctx,
				`UPDATE events SET evidence_quality = MIN(1.0, evidence_quality + 0.1) WHERE id = ?`,
				eventID)
			if err != nil {
				return engerr.Unavailablef(op, fmt.Errorf("quality bonus %s: %w", eventID, err))
			}
			logging.Audit().RecordTransition(string(record.KindEvent), eventID,
				string(record.LifecycleActive), string(record.LifecycleConsolidated), "pattern_id="+p.ID, true)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	_ = s.h.IndexContent(p.ID, string(record.KindPattern), p.ProjectID, p.Content, sql.NullTime{Time: now, Valid: true})
	logging.Record("emitted pattern %s (%s, support=%d, sources=%d)", p.ID, p.PatternType, p.Support, len(p.SourceEventIDs))
	logging.Audit().RecordInsert(string(record.KindPattern), p.ID, true)
	return p.ID, nil
}

// CountUnconsolidatedEvents reports how many active Events a project has,
// used by the Scheduler's consolidation-threshold gate.
func (s *RecordStore) CountUnconsolidatedEvents(ctx context.Context, projectID string) (int, error) {
	const op = "RecordStore.CountUnconsolidatedEvents"
	var n int
	err := s.h.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE project_id = ? AND lifecycle = ?`,
		projectID, string(record.LifecycleActive)).Scan(&n)
	if err != nil {
		return 0, engerr.Unavailablef(op, err)
	}
	return n, nil
}

// LifecycleCounts returns per-lifecycle record counts across all kinds for a
// project, for the CLI health summary.
func (s *RecordStore) LifecycleCounts(ctx context.Context, projectID string) (map[record.Lifecycle]int, error) {
	const op = "RecordStore.LifecycleCounts"
	out := make(map[record.Lifecycle]int)
	for _, table := range kindTable {
		rows, err := s.h.DB().QueryContext(ctx,
			fmt.Sprintf(`SELECT lifecycle, COUNT(*) FROM %s WHERE project_id = ? GROUP BY lifecycle`, table),
			projectID)
		if err != nil {
			return nil, engerr.Unavailablef(op, err)
		}
		for rows.Next() {
			var lc string
			var n int
			if err := rows.Scan(&lc, &n); err != nil {
				continue
			}
			out[record.Lifecycle(lc)] += n
		}
		rows.Close()
	}
	return out, nil
}
