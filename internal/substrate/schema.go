package substrate

import (
	"database/sql"
	"fmt"

	"memoryengine/internal/logging"
)

// createTables creates the nine record tables plus the lexical shadow
// index. Ordering is create-then-migrate-then-index so migrations can add
// columns before indexes that reference them are built.
func (h *Handle) createTables() error {
	tables := []string{
		projectsTable,
		eventsTable,
		factsTable,
		proceduresTable,
		tasksTable,
		entitiesTable,
		relationsTable,
		patternsTable,
		consolidationRunsTable,
		contentFTSTable,
	}
	for _, ddl := range tables {
		if _, err := h.db.Exec(ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (h *Handle) createPostMigrationIndexes() error {
	idx := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_scope ON events(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_lifecycle ON events(project_id, lifecycle)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_scope ON facts(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_lifecycle ON facts(project_id, lifecycle)`,
		`CREATE INDEX IF NOT EXISTS idx_procedures_scope ON procedures(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_procedures_lifecycle ON procedures(project_id, lifecycle)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lifecycle ON tasks(project_id, lifecycle)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_scope ON entities(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_lifecycle ON entities(project_id, lifecycle)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_scope ON relations(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_lifecycle ON relations(project_id, lifecycle)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_entity)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_entity)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_scope ON patterns(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_lifecycle ON patterns(project_id, lifecycle)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON consolidation_runs(project_id, started_at)`,
	}
	for _, stmt := range idx {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// EnvelopeColumns are the columns every per-kind table shares; record.Envelope
// maps onto exactly these.
const envelopeColumns = `
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	valid_from DATETIME NOT NULL,
	valid_to DATETIME,
	lifecycle TEXT NOT NULL DEFAULT 'active',
	confidence REAL NOT NULL DEFAULT 0,
	evidence_type TEXT NOT NULL DEFAULT 'observed',
	evidence_quality REAL NOT NULL DEFAULT 0,
	source_id TEXT,
	activation_count INTEGER NOT NULL DEFAULT 0,
	last_activation_at DATETIME,
	labile_until DATETIME,
	labile_dirty INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	importance REAL NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]'
`

const projectsTable = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL
);`

var eventsTable = `
CREATE TABLE IF NOT EXISTS events (` + envelopeColumns + `,
	session_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT 'ongoing',
	context TEXT NOT NULL DEFAULT '{}',
	embedding BLOB,
	needs_embedding INTEGER NOT NULL DEFAULT 0,
	file_path TEXT, symbol_name TEXT, language TEXT, diff TEXT,
	test_name TEXT, test_passed INTEGER, error_type TEXT
);`

var factsTable = `
CREATE TABLE IF NOT EXISTS facts (` + envelopeColumns + `,
	content TEXT NOT NULL DEFAULT '',
	memory_type TEXT NOT NULL DEFAULT 'fact',
	embedding BLOB,
	needs_embedding INTEGER NOT NULL DEFAULT 0,
	usefulness REAL NOT NULL DEFAULT 0
);`

var proceduresTable = `
CREATE TABLE IF NOT EXISTS procedures (` + envelopeColumns + `,
	name TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	trigger_pattern TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]',
	success_rate REAL NOT NULL DEFAULT 0,
	usage_count INTEGER NOT NULL DEFAULT 0,
	avg_duration_ms REAL NOT NULL DEFAULT 0,
	code TEXT, code_version INTEGER NOT NULL DEFAULT 0, code_confidence REAL NOT NULL DEFAULT 0
);`

var tasksTable = `
CREATE TABLE IF NOT EXISTS tasks (` + envelopeColumns + `,
	content TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	phase TEXT NOT NULL DEFAULT 'planning',
	priority TEXT NOT NULL DEFAULT 'medium',
	plan TEXT NOT NULL DEFAULT '[]',
	due_at DATETIME,
	assignee TEXT NOT NULL DEFAULT '',
	effort_estimate TEXT NOT NULL DEFAULT ''
);`

var entitiesTable = `
CREATE TABLE IF NOT EXISTS entities (` + envelopeColumns + `,
	name TEXT NOT NULL DEFAULT '',
	entity_type TEXT NOT NULL DEFAULT '',
	attributes TEXT NOT NULL DEFAULT '{}'
);`

var relationsTable = `
CREATE TABLE IF NOT EXISTS relations (` + envelopeColumns + `,
	from_entity TEXT NOT NULL,
	to_entity TEXT NOT NULL,
	relation_type TEXT NOT NULL DEFAULT '',
	strength REAL NOT NULL DEFAULT 0,
	rel_valid_from DATETIME,
	rel_valid_to DATETIME
);`

var patternsTable = `
CREATE TABLE IF NOT EXISTS patterns (` + envelopeColumns + `,
	pattern_type TEXT NOT NULL DEFAULT 'event_sequence',
	content TEXT NOT NULL DEFAULT '',
	source_event_ids TEXT NOT NULL DEFAULT '[]',
	provenance TEXT NOT NULL DEFAULT '[]',
	support INTEGER NOT NULL DEFAULT 0,
	confidence_before_validation REAL NOT NULL DEFAULT 0,
	confidence_after_validation REAL NOT NULL DEFAULT 0
);`

const consolidationRunsTable = `
CREATE TABLE IF NOT EXISTS consolidation_runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	scored INTEGER NOT NULL DEFAULT 0,
	emitted INTEGER NOT NULL DEFAULT 0,
	conflicts_resolved INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);`

// contentFTSTable is the full-text index over record content. It is a plain
// shadow table, not an FTS5 virtual table: FTS5 support depends on a build
// tag neither mattn/go-sqlite3 nor modernc.org/sqlite enable by default.
// Ranking happens in retrieval.lexicalScore rather than via FTS5's bm25().
const contentFTSTable = `
CREATE TABLE IF NOT EXISTS content_index (
	record_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	project_id TEXT NOT NULL,
	content TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (record_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_content_index_scope ON content_index(project_id, kind);
`

// IndexContent upserts the lexical shadow index entry for a record. Called by
// store package writers whenever an event, fact, procedure, task, entity or
// pattern is inserted, and when event or fact content is updated.
func (h *Handle) IndexContent(recordID, kind, projectID, content string, updatedAt sql.NullTime) error {
	_, err := h.db.Exec(
		`INSERT INTO content_index (record_id, kind, project_id, content, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(record_id, kind) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		recordID, kind, projectID, content, updatedAt.Time,
	)
	if err != nil {
		logging.Get(logging.CategorySubstrate).Warn("IndexContent failed for %s/%s: %v", kind, recordID, err)
	}
	return err
}
