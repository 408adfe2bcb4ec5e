package substrate

import (
	"database/sql"
	"fmt"

	"memoryengine/internal/logging"
)

// CurrentSchemaVersion tracks the highest migration applied. Bumped whenever
// a new entry is appended to pendingMigrations.
//
// Migrations are a declarative, idempotent, forward-only list of column
// additions, applied with tableExists/columnExists guards so re-running on
// an already-migrated database is a no-op.
const CurrentSchemaVersion = 1

// Migration describes one idempotent column addition.
type Migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []Migration{
	// Schema version 1 already matches the tables created in schema.go. This
	// list is where future additive columns land without touching
	// createTables; entries older than one major version get folded into the
	// base schema.
}

// RunMigrations applies pendingMigrations idempotently.
func RunMigrations(db *sql.DB) error {
	for _, m := range pendingMigrations {
		exists, err := tableExists(db, m.Table)
		if err != nil {
			return fmt.Errorf("check table %s: %w", m.Table, err)
		}
		if !exists {
			continue
		}
		has, err := columnExists(db, m.Table, m.Column)
		if err != nil {
			return fmt.Errorf("check column %s.%s: %w", m.Table, m.Column, err)
		}
		if has {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.Table, m.Column, err)
		}
		logging.Substrate("migration applied: %s.%s", m.Table, m.Column)
	}
	return nil
}

func tableExists(db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
