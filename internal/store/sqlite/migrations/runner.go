// Package migrations lists the forward-only, numbered schema migrations
// for the sqlite backend, applied in order inside one transaction at
// startup (mirroring the teacher's migrations subpackage pattern).
package migrations

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the schema version this binary's migrations
// bring a fresh or up-to-date sqlite database to.
const CurrentSchemaVersion = 1

type step struct {
	version int
	apply   func(tx *sql.Tx) error
}

func ordered() []step {
	return []step{
		{version: 1, apply: MigrateInitialTables},
	}
}

// Run applies every migration newer than the stored schema_version, in
// order, inside one transaction, then records the new version.
func Run(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var stored int
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	switch err := row.Scan(&stored); err {
	case sql.ErrNoRows:
		stored = 0
	case nil:
		// fall through with stored set
	default:
		return fmt.Errorf("reading schema_version: %w", err)
	}

	if stored > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", stored, CurrentSchemaVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, s := range ordered() {
		if s.version <= stored {
			continue
		}
		if err := s.apply(tx); err != nil {
			return fmt.Errorf("applying migration %d: %w", s.version, err)
		}
	}

	if stored == 0 {
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("recording schema_version: %w", err)
		}
	} else if stored < CurrentSchemaVersion {
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("updating schema_version: %w", err)
		}
	}

	return tx.Commit()
}
