// Package migrations lists the forward-only, numbered schema migrations
// for the dolt backend. Dolt DDL auto-commits per statement (it has no
// transactional DDL the way sqlite does), so migrations here are applied
// directly and must be idempotent rather than wrapped in one transaction.
package migrations

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the schema version this binary's migrations
// bring a fresh or up-to-date dolt database to.
const CurrentSchemaVersion = 1

type step struct {
	version int
	apply   func(db *sql.DB) error
}

func ordered() []step {
	return []step{
		{version: 1, apply: MigrateInitialTables},
	}
}

// Run applies every migration newer than the stored schema_version.
func Run(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INT NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var stored int
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	switch err := row.Scan(&stored); err {
	case sql.ErrNoRows:
		stored = 0
	case nil:
	default:
		return fmt.Errorf("reading schema_version: %w", err)
	}

	if stored > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", stored, CurrentSchemaVersion)
	}

	for _, s := range ordered() {
		if s.version <= stored {
			continue
		}
		if err := s.apply(db); err != nil {
			return fmt.Errorf("applying migration %d: %w", s.version, err)
		}
	}

	if stored == 0 {
		_, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion)
		return err
	}
	if stored < CurrentSchemaVersion {
		_, err := db.Exec(`UPDATE schema_version SET version = ?`, CurrentSchemaVersion)
		return err
	}
	return nil
}
