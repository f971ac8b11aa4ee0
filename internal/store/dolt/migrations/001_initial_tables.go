package migrations

import "database/sql"

// MigrateInitialTables creates the four persistent tables using Dolt's
// MySQL-compatible dialect. Idempotent via IF NOT EXISTS.
func MigrateInitialTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS file_modifications (
			plan_context_path VARCHAR(4096) NOT NULL,
			file_path         VARCHAR(4096) NOT NULL,
			real_mtime        VARCHAR(64) NOT NULL,
			alternate_mtime   VARCHAR(64) NOT NULL,
			PRIMARY KEY (plan_context_path, file_path)
		)`,
		`CREATE TABLE IF NOT EXISTS build_times (
			build_ident  VARCHAR(512) PRIMARY KEY,
			duration_sec DOUBLE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_contexts (
			hash         VARCHAR(128) PRIMARY KEY,
			identifier   VARCHAR(512) NOT NULL,
			context_blob JSON NOT NULL,
			created_at   VARCHAR(64) NOT NULL,
			INDEX idx_artifact_contexts_identifier (identifier, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS source_contexts (
			hash         VARCHAR(128) PRIMARY KEY,
			identifier   VARCHAR(512) NOT NULL,
			context_blob JSON NOT NULL,
			created_at   VARCHAR(64) NOT NULL,
			INDEX idx_source_contexts_identifier (identifier, created_at)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
