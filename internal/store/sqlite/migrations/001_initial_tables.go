package migrations

import "database/sql"

// MigrateInitialTables creates the four persistent tables and their
// identifier indexes; the schema_version row is written by Run. Idempotent via IF NOT EXISTS so a
// partially-applied run (crash mid-DDL) is safe to retry.
func MigrateInitialTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS file_modifications (
	plan_context_path TEXT NOT NULL,
	file_path         TEXT NOT NULL,
	real_mtime        TEXT NOT NULL,
	alternate_mtime   TEXT NOT NULL,
	PRIMARY KEY (plan_context_path, file_path)
);

CREATE TABLE IF NOT EXISTS build_times (
	build_ident  TEXT PRIMARY KEY,
	duration_sec REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS artifact_contexts (
	hash        TEXT PRIMARY KEY,
	identifier  TEXT NOT NULL,
	context_blob TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifact_contexts_identifier
	ON artifact_contexts(identifier, created_at);

CREATE TABLE IF NOT EXISTS source_contexts (
	hash        TEXT PRIMARY KEY,
	identifier  TEXT NOT NULL,
	context_blob TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_source_contexts_identifier
	ON source_contexts(identifier, created_at);
`)
	return err
}
