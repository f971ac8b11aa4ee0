// Package dolt implements store.Store on top of an embedded Dolt
// database accessed in-process through its embedded database/sql driver
// (github.com/dolthub/driver), using Dolt's MySQL-compatible SQL dialect.
// Every CommitBuild transaction becomes a Dolt commit, so the store's
// history doubles as "what did the state look like before this build."
package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	embedded "github.com/dolthub/driver"

	"github.com/habitat-sh/hab-auto-build/internal/lockfile"
	"github.com/habitat-sh/hab-auto-build/internal/store"
	"github.com/habitat-sh/hab-auto-build/internal/store/dolt/migrations"
)

const timestampFormat = time.RFC3339Nano

const database = "hab"

// Config configures Open.
type Config struct {
	Path           string
	CommitterName  string
	CommitterEmail string
}

// Store implements store.Store over an embedded Dolt database. Every
// successful CommitBuild ends with a Dolt commit, giving operators a
// full history of state transitions, not just the current snapshot.
type Store struct {
	db        *sql.DB
	connector *embedded.Connector
	lock      *lockfile.Lock
	closed    atomic.Bool
}

// Open creates the database directory if absent, acquires the
// single-writer advisory lock (embedded Dolt's own internal LOCK file is
// not sufficient protection against two hab processes racing), runs
// pending migrations, and returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if info, err := os.Stat(cfg.Path); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("dolt store path %q is a file, not a directory", cfg.Path)
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating dolt store directory: %w", err)
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving dolt store path: %w", err)
	}

	lock, err := lockfile.Acquire(filepath.Join(absPath, ".hab-store.lock"))
	if err != nil {
		return nil, fmt.Errorf("acquiring store lock: %w", err)
	}

	committerName, committerEmail := cfg.CommitterName, cfg.CommitterEmail
	if committerName == "" {
		committerName = "hab"
	}
	if committerEmail == "" {
		committerEmail = "hab@localhost"
	}

	initDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s", absPath, committerName, committerEmail)
	if err := withConnection(ctx, initDSN, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database))
		return err
	}); err != nil {
		lock.Release()
		return nil, fmt.Errorf("creating dolt database: %w", err)
	}

	dbDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s&database=%s", absPath, committerName, committerEmail, database)
	openCfg, err := embedded.ParseDSN(dbDSN)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("parsing dolt dsn: %w", err)
	}
	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("opening dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		connector.Close()
		lock.Release()
		return nil, fmt.Errorf("pinging dolt database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		connector.Close()
		lock.Release()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, connector: connector, lock: lock}, nil
}

func withConnection(ctx context.Context, dsn string, fn func(context.Context, *sql.DB) error) error {
	cfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return err
	}
	connector, err := embedded.NewConnector(cfg)
	if err != nil {
		return err
	}
	defer connector.Close()
	db := sql.OpenDB(connector)
	defer db.Close()
	return fn(ctx, db)
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.db.Close()
	if cerr := s.connector.Close(); err == nil {
		err = cerr
	}
	s.lock.Release()
	return err
}

func (s *Store) FileModification(ctx context.Context, contextPath, filePath string) (store.FileModification, error) {
	var fm store.FileModification
	var real, alt string
	row := s.db.QueryRowContext(ctx,
		"SELECT real_mtime, alternate_mtime FROM file_modifications WHERE plan_context_path = ? AND file_path = ?",
		contextPath, filePath)
	if err := row.Scan(&real, &alt); err != nil {
		if err == sql.ErrNoRows {
			return fm, store.ErrNotFound
		}
		return fm, err
	}
	fm.PlanContextPath, fm.FilePath = contextPath, filePath
	var err error
	if fm.RealMtime, err = time.Parse(timestampFormat, real); err != nil {
		return fm, fmt.Errorf("parsing real_mtime: %w", err)
	}
	if fm.AlternateMtime, err = time.Parse(timestampFormat, alt); err != nil {
		return fm, fmt.Errorf("parsing alternate_mtime: %w", err)
	}
	return fm, nil
}

func (s *Store) FileModificationsUnder(ctx context.Context, contextPath string) (map[string]store.FileModification, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT file_path, real_mtime, alternate_mtime FROM file_modifications WHERE plan_context_path = ?",
		contextPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]store.FileModification)
	for rows.Next() {
		var fp, real, alt string
		if err := rows.Scan(&fp, &real, &alt); err != nil {
			return nil, err
		}
		fm := store.FileModification{PlanContextPath: contextPath, FilePath: fp}
		if fm.RealMtime, err = time.Parse(timestampFormat, real); err != nil {
			return nil, fmt.Errorf("parsing real_mtime for %s: %w", fp, err)
		}
		if fm.AlternateMtime, err = time.Parse(timestampFormat, alt); err != nil {
			return nil, fmt.Errorf("parsing alternate_mtime for %s: %w", fp, err)
		}
		out[fp] = fm
	}
	return out, rows.Err()
}

func (s *Store) LatestArtifactContext(ctx context.Context, planIdentifier string) (store.ArtifactContext, error) {
	var hash, blob string
	row := s.db.QueryRowContext(ctx,
		"SELECT hash, context_blob FROM artifact_contexts WHERE identifier = ? ORDER BY created_at DESC LIMIT 1",
		planIdentifier)
	if err := row.Scan(&hash, &blob); err != nil {
		if err == sql.ErrNoRows {
			return store.ArtifactContext{}, store.ErrNotFound
		}
		return store.ArtifactContext{}, err
	}
	var ac store.ArtifactContext
	if err := json.Unmarshal([]byte(blob), &ac); err != nil {
		return ac, fmt.Errorf("decoding artifact context blob: %w", err)
	}
	ac.Hash, ac.Identifier = hash, planIdentifier
	return ac, nil
}

func (s *Store) LatestSourceContext(ctx context.Context, planIdentifier string) (store.SourceContext, error) {
	var hash, blob string
	row := s.db.QueryRowContext(ctx,
		"SELECT hash, context_blob FROM source_contexts WHERE identifier = ? ORDER BY created_at DESC LIMIT 1",
		planIdentifier)
	if err := row.Scan(&hash, &blob); err != nil {
		if err == sql.ErrNoRows {
			return store.SourceContext{}, store.ErrNotFound
		}
		return store.SourceContext{}, err
	}
	var sc store.SourceContext
	if err := json.Unmarshal([]byte(blob), &sc); err != nil {
		return sc, fmt.Errorf("decoding source context blob: %w", err)
	}
	sc.Hash, sc.Identifier = hash, planIdentifier
	return sc, nil
}

func (s *Store) BuildTime(ctx context.Context, buildIdent string) (store.BuildTime, error) {
	var bt store.BuildTime
	bt.BuildIdent = buildIdent
	row := s.db.QueryRowContext(ctx, "SELECT duration_sec FROM build_times WHERE build_ident = ?", buildIdent)
	if err := row.Scan(&bt.DurationSec); err != nil {
		if err == sql.ErrNoRows {
			return bt, store.ErrNotFound
		}
		return bt, err
	}
	return bt, nil
}

func (s *Store) SyncMtimes(ctx context.Context, contextPath string, alternate map[string]time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for filePath, when := range alternate {
		if _, err := tx.ExecContext(ctx,
			"UPDATE file_modifications SET alternate_mtime = ? WHERE plan_context_path = ? AND file_path = ?",
			when.Format(timestampFormat), contextPath, filePath); err != nil {
			return fmt.Errorf("syncing mtime for %s: %w", filePath, err)
		}
	}
	return tx.Commit()
}

func (s *Store) CommitBuild(ctx context.Context, commit store.PlanCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, fm := range commit.Files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_modifications (plan_context_path, file_path, real_mtime, alternate_mtime)
			 VALUES (?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE real_mtime = VALUES(real_mtime), alternate_mtime = VALUES(alternate_mtime)`,
			fm.PlanContextPath, fm.FilePath,
			fm.RealMtime.Format(timestampFormat), fm.AlternateMtime.Format(timestampFormat)); err != nil {
			return fmt.Errorf("upserting file_modifications for %s: %w", fm.FilePath, err)
		}
	}

	artifactBlob, err := json.Marshal(commit.Artifact)
	if err != nil {
		return fmt.Errorf("encoding artifact context: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO artifact_contexts (hash, identifier, context_blob, created_at) VALUES (?, ?, ?, ?)",
		commit.Artifact.Hash, commit.PlanIdentifier, string(artifactBlob), time.Now().Format(timestampFormat)); err != nil {
		return fmt.Errorf("inserting artifact_contexts: %w", err)
	}

	sourceBlob, err := json.Marshal(commit.Source)
	if err != nil {
		return fmt.Errorf("encoding source context: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO source_contexts (hash, identifier, context_blob, created_at) VALUES (?, ?, ?, ?)",
		commit.Source.Hash, commit.PlanIdentifier, string(sourceBlob), time.Now().Format(timestampFormat)); err != nil {
		return fmt.Errorf("inserting source_contexts: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO build_times (build_ident, duration_sec) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE duration_sec = VALUES(duration_sec)`,
		commit.BuildIdent, commit.DurationSec); err != nil {
		return fmt.Errorf("upserting build_times: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Dolt commit: every successful post-build transaction becomes a
	// point in the store's own version history.
	_, err = s.db.ExecContext(ctx,
		"CALL DOLT_COMMIT('-A', '-m', ?)",
		fmt.Sprintf("hab: commit build %s", commit.BuildIdent))
	return err
}
