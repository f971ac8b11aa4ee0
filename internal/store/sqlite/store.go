// Package sqlite implements store.Store on top of a pure-Go, WASM-based
// SQLite engine, for single-user local invocations of hab.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/habitat-sh/hab-auto-build/internal/lockfile"
	"github.com/habitat-sh/hab-auto-build/internal/store"
	"github.com/habitat-sh/hab-auto-build/internal/store/sqlite/migrations"
)

const timestampFormat = time.RFC3339Nano

// Store implements store.Store over an embedded SQLite database,
// guarded by an advisory flock so two concurrent `hab build` invocations
// against the same state file fail fast rather than interleave writes.
type Store struct {
	db     *sql.DB
	lock   *lockfile.Lock
	closed atomic.Bool
}

// Open opens (creating if absent) the SQLite database at path, acquires
// the single-writer advisory lock, runs pending migrations, and returns
// a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	lock, err := lockfile.Acquire(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("acquiring store lock: %w", err)
	}

	connStr := "file:" + path + "?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		connStr = "file::memory:?cache=shared&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		lock.Release()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		lock.Release()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, lock: lock}, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.db.Close()
	s.lock.Release()
	return err
}

func (s *Store) FileModification(ctx context.Context, contextPath, filePath string) (store.FileModification, error) {
	var fm store.FileModification
	var real, alt string
	row := s.db.QueryRowContext(ctx,
		`SELECT real_mtime, alternate_mtime FROM file_modifications WHERE plan_context_path = ? AND file_path = ?`,
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
		`SELECT file_path, real_mtime, alternate_mtime FROM file_modifications WHERE plan_context_path = ?`,
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
	var hash, blob, createdAt string
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, context_blob, created_at FROM artifact_contexts WHERE identifier = ? ORDER BY created_at DESC LIMIT 1`,
		planIdentifier)
	if err := row.Scan(&hash, &blob, &createdAt); err != nil {
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
	var hash, blob, createdAt string
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, context_blob, created_at FROM source_contexts WHERE identifier = ? ORDER BY created_at DESC LIMIT 1`,
		planIdentifier)
	if err := row.Scan(&hash, &blob, &createdAt); err != nil {
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
	row := s.db.QueryRowContext(ctx, `SELECT duration_sec FROM build_times WHERE build_ident = ?`, buildIdent)
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
			`UPDATE file_modifications SET alternate_mtime = ? WHERE plan_context_path = ? AND file_path = ?`,
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
			 ON CONFLICT(plan_context_path, file_path) DO UPDATE SET
				real_mtime = excluded.real_mtime,
				alternate_mtime = excluded.alternate_mtime`,
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
		`INSERT INTO artifact_contexts (hash, identifier, context_blob, created_at) VALUES (?, ?, ?, ?)`,
		commit.Artifact.Hash, commit.PlanIdentifier, string(artifactBlob), time.Now().Format(timestampFormat)); err != nil {
		return fmt.Errorf("inserting artifact_contexts: %w", err)
	}

	sourceBlob, err := json.Marshal(commit.Source)
	if err != nil {
		return fmt.Errorf("encoding source context: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO source_contexts (hash, identifier, context_blob, created_at) VALUES (?, ?, ?, ?)`,
		commit.Source.Hash, commit.PlanIdentifier, string(sourceBlob), time.Now().Format(timestampFormat)); err != nil {
		return fmt.Errorf("inserting source_contexts: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO build_times (build_ident, duration_sec) VALUES (?, ?)
		 ON CONFLICT(build_ident) DO UPDATE SET duration_sec = excluded.duration_sec`,
		commit.BuildIdent, commit.DurationSec); err != nil {
		return fmt.Errorf("upserting build_times: %w", err)
	}

	return tx.Commit()
}
