package changes

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// FilesystemSource is the default MtimeSource: a file's current
// timestamp is its on-disk modification time.
type FilesystemSource struct{}

func (FilesystemSource) CurrentTimestamp(_ context.Context, contextPath, filePath string) (time.Time, error) {
	info, err := os.Stat(filepath.Join(contextPath, filePath))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// GitSource is the `-m git` comparator: a file's current timestamp is
// the commit time of the last commit that touched it. No Go git library
// in the example corpus offers "last commit time for one path" without
// pulling in a full git object-model library, so this shells out to the
// git binary the way a VCS-sourced mtime comparator naturally would.
type GitSource struct {
	RepoRoot string
}

func (g GitSource) CurrentTimestamp(ctx context.Context, contextPath, filePath string) (time.Time, error) {
	abs := filepath.Join(contextPath, filePath)
	rel, err := filepath.Rel(g.RepoRoot, abs)
	if err != nil {
		return time.Time{}, err
	}

	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%cI", "--", rel)
	cmd.Dir = g.RepoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return time.Time{}, fmt.Errorf("git log for %s: %w: %s", rel, err, stderr.String())
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		// File exists but has no commit touching it yet (e.g. staged,
		// not committed). Fall back to its filesystem mtime.
		info, err := os.Stat(abs)
		if err != nil {
			return time.Time{}, err
		}
		return info.ModTime(), nil
	}
	return time.Parse(time.RFC3339, out)
}

// Sync rewrites every file's on-disk mtime under contextPath to equal
// its last commit time, then returns the map of (file, commit-time)
// pairs for the caller to persist as the new alternate_mtime — the
// `git-sync` command's full effect (spec.md §4.5 point 1).
func Sync(ctx context.Context, repoRoot, contextPath string, files []string) (map[string]time.Time, error) {
	src := GitSource{RepoRoot: repoRoot}
	out := make(map[string]time.Time, len(files))
	for _, f := range files {
		when, err := src.CurrentTimestamp(ctx, contextPath, f)
		if err != nil {
			return nil, fmt.Errorf("syncing mtime for %s: %w", f, err)
		}
		abs := filepath.Join(contextPath, f)
		if err := os.Chtimes(abs, when, when); err != nil {
			return nil, fmt.Errorf("setting mtime for %s: %w", f, err)
		}
		out[f] = when
	}
	return out, nil
}
