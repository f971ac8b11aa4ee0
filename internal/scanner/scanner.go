// Package scanner walks configured repositories to discover plan files,
// classifying each as native/ignored and handing back a flat list of
// candidate plan locations for the metadata extractor (C2) to process.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/habitat-sh/hab-auto-build/internal/config"
	"github.com/habitat-sh/hab-auto-build/internal/ident"
)

// planFileNames are the basenames recognized as a plan file. "habitat/plan.*"
// is matched separately since it names a subdirectory, not a basename.
var planFileNames = map[string]bool{
	"plan.sh":  true,
	"plan.ps1": true,
}

// Found is one discovered plan location, prior to metadata extraction.
type Found struct {
	RepoID      string
	PlanFile    string // absolute path to plan.sh/plan.ps1
	ContextPath string // directory containing PlanFile
	IsNative    bool
}

// Scan walks every configured repo and returns the plan files it finds,
// honoring .gitignore-style ignore files, native_packages and
// ignored_packages globs. File-system walks across repos run concurrently
// (bounded by jobs) since each repo's walk is independent; per spec.md §5
// this is the "embarrassingly parallel over plans" I/O the planning phase
// fans out.
func Scan(ctx context.Context, repos []config.RepoConfig, jobs int) ([]Found, error) {
	if jobs <= 0 {
		jobs = 1
	}
	results := make([][]Found, len(repos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			found, err := scanRepo(gctx, repo)
			if err != nil {
				return fmt.Errorf("scanning repo %q: %w", repo.ID, err)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Found
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].RepoID != all[j].RepoID {
			return all[i].RepoID < all[j].RepoID
		}
		return all[i].PlanFile < all[j].PlanFile
	})
	return all, nil
}

func scanRepo(ctx context.Context, repo config.RepoConfig) ([]Found, error) {
	ignoreMatcher, err := ident.LoadIgnoreFile(filepath.Join(repo.Source, ".gitignore"))
	if err != nil {
		return nil, err
	}

	var found []Found
	err = filepath.WalkDir(repo.Source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(repo.Source, path)
		if relErr != nil {
			return relErr
		}
		slashRel := filepath.ToSlash(rel)
		if slashRel != "." && ignoreMatcher.MatchesPath(slashRel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		if !isPlanFile(d.Name(), slashRel) {
			return nil
		}

		contextPath := filepath.Dir(path)
		contextRel := filepath.ToSlash(filepath.Dir(slashRel))

		if matchesAny(repo.IgnoredPackages, contextRel) {
			return nil
		}

		found = append(found, Found{
			RepoID:      repo.ID,
			PlanFile:    path,
			ContextPath: contextPath,
			IsNative:    matchesAny(repo.NativePackages, contextRel),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func isPlanFile(name, slashRel string) bool {
	if planFileNames[name] {
		return true
	}
	// habitat/plan.* — a plan nested under a "habitat" directory.
	dir := filepath.ToSlash(filepath.Dir(slashRel))
	if strings.HasSuffix(dir, "/habitat") || dir == "habitat" {
		return strings.HasPrefix(name, "plan.")
	}
	return false
}

func matchesAny(globs []string, path string) bool {
	for _, g := range globs {
		if MatchGlob(g, path) {
			return true
		}
	}
	return false
}
