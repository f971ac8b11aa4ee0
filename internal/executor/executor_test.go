package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitat-sh/hab-auto-build/internal/changes"
	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/store/sqlite"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// planOnDisk is like plan but backs the record with a real directory
// containing a plan.sh, so C5's own file traversal (ident.ListFiles) has
// something to walk.
func planOnDisk(t *testing.T, root, origin, name string, deps ...string) *types.PlanRecord {
	t.Helper()
	dir := filepath.Join(root, origin, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.sh"), []byte("pkg_name="+name+"\n"), 0o644))

	id, err := ident.Normalize(origin + "/" + name + "/1.0")
	require.NoError(t, err)
	rec := &types.PlanRecord{ID: id, RepoID: origin, ContextPath: dir, PlanFile: filepath.Join(dir, "plan.sh")}
	for _, d := range deps {
		depID, err := ident.Parse(d)
		require.NoError(t, err)
		rec.Deps = append(rec.Deps, types.DepRef{Raw: d, Ident: depID, Resolved: true})
	}
	return rec
}

func plan(origin, name string, deps ...string) *types.PlanRecord {
	id, err := ident.Normalize(origin + "/" + name + "/1.0")
	if err != nil {
		panic(err)
	}
	rec := &types.PlanRecord{ID: id, RepoID: "core", ContextPath: "/repo/" + origin + "/" + name}
	for _, d := range deps {
		depID, err := ident.Parse(d)
		if err != nil {
			panic(err)
		}
		rec.Deps = append(rec.Deps, types.DepRef{Raw: d, Ident: depID, Resolved: true})
	}
	return rec
}

func fakeBuilder(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake builder fixture is POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-builder")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunBuildsInDependencyOrder(t *testing.T) {
	root := t.TempDir()
	a := planOnDisk(t, root, "core", "a")
	b := planOnDisk(t, root, "core", "b", "core/a")
	g, err := graph.Build([]*types.PlanRecord{a, b})
	require.NoError(t, err)

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "hab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	builder := fakeBuilder(t, "echo ok\nexit 0\n")
	e := New(Options{Jobs: 2, BuilderBinary: builder}, g, st)

	results, err := e.Run(context.Background(), g.TopoOrder())
	require.NoError(t, err)

	aID, _ := g.Lookup(a.Key())
	bID, _ := g.Lookup(b.Key())
	assert.Equal(t, StatusBuilt, results[aID].Status)
	assert.Equal(t, StatusBuilt, results[bID].Status)
}

func TestFailureSkipsReverseDependents(t *testing.T) {
	root := t.TempDir()
	a := planOnDisk(t, root, "core", "a")
	b := planOnDisk(t, root, "core", "b", "core/a")
	c := planOnDisk(t, root, "core", "c", "core/b")
	unrelated := planOnDisk(t, root, "core", "unrelated")
	g, err := graph.Build([]*types.PlanRecord{a, b, c, unrelated})
	require.NoError(t, err)

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "hab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	aID, _ := g.Lookup(a.Key())
	bID, _ := g.Lookup(b.Key())
	cID, _ := g.Lookup(c.Key())
	uID, _ := g.Lookup(unrelated.Key())

	builder := fakeBuilder(t, `case "$1" in
  *"/core/a") exit 1 ;;
  *) exit 0 ;;
esac
`)
	e := New(Options{Jobs: 2, BuilderBinary: builder}, g, st)

	results, err := e.Run(context.Background(), g.TopoOrder())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, results[aID].Status)
	assert.Equal(t, StatusSkipped, results[bID].Status)
	assert.Equal(t, StatusSkipped, results[cID].Status)
	assert.Equal(t, StatusBuilt, results[uID].Status)
}

func TestPostBuildCheckCanFailABuild(t *testing.T) {
	a := plan("core", "a")
	g, err := graph.Build([]*types.PlanRecord{a})
	require.NoError(t, err)

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "hab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	builder := fakeBuilder(t, "exit 0\n")
	e := New(Options{
		Jobs:          1,
		BuilderBinary: builder,
		Check: func(ctx context.Context, rec *types.PlanRecord, artifactDir string, depArtifacts map[string]string) (bool, error) {
			return true, nil
		},
	}, g, st)

	aID, _ := g.Lookup(a.Key())
	results, err := e.Run(context.Background(), g.TopoOrder())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results[aID].Status)
}

// TestSuccessfulBuildLeavesPlanCleanForNextRun drives a real build through
// CommitBuild and then re-runs C5's own change detection against the same
// store, guarding P3 (idempotence): a plan that just built must not be
// reported dirty again by the very next invocation.
func TestSuccessfulBuildLeavesPlanCleanForNextRun(t *testing.T) {
	root := t.TempDir()
	a := planOnDisk(t, root, "core", "a")
	g, err := graph.Build([]*types.PlanRecord{a})
	require.NoError(t, err)

	ignoreMatcher, err := ident.LoadIgnoreFile(a.ContextPath + "/.gitignore")
	require.NoError(t, err)
	fp, err := ident.SourceFingerprint(a.ContextPath, ignoreMatcher)
	require.NoError(t, err)
	a.SourceFingerprint = fp

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "hab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	builder := fakeBuilder(t, "exit 0\n")
	e := New(Options{Jobs: 1, BuilderBinary: builder}, g, st)

	aID, _ := g.Lookup(a.Key())
	results, err := e.Run(context.Background(), g.TopoOrder())
	require.NoError(t, err)
	require.Equal(t, StatusBuilt, results[aID].Status)

	entries, err := changes.Compute(context.Background(), st, g, changes.FilesystemSource{}, changes.Overrides{})
	require.NoError(t, err)
	assert.False(t, entries[aID].Dirty(), "a freshly built plan must read clean on the very next change computation")
}
