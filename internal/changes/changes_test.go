package changes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/store"
	"github.com/habitat-sh/hab-auto-build/internal/store/sqlite"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

func mkPlan(t *testing.T, root, origin, name string, deps ...string) *types.PlanRecord {
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

func openStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "hab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFreshPlanIsArtifactMissing(t *testing.T) {
	root := t.TempDir()
	rec := mkPlan(t, root, "core", "zlib")
	g, err := graph.Build([]*types.PlanRecord{rec})
	require.NoError(t, err)
	st := openStore(t)

	entries, err := Compute(context.Background(), st, g, FilesystemSource{}, Overrides{})
	require.NoError(t, err)

	id, _ := g.Lookup(rec.Key())
	assert.True(t, entries[id].HasKind(types.ReasonArtifactMissing))
}

func TestCleanPlanAfterCommit(t *testing.T) {
	root := t.TempDir()
	rec := mkPlan(t, root, "core", "zlib")
	g, err := graph.Build([]*types.PlanRecord{rec})
	require.NoError(t, err)
	st := openStore(t)
	ctx := context.Background()

	info, err := os.Stat(rec.PlanFile)
	require.NoError(t, err)

	require.NoError(t, st.CommitBuild(ctx, store.PlanCommit{
		PlanIdentifier: rec.ID.String(),
		BuildIdent:     rec.ID.String() + "/1",
		Files: []store.FileModification{
			{PlanContextPath: rec.ContextPath, FilePath: "plan.sh", RealMtime: info.ModTime(), AlternateMtime: info.ModTime()},
		},
		Artifact: store.ArtifactContext{Hash: "h1"},
		Source:   store.SourceContext{Hash: "h1"},
	}))

	entries, err := Compute(ctx, st, g, FilesystemSource{}, Overrides{})
	require.NoError(t, err)
	id, _ := g.Lookup(rec.Key())
	assert.False(t, entries[id].Dirty())
}

func TestSourceModifiedDetected(t *testing.T) {
	root := t.TempDir()
	rec := mkPlan(t, root, "core", "zlib")
	g, err := graph.Build([]*types.PlanRecord{rec})
	require.NoError(t, err)
	st := openStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, st.CommitBuild(ctx, store.PlanCommit{
		PlanIdentifier: rec.ID.String(),
		BuildIdent:     rec.ID.String() + "/1",
		Files: []store.FileModification{
			{PlanContextPath: rec.ContextPath, FilePath: "plan.sh", RealMtime: past, AlternateMtime: past},
		},
		Artifact: store.ArtifactContext{Hash: "h1"},
		Source:   store.SourceContext{Hash: "h1"},
	}))

	// Touch the file so its mtime now differs from the stored alternate_mtime.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(rec.PlanFile, future, future))

	entries, err := Compute(ctx, st, g, FilesystemSource{}, Overrides{})
	require.NoError(t, err)
	id, _ := g.Lookup(rec.Key())
	assert.True(t, entries[id].HasKind(types.ReasonSourceModified))
}

func TestManuallyAddedReason(t *testing.T) {
	root := t.TempDir()
	rec := mkPlan(t, root, "core", "zlib")
	g, err := graph.Build([]*types.PlanRecord{rec})
	require.NoError(t, err)
	st := openStore(t)

	entries, err := Compute(context.Background(), st, g, FilesystemSource{}, Overrides{
		Add: map[ident.Key]bool{rec.Key(): true},
	})
	require.NoError(t, err)
	id, _ := g.Lookup(rec.Key())
	assert.True(t, entries[id].HasKind(types.ReasonManuallyAdded))
}

func TestRemoveNotBlockedByDirtyDependent(t *testing.T) {
	root := t.TempDir()
	a := mkPlan(t, root, "core", "a")
	b := mkPlan(t, root, "core", "b", "core/a")
	g, err := graph.Build([]*types.PlanRecord{a, b})
	require.NoError(t, err)
	st := openStore(t) // neither plan has ever built -> both ArtifactMissing

	// a has no dependencies of its own, so it is removable even though
	// its dependent b is still dirty.
	entries, err := Compute(context.Background(), st, g, FilesystemSource{}, Overrides{
		Remove: map[ident.Key]bool{a.Key(): true},
	})
	require.NoError(t, err)
	aID, _ := g.Lookup(a.Key())
	assert.False(t, entries[aID].Dirty())
}

// TestRemoveRefusedWhenOwnDependencyDirty mirrors the scenario where P
// depends on Q and neither has ever built: `remove P` must be refused
// with Q named as the blocker (P is dirty and still owes a rebuild
// against a Q that is itself dirty), but removing Q on its own succeeds
// immediately, and removing both together succeeds since Q is then
// excluded as a blocker by the same request that clears it.
func TestRemoveRefusedWhenOwnDependencyDirty(t *testing.T) {
	root := t.TempDir()
	q := mkPlan(t, root, "core", "q")
	p := mkPlan(t, root, "core", "p", "core/q")
	g, err := graph.Build([]*types.PlanRecord{p, q})
	require.NoError(t, err)
	st := openStore(t) // neither plan has ever built -> both ArtifactMissing
	ctx := context.Background()

	_, err = Compute(ctx, st, g, FilesystemSource{}, Overrides{
		Remove: map[ident.Key]bool{p.Key(): true},
	})
	require.Error(t, err)
	var cannotRemove *CannotRemoveDirtyError
	require.ErrorAs(t, err, &cannotRemove)
	assert.Equal(t, p.Key(), cannotRemove.Plan)
	require.Len(t, cannotRemove.BlockerDeps, 1)
	assert.Equal(t, q.Key(), cannotRemove.BlockerDeps[0])

	// Removing q alone succeeds: q has no dependencies of its own.
	entries, err := Compute(ctx, st, g, FilesystemSource{}, Overrides{
		Remove: map[ident.Key]bool{q.Key(): true},
	})
	require.NoError(t, err)
	qID, _ := g.Lookup(q.Key())
	assert.False(t, entries[qID].Dirty())

	// Removing both together succeeds since q is excluded as a blocker
	// by the same request that removes it.
	pID, _ := g.Lookup(p.Key())
	entries, err = Compute(ctx, st, g, FilesystemSource{}, Overrides{
		Remove: map[ident.Key]bool{p.Key(): true, q.Key(): true},
	})
	require.NoError(t, err)
	assert.False(t, entries[pID].Dirty())
	assert.False(t, entries[qID].Dirty())
}

// TestRemoveRefusedWhenDependencyDirtyButOwnerIsClean is the literal
// scenario named by spec.md §8 P6/Scenario 3: p→q, both have already
// built, and then only q's source is touched. p's own DependencyRebuilt
// reason does not fire until q actually produces a new artifact hash, so
// p reads clean on its own -- but `remove p` must still be refused,
// naming q as the blocker, because p still owes a rebuild against q's
// eventual new artifact.
func TestRemoveRefusedWhenDependencyDirtyButOwnerIsClean(t *testing.T) {
	root := t.TempDir()
	q := mkPlan(t, root, "core", "q")
	p := mkPlan(t, root, "core", "p", "core/q")
	g, err := graph.Build([]*types.PlanRecord{p, q})
	require.NoError(t, err)
	st := openStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, st.CommitBuild(ctx, store.PlanCommit{
		PlanIdentifier: q.ID.String(),
		BuildIdent:     q.ID.String() + "/1",
		Files: []store.FileModification{
			{PlanContextPath: q.ContextPath, FilePath: "plan.sh", RealMtime: past, AlternateMtime: past},
		},
		Artifact: store.ArtifactContext{Hash: "hq1"},
		Source:   store.SourceContext{Hash: "hq1"},
	}))
	require.NoError(t, st.CommitBuild(ctx, store.PlanCommit{
		PlanIdentifier: p.ID.String(),
		BuildIdent:     p.ID.String() + "/1",
		Files: []store.FileModification{
			{PlanContextPath: p.ContextPath, FilePath: "plan.sh", RealMtime: past, AlternateMtime: past},
		},
		Artifact: store.ArtifactContext{Hash: "hp1", DepsUsed: []string{q.ID.String() + "=hq1"}},
		Source:   store.SourceContext{Hash: "hp1"},
	}))

	// Touch only q's source; p's own files and recorded dependency hash
	// are untouched.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(q.PlanFile, future, future))

	entries, err := Compute(ctx, st, g, FilesystemSource{}, Overrides{})
	require.NoError(t, err)
	pID, _ := g.Lookup(p.Key())
	qID, _ := g.Lookup(q.Key())
	require.False(t, entries[pID].Dirty(), "p must read clean on its own until q actually rebuilds")
	require.True(t, entries[qID].HasKind(types.ReasonSourceModified))

	_, err = Compute(ctx, st, g, FilesystemSource{}, Overrides{
		Remove: map[ident.Key]bool{p.Key(): true},
	})
	require.Error(t, err)
	var cannotRemove *CannotRemoveDirtyError
	require.ErrorAs(t, err, &cannotRemove)
	assert.Equal(t, p.Key(), cannotRemove.Plan)
	require.Len(t, cannotRemove.BlockerDeps, 1)
	assert.Equal(t, q.Key(), cannotRemove.BlockerDeps[0])
}

// TestRemoveRefusedWhenGrandparentDependencyDirty guards the transitive
// half of the forward-closure walk: p depends on q, q depends on r, and
// only r's source has changed. Neither p nor q carry their own dirty
// reason yet, but `remove p` must still be refused with r named as the
// blocker even though r is not a direct dependency of p.
func TestRemoveRefusedWhenGrandparentDependencyDirty(t *testing.T) {
	root := t.TempDir()
	r := mkPlan(t, root, "core", "r")
	q := mkPlan(t, root, "core", "q", "core/r")
	p := mkPlan(t, root, "core", "p", "core/q")
	g, err := graph.Build([]*types.PlanRecord{p, q, r})
	require.NoError(t, err)
	st := openStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, st.CommitBuild(ctx, store.PlanCommit{
		PlanIdentifier: r.ID.String(),
		BuildIdent:     r.ID.String() + "/1",
		Files: []store.FileModification{
			{PlanContextPath: r.ContextPath, FilePath: "plan.sh", RealMtime: past, AlternateMtime: past},
		},
		Artifact: store.ArtifactContext{Hash: "hr1"},
		Source:   store.SourceContext{Hash: "hr1"},
	}))
	require.NoError(t, st.CommitBuild(ctx, store.PlanCommit{
		PlanIdentifier: q.ID.String(),
		BuildIdent:     q.ID.String() + "/1",
		Files: []store.FileModification{
			{PlanContextPath: q.ContextPath, FilePath: "plan.sh", RealMtime: past, AlternateMtime: past},
		},
		Artifact: store.ArtifactContext{Hash: "hq1", DepsUsed: []string{r.ID.String() + "=hr1"}},
		Source:   store.SourceContext{Hash: "hq1"},
	}))
	require.NoError(t, st.CommitBuild(ctx, store.PlanCommit{
		PlanIdentifier: p.ID.String(),
		BuildIdent:     p.ID.String() + "/1",
		Files: []store.FileModification{
			{PlanContextPath: p.ContextPath, FilePath: "plan.sh", RealMtime: past, AlternateMtime: past},
		},
		Artifact: store.ArtifactContext{Hash: "hp1", DepsUsed: []string{q.ID.String() + "=hq1"}},
		Source:   store.SourceContext{Hash: "hp1"},
	}))

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(r.PlanFile, future, future))

	entries, err := Compute(ctx, st, g, FilesystemSource{}, Overrides{})
	require.NoError(t, err)
	pID, _ := g.Lookup(p.Key())
	qID, _ := g.Lookup(q.Key())
	require.False(t, entries[pID].Dirty())
	require.False(t, entries[qID].Dirty())

	_, err = Compute(ctx, st, g, FilesystemSource{}, Overrides{
		Remove: map[ident.Key]bool{p.Key(): true},
	})
	require.Error(t, err)
	var cannotRemove *CannotRemoveDirtyError
	require.ErrorAs(t, err, &cannotRemove)
	assert.Equal(t, p.Key(), cannotRemove.Plan)
	require.Len(t, cannotRemove.BlockerDeps, 1)
	assert.Equal(t, r.Key(), cannotRemove.BlockerDeps[0])
}
