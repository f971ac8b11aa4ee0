package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

func plan(origin, name string, deps ...string) *types.PlanRecord {
	id, err := ident.Normalize(origin + "/" + name + "/1.0")
	if err != nil {
		panic(err)
	}
	rec := &types.PlanRecord{ID: id, RepoID: "core", ContextPath: "/repo/" + origin + "/" + name}
	for _, d := range deps {
		depID, err := ident.Parse(d)
		if err != nil {
			rec.Deps = append(rec.Deps, types.DepRef{Raw: d})
			continue
		}
		rec.Deps = append(rec.Deps, types.DepRef{Raw: d, Ident: depID, Resolved: true})
	}
	return rec
}

func TestBuildResolvesEdgesAndFlagsDangling(t *testing.T) {
	zlib := plan("core", "zlib")
	app := plan("core", "app", "core/zlib", "core/missing")

	g, err := Build([]*types.PlanRecord{zlib, app})
	require.NoError(t, err)
	require.Equal(t, 2, g.NodeCount())
	require.Len(t, g.Dangling, 1)
	assert.Equal(t, "core/missing", g.Dangling[0].Raw)

	appID, ok := g.Lookup(app.Key())
	require.True(t, ok)
	assert.Len(t, g.OutEdges(appID), 1)
}

func TestTopoOrderRespectsDependencies(t *testing.T) {
	a := plan("core", "a")
	b := plan("core", "b", "core/a")
	c := plan("core", "c", "core/b")

	g, err := Build([]*types.PlanRecord{c, b, a}) // deliberately out of order
	require.NoError(t, err)
	order := g.TopoOrder()
	require.Len(t, order, 3)

	pos := make(map[string]int)
	for i, n := range order {
		pos[g.Node(n).ID.Name] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestCycleIsBrokenAndReported(t *testing.T) {
	a := plan("core", "a", "core/b")
	b := plan("core", "b", "core/a")

	g, err := Build([]*types.PlanRecord{a, b})
	require.NoError(t, err)
	require.NotEmpty(t, g.FeedbackEdges, "a 2-cycle must produce at least one feedback edge")

	order := g.TopoOrder()
	assert.Len(t, order, 2, "topo order must still cover every node despite the cycle")
}

func TestReverseClosureIncludesTransitiveDependents(t *testing.T) {
	a := plan("core", "a")
	b := plan("core", "b", "core/a")
	c := plan("core", "c", "core/b")
	unrelated := plan("core", "unrelated")

	g, err := Build([]*types.PlanRecord{a, b, c, unrelated})
	require.NoError(t, err)
	aID, _ := g.Lookup(a.Key())

	rc := g.ReverseClosure([]NodeID{aID})
	assert.True(t, rc[aID])
	bID, _ := g.Lookup(b.Key())
	cID, _ := g.Lookup(c.Key())
	assert.True(t, rc[bID])
	assert.True(t, rc[cID])

	uID, _ := g.Lookup(unrelated.Key())
	assert.False(t, rc[uID])
}

func TestBuildRejectsDuplicatePlanIdentity(t *testing.T) {
	a1 := plan("core", "zlib")
	a1.ContextPath = "/repo/core/zlib-native"
	a2 := plan("core", "zlib")
	a2.ContextPath = "/repo/core/zlib-vendored"

	_, err := Build([]*types.PlanRecord{a1, a2})
	require.Error(t, err)
	var dup *DuplicatePlanIdentityError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "core", dup.Origin)
	assert.Equal(t, "zlib", dup.Name)
}

func TestForwardClosureIncludesTransitiveDependencies(t *testing.T) {
	a := plan("core", "a")
	b := plan("core", "b", "core/a")
	c := plan("core", "c", "core/b")

	g, err := Build([]*types.PlanRecord{a, b, c})
	require.NoError(t, err)
	cID, _ := g.Lookup(c.Key())

	fc := g.ForwardClosure([]NodeID{cID})
	aID, _ := g.Lookup(a.Key())
	bID, _ := g.Lookup(b.Key())
	assert.True(t, fc[aID])
	assert.True(t, fc[bID])
	assert.True(t, fc[cID])
}
