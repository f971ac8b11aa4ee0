package vizfeed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitat-sh/hab-auto-build/internal/graph"
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

func TestBuildRendersNodesAndTypedEdges(t *testing.T) {
	zlib := plan("core", "zlib")
	app := plan("core", "app", "core/zlib")
	g, err := graph.Build([]*types.PlanRecord{zlib, app})
	require.NoError(t, err)

	f := Build(g)
	require.Len(t, f.Nodes, 2)
	require.Len(t, f.Edges, 1)
	assert.Equal(t, "runtime", f.Edges[0].Kind)
}

func TestBuildMarksScaffoldingEdgeKind(t *testing.T) {
	studio := plan("core", "studio")
	app := plan("core", "app")
	dep, err := ident.Parse("core/studio")
	require.NoError(t, err)
	app.ScaffoldingDep = &types.DepRef{Raw: "core/studio", Ident: dep, Resolved: true}

	g, err := graph.Build([]*types.PlanRecord{studio, app})
	require.NoError(t, err)
	f := Build(g)
	require.Len(t, f.Edges, 1)
	assert.Equal(t, "scaffolding", f.Edges[0].Kind)
}

func TestEdgeViewMarshalsAsThreeElementArray(t *testing.T) {
	b, err := json.Marshal(edgeView{From: 0, To: 1, Kind: "build"})
	require.NoError(t, err)
	assert.JSONEq(t, `[0, 1, "build"]`, string(b))
}

func TestHandlerServesData(t *testing.T) {
	zlib := plan("core", "zlib")
	app := plan("core", "app", "core/zlib")
	g, err := graph.Build([]*types.PlanRecord{zlib, app})
	require.NoError(t, err)

	h := Handler(func() (*graph.Graph, error) { return g, nil })

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Nodes []nodeView `json:"nodes"`
		Edges [][]any    `json:"edges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Nodes, 2)
	assert.Len(t, got.Edges, 1)
}

func TestHandlerServesIndexStub(t *testing.T) {
	g, err := graph.Build(nil)
	require.NoError(t, err)
	h := Handler(func() (*graph.Graph, error) { return g, nil })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/data")
}
