// Package vizfeed serves the dependency graph as JSON for the (externally
// hosted) graph-visualization static asset bundle: spec.md §6's "local
// HTTP endpoint serves /data" requirement, C13 in SPEC_FULL.md.
package vizfeed

import (
	"encoding/json"
	"net/http"

	"github.com/habitat-sh/hab-auto-build/internal/graph"
)

// nodeView is one node of the /data response: just enough of the plan
// identifier for the arc-diagram frontend to label and group by origin.
type nodeView struct {
	Ident identView `json:"ident"`
}

type identView struct {
	Origin  string `json:"origin"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// edgeView is one DepEdge rendered as [srcIndex, tgtIndex, kind]. Unlike
// the original implementation's bug (noted in spec.md §9, resolved in
// SPEC_FULL.md §3), Kind carries the edge's own "runtime"|"build"|
// "scaffolding" string rather than a second node-index lookup.
type edgeView struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Kind string `json:"kind"`
}

// MarshalJSON renders an edgeView as the three-element array spec.md §6
// describes: [src_idx, tgt_idx, dep_type].
func (e edgeView) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{e.From, e.To, e.Kind})
}

// feed is the full /data response body.
type feed struct {
	Nodes         []nodeView `json:"nodes"`
	Edges         []edgeView `json:"edges"`
	FeedbackEdges []edgeView `json:"feedback_edges"`
}

// Build renders g into the /data response shape.
func Build(g *graph.Graph) feed {
	f := feed{Nodes: make([]nodeView, g.NodeCount())}
	for i := 0; i < g.NodeCount(); i++ {
		id := g.Node(graph.NodeID(i)).ID
		f.Nodes[i] = nodeView{Ident: identView{Origin: id.Origin, Name: id.Name, Version: id.Version}}
		for _, e := range g.OutEdges(graph.NodeID(i)) {
			f.Edges = append(f.Edges, edgeView{From: int(e.From), To: int(e.To), Kind: string(e.Kind)})
		}
	}
	for _, e := range g.FeedbackEdges {
		f.FeedbackEdges = append(f.FeedbackEdges, edgeView{From: int(e.From), To: int(e.To), Kind: string(e.Kind)})
	}
	return f
}

// Handler returns the /data handler. graphFn is called fresh on every
// request rather than once at startup so `hab serve` reflects a rescan
// without requiring a restart.
func Handler(graphFn func() (*graph.Graph, error)) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		g, err := graphFn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(Build(g)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexStub))
	})
	return mux
}

// indexStub stands in for the embedded static asset bundle spec.md §1
// calls out of scope: the /data route is the in-scope contract, the
// arc-diagram frontend itself is an external collaborator.
const indexStub = `<!doctype html>
<html>
<head><title>hab dependency graph</title></head>
<body>
<p>Graph data is served at <a href="/data">/data</a>. The visualization
frontend is not bundled with this binary.</p>
</body>
</html>
`
