// Package planner derives the set of plans to rebuild from a user
// selection and the change journal: the dirty set is closed under
// reverse dependency, so no plan is ever rebuilt without also rebuilding
// everything that depends on it.
package planner

import (
	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/scanner"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// Options controls one planning pass.
type Options struct {
	// Selection is a list of globs over plan identifiers
	// (origin/name[/version]). An empty selection means "all plans".
	Selection []string

	// IncludeMissingDepsFirst requests forward_closure(S) be folded into
	// the selection before intersecting with the change journal, so that
	// `build` can bring up missing dependencies of an explicitly selected
	// plan even if the operator never named them (spec.md §4.7 point 3).
	IncludeMissingDepsFirst bool
}

// Plan is the result of one planning pass: the dirty set, in
// dependency-respecting build order.
type Plan struct {
	// Selected is every node matched directly by the selection (S).
	Selected map[graph.NodeID]bool

	// Order is the dirty set in topological order, ready for C8 to
	// dispatch in sequence honoring dependency edges.
	Order []graph.NodeID

	// UnmatchedPatterns is a diagnostic list of selection patterns that
	// matched no identifier in the graph — an operator typo, surfaced
	// rather than silently ignored.
	UnmatchedPatterns []string
}

// Build computes the dirty set for one planning pass: S = plans matched
// by the selection, D = plans with at least one change reason, dirty set
// = reverse_closure(S ∩ D) ∪ (S ∩ D), restricted-and-ordered by
// g.TopoOrder(). When opts.IncludeMissingDepsFirst is set, S is widened
// to forward_closure(S) before intersecting with D.
func Build(g *graph.Graph, entries map[graph.NodeID]*types.ChangeEntry, opts Options) *Plan {
	selected, unmatched := matchSelection(g, opts.Selection)

	s := selected
	if opts.IncludeMissingDepsFirst {
		s = g.ForwardClosure(nodeIDs(selected))
	}

	intersection := make(map[graph.NodeID]bool)
	for n := range s {
		if entries[n] != nil && entries[n].Dirty() {
			intersection[n] = true
		}
	}

	dirty := g.ReverseClosure(nodeIDs(intersection))

	order := make([]graph.NodeID, 0, len(dirty))
	for _, n := range g.TopoOrder() {
		if dirty[n] {
			order = append(order, n)
		}
	}

	return &Plan{
		Selected:          selected,
		Order:             order,
		UnmatchedPatterns: unmatched,
	}
}

// matchSelection resolves a list of identifier globs into matched
// NodeIDs. An empty selection matches every node ("all plans"). A
// pattern contributing zero matches is reported back so the caller can
// warn about likely typos.
func matchSelection(g *graph.Graph, patterns []string) (map[graph.NodeID]bool, []string) {
	matched := make(map[graph.NodeID]bool)
	if len(patterns) == 0 {
		for n := 0; n < g.NodeCount(); n++ {
			matched[graph.NodeID(n)] = true
		}
		return matched, nil
	}

	var unmatched []string
	for _, pat := range patterns {
		hit := false
		for n := 0; n < g.NodeCount(); n++ {
			id := graph.NodeID(n)
			if scanner.MatchGlob(pat, g.Node(id).ID.String()) {
				matched[id] = true
				hit = true
			}
		}
		if !hit {
			unmatched = append(unmatched, pat)
		}
	}
	return matched, unmatched
}

func nodeIDs(set map[graph.NodeID]bool) []graph.NodeID {
	out := make([]graph.NodeID, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}
