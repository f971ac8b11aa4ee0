// Package graph builds the cross-repo dependency graph over discovered
// plans and computes topological order, reverse/forward closures, and a
// feedback-arc set for any cycles the graph contains.
//
// Nodes are stored in a slice and referenced by integer handle (NodeID),
// never by pointer — arena-indexed, so the graph has no pointer cycles
// even when the dependency relationships it models do.
package graph

import (
	"fmt"
	"sort"

	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// NodeID is an arena index into Graph.nodes.
type NodeID int

// Edge is one typed dependency relationship, (from, to) being NodeIDs.
type Edge struct {
	From NodeID
	To   NodeID
	Kind types.DepKind
}

// DanglingDependency records a dependency reference that never resolved
// to a discovered plan. It is a warning, not an error: the referencing
// plan is still scheduled, treated as a leaf for that edge.
type DanglingDependency struct {
	From NodeID
	Raw  string
	Kind types.DepKind
}

// Graph is the arena-indexed dependency graph over one discovery pass's
// PlanRecords.
type Graph struct {
	nodes    []*types.PlanRecord
	keyIndex map[ident.Key]NodeID

	out [][]Edge // out[n] = edges leaving node n
	in  [][]Edge // in[n]  = edges entering node n

	Dangling      []DanglingDependency
	FeedbackEdges []Edge // edges removed to break cycles, reported to operators
}

// Node returns the PlanRecord for id.
func (g *Graph) Node(id NodeID) *types.PlanRecord { return g.nodes[id] }

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// Lookup returns the NodeID for a plan key, if discovered.
func (g *Graph) Lookup(k ident.Key) (NodeID, bool) {
	id, ok := g.keyIndex[k]
	return id, ok
}

// OutEdges returns the edges leaving id.
func (g *Graph) OutEdges(id NodeID) []Edge { return g.out[id] }

// InEdges returns the edges entering id.
func (g *Graph) InEdges(id NodeID) []Edge { return g.in[id] }

// DuplicatePlanIdentityError is returned when two plans in the same
// discovery pass resolve to the same (origin, name) identity. Unlike a
// dangling dependency, this is not recoverable: the graph cannot say
// which of the two plans a dependency reference on that identity means,
// so Build refuses to proceed.
type DuplicatePlanIdentityError struct {
	Origin, Name  string
	First, Second string
}

func (e *DuplicatePlanIdentityError) Error() string {
	return fmt.Sprintf("duplicate plan identity %s/%s found at %s and %s", e.Origin, e.Name, e.First, e.Second)
}

// Build constructs a Graph from a discovery pass's plan records. Every
// dep reference that fails to resolve to a discovered (origin, name) is
// recorded in Dangling rather than rejected. Two records sharing an
// (origin, name) identity is fatal: see DuplicatePlanIdentityError.
func Build(records []*types.PlanRecord) (*Graph, error) {
	g := &Graph{
		keyIndex: make(map[ident.Key]NodeID, len(records)),
	}
	for _, r := range records {
		if existing, ok := g.keyIndex[r.Key()]; ok {
			prev := g.nodes[existing]
			return nil, &DuplicatePlanIdentityError{
				Origin: r.ID.Origin,
				Name:   r.ID.Name,
				First:  prev.ContextPath,
				Second: r.ContextPath,
			}
		}
		id := NodeID(len(g.nodes))
		g.nodes = append(g.nodes, r)
		g.keyIndex[r.Key()] = id
	}
	g.out = make([][]Edge, len(g.nodes))
	g.in = make([][]Edge, len(g.nodes))

	for i, r := range g.nodes {
		from := NodeID(i)
		addEdges(g, from, r.Deps, types.DepRuntime)
		addEdges(g, from, r.BuildDeps, types.DepBuild)
		if r.ScaffoldingDep != nil {
			addEdges(g, from, []types.DepRef{*r.ScaffoldingDep}, types.DepScaffolding)
		}
	}

	g.FeedbackEdges = breakCycles(g)
	return g, nil
}

func addEdges(g *Graph, from NodeID, refs []types.DepRef, kind types.DepKind) {
	for _, ref := range refs {
		to, ok := NodeID(0), false
		if ref.Resolved {
			to, ok = g.keyIndex[ref.Ident.Key()]
		}
		if !ok {
			g.Dangling = append(g.Dangling, DanglingDependency{From: from, Raw: ref.Raw, Kind: kind})
			continue
		}
		e := Edge{From: from, To: to, Kind: kind}
		g.out[from] = append(g.out[from], e)
		g.in[to] = append(g.in[to], e)
	}
}

func edgeLess(g *Graph, a, b Edge) bool {
	fa, fb := g.nodes[a.From].ID.String(), g.nodes[b.From].ID.String()
	if fa != fb {
		return fa < fb
	}
	return g.nodes[a.To].ID.String() < g.nodes[b.To].ID.String()
}

// breakCycles repeatedly finds a strongly-connected component of size
// greater than one (or a self-loop), removes its lexicographically
// smallest edge, and repeats until the graph induced by the remaining
// edges is acyclic. This approximates the original's
// petgraph::algo::greedy_feedback_arc_set heuristic: exact minimum
// feedback-arc-set is NP-hard, so both implementations settle for a
// greedy approximation, breaking ties by edge order.
func breakCycles(g *Graph) []Edge {
	var removed []Edge
	removedSet := make(map[Edge]bool)

	for {
		sccs := tarjanSCCs(g, removedSet)
		var target []NodeID
		for _, scc := range sccs {
			if len(scc) > 1 {
				target = scc
				break
			}
			for _, e := range g.out[scc[0]] {
				if e.To == scc[0] && !removedSet[e] {
					target = scc
				}
			}
			if target != nil {
				break
			}
		}
		if target == nil {
			break
		}
		inSCC := make(map[NodeID]bool, len(target))
		for _, n := range target {
			inSCC[n] = true
		}

		var candidates []Edge
		for _, n := range target {
			for _, e := range g.out[n] {
				if removedSet[e] {
					continue
				}
				if inSCC[e.To] {
					candidates = append(candidates, e)
				}
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return edgeLess(g, candidates[i], candidates[j]) })
		victim := candidates[0]
		removedSet[victim] = true
		removed = append(removed, victim)
	}
	return removed
}

// tarjanSCCs computes strongly connected components over the graph with
// removed edges excluded, using an iterative (non-recursive) Tarjan's
// algorithm to avoid stack depth limits on large graphs.
func tarjanSCCs(g *Graph, removed map[Edge]bool) [][]NodeID {
	n := len(g.nodes)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []NodeID
	var sccs [][]NodeID
	counter := 0

	type frame struct {
		node    NodeID
		edgeIdx int
	}

	for start := NodeID(0); start < NodeID(n); start++ {
		if index[start] != -1 {
			continue
		}
		var call []frame
		call = append(call, frame{node: start, edgeIdx: 0})
		index[start] = counter
		lowlink[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(call) > 0 {
			top := &call[len(call)-1]
			v := top.node
			edges := g.out[v]
			advanced := false
			for top.edgeIdx < len(edges) {
				e := edges[top.edgeIdx]
				top.edgeIdx++
				if removed[e] {
					continue
				}
				w := e.To
				if index[w] == -1 {
					index[w] = counter
					lowlink[w] = counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					call = append(call, frame{node: w, edgeIdx: 0})
					advanced = true
					break
				} else if onStack[w] {
					if index[w] < lowlink[v] {
						lowlink[v] = index[w]
					}
				}
			}
			if advanced {
				continue
			}
			// done with v
			call = call[:len(call)-1]
			if len(call) > 0 {
				parent := &call[len(call)-1]
				if lowlink[v] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[v]
				}
			}
			if lowlink[v] == index[v] {
				var scc []NodeID
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					scc = append(scc, w)
					if w == v {
						break
					}
				}
				sccs = append(sccs, scc)
			}
		}
	}
	return sccs
}

// acyclicOutEdges returns the out-edges of id excluding FeedbackEdges.
func (g *Graph) acyclicOutEdges(id NodeID) []Edge {
	if len(g.FeedbackEdges) == 0 {
		return g.out[id]
	}
	removed := make(map[Edge]bool, len(g.FeedbackEdges))
	for _, e := range g.FeedbackEdges {
		removed[e] = true
	}
	out := make([]Edge, 0, len(g.out[id]))
	for _, e := range g.out[id] {
		if !removed[e] {
			out = append(out, e)
		}
	}
	return out
}

// TopoOrder returns every node in topological order over the DAG induced
// by removing FeedbackEdges (Kahn's algorithm). Ties among ready nodes
// are broken by node index, for determinism.
func (g *Graph) TopoOrder() []NodeID {
	removed := make(map[Edge]bool, len(g.FeedbackEdges))
	for _, e := range g.FeedbackEdges {
		removed[e] = true
	}

	indegree := make([]int, len(g.nodes))
	for id := range g.nodes {
		for _, e := range g.in[id] {
			if !removed[e] {
				indegree[id]++
			}
		}
	}

	var ready []NodeID
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, NodeID(id))
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var order []NodeID
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, e := range g.acyclicOutEdges(n) {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	return order
}

// ReverseClosure returns every node transitively depending on any seed
// (plans that would need rebuilding if a seed changes), including the
// seeds themselves.
func (g *Graph) ReverseClosure(seeds []NodeID) map[NodeID]bool {
	return closure(seeds, func(n NodeID) []NodeID {
		edges := g.in[n]
		next := make([]NodeID, len(edges))
		for i, e := range edges {
			next[i] = e.From
		}
		return next
	})
}

// ForwardClosure returns every node any seed transitively depends on,
// including the seeds themselves.
func (g *Graph) ForwardClosure(seeds []NodeID) map[NodeID]bool {
	return closure(seeds, func(n NodeID) []NodeID {
		edges := g.out[n]
		next := make([]NodeID, len(edges))
		for i, e := range edges {
			next[i] = e.To
		}
		return next
	})
}

func closure(seeds []NodeID, neighbors func(NodeID) []NodeID) map[NodeID]bool {
	visited := make(map[NodeID]bool, len(seeds))
	var queue []NodeID
	for _, s := range seeds {
		if !visited[s] {
			visited[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range neighbors(n) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}
