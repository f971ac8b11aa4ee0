package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/habitat-sh/hab-auto-build/internal/changes"
	"github.com/habitat-sh/hab-auto-build/internal/extractor"
	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/planner"
	"github.com/habitat-sh/hab-auto-build/internal/scanner"
	"github.com/habitat-sh/hab-auto-build/internal/types"
	"github.com/habitat-sh/hab-auto-build/internal/ui"
)

// discover runs C3 (scan) and C2 (extract) over every configured repo,
// printing a warning for each plan whose metadata extraction failed
// rather than aborting the whole invocation — one bad plan.sh never
// blocks discovery of the rest.
func discover(ctx context.Context) ([]*types.PlanRecord, error) {
	found, err := scanner.Scan(ctx, cfg.Repos, jobs)
	if err != nil {
		return nil, fmt.Errorf("scanning repos: %w", err)
	}

	repoRootFor := make(map[string]string, len(cfg.Repos))
	for _, r := range cfg.Repos {
		repoRootFor[r.ID] = r.Source
	}

	records := make([]*types.PlanRecord, 0, len(found))
	for _, f := range found {
		rec, err := extractor.Extract(ctx, repoRootFor[f.RepoID], f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			continue
		}
		ignoreMatcher, err := ident.LoadIgnoreFile(rec.ContextPath + "/.gitignore")
		if err != nil {
			return nil, fmt.Errorf("loading ignore file for %s: %w", rec.ID, err)
		}
		fp, err := ident.SourceFingerprint(rec.ContextPath, ignoreMatcher)
		if err != nil {
			return nil, fmt.Errorf("fingerprinting source for %s: %w", rec.ID, err)
		}
		rec.SourceFingerprint = fp
		records = append(records, rec)
	}
	return records, nil
}

// mtimeSourceFor resolves the -m/--mtime-source flag into the concrete
// changes.MtimeSource implementation.
func mtimeSourceFor(flag string) (changes.MtimeSource, error) {
	switch flag {
	case "", "fs":
		return changes.FilesystemSource{}, nil
	case "git":
		return changes.GitSource{RepoRoot: repoRoot}, nil
	default:
		return nil, fmt.Errorf("invalid --mtime-source %q (want fs or git)", flag)
	}
}

// planState is the output of a full planning pass, shared by build,
// check, and changes: everyone needs the graph, the change journal, and
// the dirty-set plan, they just act on it differently.
type planState struct {
	graph   *graph.Graph
	entries map[graph.NodeID]*types.ChangeEntry
	plan    *planner.Plan
}

func computePlan(ctx context.Context, selection []string, includeMissingDepsFirst bool) (*planState, error) {
	records, err := discover(ctx)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(records)
	if err != nil {
		return nil, err
	}
	for _, d := range g.Dangling {
		from := g.Node(d.From)
		fmt.Fprintf(os.Stderr, "warning: %s references undiscovered dependency %q\n", from.ID, d.Raw)
	}
	for _, e := range g.FeedbackEdges {
		fmt.Fprintf(os.Stderr, "warning: dependency cycle broken by dropping %s -> %s\n",
			g.Node(e.From).ID, g.Node(e.To).ID)
	}

	src, err := mtimeSourceFor(mtimeSource)
	if err != nil {
		return nil, err
	}
	overridesDoc, err := loadOverridesDoc()
	if err != nil {
		return nil, fmt.Errorf("loading overrides: %w", err)
	}
	entries, err := changes.Compute(ctx, st, g, src, overridesToKeys(overridesDoc))
	if err != nil {
		return nil, fmt.Errorf("computing change journal: %w", err)
	}

	p := planner.Build(g, entries, planner.Options{
		Selection:               selection,
		IncludeMissingDepsFirst: includeMissingDepsFirst,
	})
	for _, pat := range p.UnmatchedPatterns {
		fmt.Fprintf(os.Stderr, "warning: selection %q matched no discovered plan\n", pat)
	}

	return &planState{graph: g, entries: entries, plan: p}, nil
}

// explainReasons renders every dirty reason for a node, honoring the
// --explain flag's request for the human-readable detail spec.md's
// `changes --explain` names.
func explainReasons(entry *types.ChangeEntry) string {
	if entry == nil || !entry.Dirty() {
		return ""
	}
	out := ""
	for _, r := range entry.Reasons {
		out += fmt.Sprintf("\n    %s%s: %s", ui.TreeLast, r.Kind, r.Explain)
	}
	return out
}

// sortedIdentifiers renders node identifiers in a stable display order.
func sortedIdentifiers(g *graph.Graph, nodes []graph.NodeID) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = g.Node(n).ID.String()
	}
	sort.Strings(out)
	return out
}
