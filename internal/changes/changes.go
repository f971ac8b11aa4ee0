// Package changes computes, for each discovered plan, the reasons (if
// any) it is considered dirty: modified source files, a missing or
// stale artifact, a rebuilt dependency, or a manual override.
package changes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/store"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// MtimeSource supplies the "current" timestamp for a file, abstracting
// over the filesystem-mtime (default) and VCS-commit-time (`-m git`)
// comparators spec.md §4.5 describes.
type MtimeSource interface {
	CurrentTimestamp(ctx context.Context, contextPath, filePath string) (time.Time, error)
}

// CannotRemoveDirtyError is returned when a `remove` request cannot be
// honored because one of the plan's own dependencies is still dirty for
// a reason other than its own ManuallyAdded override (P6): clearing the
// dirty reasons on a plan whose dependency has not yet rebuilt would
// leave it holding a stale artifact next to a freshly rebuilt one.
type CannotRemoveDirtyError struct {
	Plan        ident.Key
	BlockerDeps []ident.Key
}

func (e *CannotRemoveDirtyError) Error() string {
	return fmt.Sprintf("cannot remove %s/%s: depends on still-dirty %v", e.Plan.Origin, e.Plan.Name, e.BlockerDeps)
}

// Overrides carries the `add`/`remove` requests a planner invocation
// applies on top of the computed change reasons.
type Overrides struct {
	Add    map[ident.Key]bool
	Remove map[ident.Key]bool
}

// Compute derives a types.ChangeEntry for every node in g. Overrides are
// applied after the intrinsic reasons (file modification, artifact
// missing, dependency rebuilt) are computed, since `remove` must inspect
// the result of dependency propagation to decide whether it is honorable.
func Compute(ctx context.Context, st store.Store, g *graph.Graph, src MtimeSource, ov Overrides) (map[graph.NodeID]*types.ChangeEntry, error) {
	entries := make(map[graph.NodeID]*types.ChangeEntry, g.NodeCount())

	for n := 0; n < g.NodeCount(); n++ {
		id := graph.NodeID(n)
		rec := g.Node(id)
		entry := &types.ChangeEntry{PlanKey: rec.Key()}

		if rec.Unusable {
			entries[id] = entry
			continue
		}

		if err := addSourceModifiedReasons(ctx, st, src, rec, entry); err != nil {
			return nil, fmt.Errorf("checking source modifications for %s: %w", rec.ID, err)
		}

		if _, err := st.LatestArtifactContext(ctx, rec.ID.String()); err != nil {
			if err == store.ErrNotFound {
				entry.Reasons = append(entry.Reasons, types.ChangeReason{
					Kind:    types.ReasonArtifactMissing,
					Explain: "no recorded artifact context; this plan has never built successfully",
				})
			} else {
				return nil, fmt.Errorf("reading artifact context for %s: %w", rec.ID, err)
			}
		}

		if ov.Add[rec.Key()] {
			entry.Reasons = append(entry.Reasons, types.ChangeReason{
				Kind:    types.ReasonManuallyAdded,
				Explain: "explicitly requested via `hab add`",
			})
		}

		entries[id] = entry
	}

	// Dependency propagation needs every node's artifact state decided
	// first, so it runs as a second pass over the now-populated entries.
	for n := 0; n < g.NodeCount(); n++ {
		id := graph.NodeID(n)
		rec := g.Node(id)
		if rec.Unusable {
			continue
		}
		entry := entries[id]
		for _, e := range g.OutEdges(id) {
			dep := g.Node(e.To)
			depCtx, err := st.LatestArtifactContext(ctx, dep.ID.String())
			if err != nil {
				continue // dep itself is ArtifactMissing; that propagates on its own next run
			}
			ownCtx, err := st.LatestArtifactContext(ctx, rec.ID.String())
			if err != nil {
				continue // already ArtifactMissing for rec
			}
			if !depUsedHashMatches(ownCtx, dep.ID.String(), depCtx.Hash) {
				entry.Reasons = append(entry.Reasons, types.ChangeReason{
					Kind:    types.ReasonDependencyRebuilt,
					Detail:  dep.ID.String(),
					Explain: fmt.Sprintf("dependency %s has a new artifact since this plan's last build", dep.ID),
				})
			}
		}
	}

	if err := applyRemoveOverrides(g, entries, ov.Remove); err != nil {
		return nil, err
	}

	return entries, nil
}

// addSourceModifiedReasons compares every file under rec's context
// against its stored alternate_mtime, emitting one SourceModified reason
// naming every changed path (not one reason per file — spec.md's
// ChangeEntry carries SourceModified(paths), a single reason with a
// path list).
func addSourceModifiedReasons(ctx context.Context, st store.Store, src MtimeSource, rec *types.PlanRecord, entry *types.ChangeEntry) error {
	ignoreMatcher, err := ident.LoadIgnoreFile(rec.ContextPath + "/.gitignore")
	if err != nil {
		return err
	}
	files, err := ident.ListFiles(rec.ContextPath, ignoreMatcher)
	if err != nil {
		return err
	}

	stored, err := st.FileModificationsUnder(ctx, rec.ContextPath)
	if err != nil {
		return err
	}

	var changed []string
	for _, f := range files {
		current, err := src.CurrentTimestamp(ctx, rec.ContextPath, f)
		if err != nil {
			return fmt.Errorf("reading current timestamp for %s: %w", f, err)
		}
		row, ok := stored[f]
		if !ok || !row.AlternateMtime.Equal(current) {
			changed = append(changed, f)
		}
	}

	if len(changed) > 0 {
		entry.Reasons = append(entry.Reasons, types.ChangeReason{
			Kind:    types.ReasonSourceModified,
			Detail:  fmt.Sprintf("%v", changed),
			Explain: fmt.Sprintf("%d file(s) under %s changed since the last recorded build", len(changed), rec.ContextPath),
		})
	}
	return nil
}

func depUsedHashMatches(ctx store.ArtifactContext, depIdentifier, depHash string) bool {
	for _, used := range ctx.DepsUsed {
		if used == depIdentifier+"="+depHash {
			return true
		}
	}
	return false
}

// applyRemoveOverrides clears the dirty reasons on every plan named in
// remove, refusing when any plan it transitively depends on (not its
// dependents) is still dirty for a reason other than a sole ManuallyAdded
// override and not itself being removed in the same request. This is checked regardless of whether the plan being removed
// is itself currently dirty: P→Q with only Q's source touched leaves P
// with zero reasons of its own (its DependencyRebuilt reason only fires
// once Q actually produces a new artifact hash), but P still owes a
// rebuild against Q's eventual new artifact, so removing P now would be
// premature. The walk covers the full forward closure, not just direct
// dependencies, so a dirty grandparent-dependency reachable only
// transitively still blocks removal.
func applyRemoveOverrides(g *graph.Graph, entries map[graph.NodeID]*types.ChangeEntry, remove map[ident.Key]bool) error {
	for n := 0; n < g.NodeCount(); n++ {
		id := graph.NodeID(n)
		rec := g.Node(id)
		if !remove[rec.Key()] {
			continue
		}

		var blockers []ident.Key
		for dep := range g.ForwardClosure([]graph.NodeID{id}) {
			if dep == id {
				continue
			}
			depEntry := entries[dep]
			if depEntry.Dirty() && !depEntry.SolelyManuallyAdded() && !remove[g.Node(dep).Key()] {
				blockers = append(blockers, g.Node(dep).Key())
			}
		}
		if len(blockers) > 0 {
			sort.Slice(blockers, func(i, j int) bool {
				if blockers[i].Origin != blockers[j].Origin {
					return blockers[i].Origin < blockers[j].Origin
				}
				return blockers[i].Name < blockers[j].Name
			})
			return &CannotRemoveDirtyError{Plan: rec.Key(), BlockerDeps: blockers}
		}
		entries[id] = &types.ChangeEntry{PlanKey: rec.Key()}
	}
	return nil
}
