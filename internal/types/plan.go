// Package types defines the core data structures shared across HAB's
// discovery, graph, change-detection, and execution subsystems.
package types

import (
	"github.com/habitat-sh/hab-auto-build/internal/ident"
)

// DepKind classifies one edge of the dependency graph.
type DepKind string

const (
	DepRuntime     DepKind = "runtime"
	DepBuild       DepKind = "build"
	DepScaffolding DepKind = "scaffolding"
)

// DepRef is a dependency reference as it appears in extracted plan
// metadata: either it resolves to a known PlanRecord by identifier, or it
// remains an unresolved string naming a dependency this invocation's
// discovery pass never found.
type DepRef struct {
	Raw     string
	Ident   ident.Ident
	Resolved bool // true once Ident has been successfully parsed from Raw
}

// SourceRef is the optional upstream archive reference a plan declares.
type SourceRef struct {
	URL     string
	SHASum  string
}

// PlanRecord is the normalized, in-memory representation of one discovered
// plan. It is constructed fresh from C3/C2 on every invocation and never
// persisted directly.
type PlanRecord struct {
	ID     ident.Ident
	RepoID string

	ContextPath string
	PlanFile    string
	IsNative    bool

	Source SourceRef
	Licenses []string

	Deps           []DepRef
	BuildDeps      []DepRef
	ScaffoldingDep *DepRef

	SourceFingerprint ident.Digest

	// Unusable is set when metadata extraction failed for this plan
	// (ExtractorFailed). The plan is still recorded so duplicate-identity
	// and edge-dangling checks behave sanely, but it is never scheduled to
	// build.
	Unusable bool
	UnusableReason string
}

// Key is the discovery-time uniqueness key (origin, name) for this plan.
func (p *PlanRecord) Key() ident.Key { return p.ID.Key() }
