package types

import "github.com/habitat-sh/hab-auto-build/internal/ident"

// ChangeReasonKind enumerates why a plan is considered dirty.
type ChangeReasonKind string

const (
	ReasonSourceModified     ChangeReasonKind = "source-modified"
	ReasonDependencyRebuilt  ChangeReasonKind = "dependency-rebuilt"
	ReasonManuallyAdded      ChangeReasonKind = "manually-added"
	ReasonArtifactMissing    ChangeReasonKind = "artifact-missing"
	ReasonConfigChanged      ChangeReasonKind = "config-changed"
	ReasonTimestampMismatch  ChangeReasonKind = "timestamp-mismatch"
)

// ChangeReason is one cause contributing to a plan's dirtiness, carrying a
// human-readable explanation for `changes --explain`.
type ChangeReason struct {
	Kind    ChangeReasonKind
	Detail  string // e.g. changed file paths, or the blocking dependency identifier
	Explain string
}

// ChangeEntry collects every reason a single plan is dirty. A plan with no
// entries is clean.
type ChangeEntry struct {
	PlanKey ident.Key
	Reasons []ChangeReason
}

// Dirty reports whether this plan has at least one change reason.
func (c *ChangeEntry) Dirty() bool { return len(c.Reasons) > 0 }

// HasKind reports whether this entry already carries a reason of kind k.
func (c *ChangeEntry) HasKind(k ChangeReasonKind) bool {
	for _, r := range c.Reasons {
		if r.Kind == k {
			return true
		}
	}
	return false
}

// SolelyManuallyAdded reports whether ManuallyAdded is the only reason this
// plan is dirty, used by the `remove` command's refusal rule (P6): removing
// a plan whose only dirtiness is an explicit `add` never blocks a
// dependent's removal.
func (c *ChangeEntry) SolelyManuallyAdded() bool {
	return len(c.Reasons) == 1 && c.Reasons[0].Kind == ReasonManuallyAdded
}
