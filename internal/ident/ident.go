// Package ident parses and normalizes plan identifiers and computes the
// content digests used to detect when a plan's sources or build inputs have
// changed.
package ident

import (
	"fmt"
	"strings"
)

// DynamicVersion is the sentinel version string used by native plans whose
// concrete version is only known at build time. It matches any concrete
// version during dependency resolution.
const DynamicVersion = "**DYNAMIC**"

// InvalidIdentError is returned by Parse when a raw identifier string does
// not conform to origin/name[/version[/release]].
type InvalidIdentError struct {
	Raw    string
	Reason string
}

func (e *InvalidIdentError) Error() string {
	return fmt.Sprintf("invalid plan identifier %q: %s", e.Raw, e.Reason)
}

// Ident is the tuple (origin, name, version, release, target) that
// identifies one plan. Version may be DynamicVersion. Release and Target
// are optional and empty when unknown.
type Ident struct {
	Origin  string
	Name    string
	Version string
	Release string
	Target  string
}

// Key returns the (origin, name) pair that must be unique across all
// discovered plans.
type Key struct {
	Origin string
	Name   string
}

// Key returns the discovery-time uniqueness key for this identifier.
func (id Ident) Key() Key {
	return Key{Origin: id.Origin, Name: id.Name}
}

// String renders the canonical origin/name[/version[/release]] form.
func (id Ident) String() string {
	var b strings.Builder
	b.WriteString(id.Origin)
	b.WriteByte('/')
	b.WriteString(id.Name)
	if id.Version != "" {
		b.WriteByte('/')
		b.WriteString(id.Version)
		if id.Release != "" {
			b.WriteByte('/')
			b.WriteString(id.Release)
		}
	}
	return b.String()
}

// IsDynamic reports whether this identifier's version is the dynamic
// sentinel, meaning it matches any concrete version during resolution.
func (id Ident) IsDynamic() bool {
	return id.Version == DynamicVersion
}

// Matches reports whether id satisfies a dependency reference expressed as
// another Ident, honoring the dynamic-version wildcard in either direction
// and treating an empty version/release in want as "any".
func (id Ident) Matches(want Ident) bool {
	if id.Origin != want.Origin || id.Name != want.Name {
		return false
	}
	if want.Version == "" || id.IsDynamic() || want.IsDynamic() {
		return true
	}
	if id.Version != want.Version {
		return false
	}
	if want.Release == "" || id.Release == "" {
		return true
	}
	return id.Release == want.Release
}

// Parse parses a raw origin/name[/version[/release]] string into an Ident.
// Malformed forms are rejected with InvalidIdentError.
func Parse(raw string) (Ident, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ident{}, &InvalidIdentError{Raw: raw, Reason: "empty identifier"}
	}
	parts := strings.Split(raw, "/")
	if len(parts) < 2 || len(parts) > 4 {
		return Ident{}, &InvalidIdentError{Raw: raw, Reason: "expected origin/name[/version[/release]]"}
	}
	for _, p := range parts {
		if p == "" {
			return Ident{}, &InvalidIdentError{Raw: raw, Reason: "empty path segment"}
		}
	}
	id := Ident{Origin: parts[0], Name: parts[1]}
	if len(parts) >= 3 {
		id.Version = parts[2]
	}
	if len(parts) == 4 {
		id.Release = parts[3]
	}
	return id, nil
}

// Normalize parses raw and additionally validates that origin and name use
// only the characters a plan identifier is allowed to use (lowercase
// alphanumerics, underscore and hyphen), matching Habitat's own plan
// identifier rules.
func Normalize(raw string) (Ident, error) {
	id, err := Parse(raw)
	if err != nil {
		return Ident{}, err
	}
	if !isValidSegment(id.Origin) {
		return Ident{}, &InvalidIdentError{Raw: raw, Reason: "invalid origin"}
	}
	if !isValidSegment(id.Name) {
		return Ident{}, &InvalidIdentError{Raw: raw, Reason: "invalid name"}
	}
	return id, nil
}

func isValidSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
