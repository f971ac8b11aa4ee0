// Package rules implements the rule engine (C9): a fixed taxonomy of
// source and artifact checks, each with a default severity, overridable
// per plan via .hab-plan-config.toml, gated by the invocation's
// check_level into a pass/fail verdict.
package rules

import (
	"fmt"

	"github.com/habitat-sh/hab-auto-build/internal/planconfig"
)

// Finding is one violation reported by a source or artifact check.
type Finding struct {
	Rule    string
	Level   planconfig.Level
	Message string
	Path    string
}

func (f Finding) String() string {
	if f.Path == "" {
		return fmt.Sprintf("[%s] %s: %s", f.Level, f.Rule, f.Message)
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", f.Level, f.Rule, f.Message, f.Path)
}

// defaultLevels is the table of default severities for every rule this
// engine knows about, per spec.md §4.9. A rule not listed here is a bug in
// this package, never an end-user-visible condition.
var defaultLevels = map[string]planconfig.Level{
	"missing-license":            planconfig.LevelWarning,
	"license-not-found":          planconfig.LevelError,
	"unknown-source-scheme":      planconfig.LevelError,
	"suspicious-patch":           planconfig.LevelWarning,
	"unused-dependency":          planconfig.LevelWarning,
	"missing-runtime-dependency": planconfig.LevelError,
	"broken-elf":                 planconfig.LevelError,
	"empty-package":              planconfig.LevelWarning,

	// Recovered from check/artifact/script.rs.
	"host-script-interpreter":               planconfig.LevelError,
	"missing-env-script-interpreter":        planconfig.LevelError,
	"env-script-interpreter-not-found":      planconfig.LevelError,
	"script-interpreter-not-found":          planconfig.LevelError,
	"unlisted-script-interpreter":           planconfig.LevelWarning,
	"missing-script-interpreter-dependency": planconfig.LevelError,

	// Recovered from check/artifact/package.rs.
	"bad-runtime-path-entry":                 planconfig.LevelError,
	"missing-runtime-path-entry-dependency":  planconfig.LevelError,
	"missing-dependency-artifact":            planconfig.LevelError,
	"duplicate-dependency":                   planconfig.LevelError,
	"empty-top-level-directory":              planconfig.LevelWarning,
	"broken-link":                            planconfig.LevelError,
	"duplicate-runtime-binary":               planconfig.LevelWarning,
}

// resolveLevel applies the default-then-override resolution order for one
// rule: an unvoided override from doc wins, otherwise the rule's default
// applies. A LevelOff rule never produces a Finding; callers are expected
// to skip emitting one rather than emit one at LevelOff.
func resolveLevel(doc *planconfig.Document, rule, sourceFingerprint string) planconfig.Level {
	if doc != nil {
		if lvl := doc.EffectiveLevel(rule, sourceFingerprint); lvl != planconfig.LevelUnset {
			return lvl
		}
	}
	lvl, ok := defaultLevels[rule]
	if !ok {
		panic("rules: no default level registered for " + rule)
	}
	return lvl
}

// CheckLevel is the CLI gate (-l/--check-level) that interprets a finding
// set into a pass/fail verdict.
type CheckLevel string

const (
	CheckLevelStrict        CheckLevel = "strict"
	CheckLevelAllowWarnings CheckLevel = "allow-warnings"
	CheckLevelAllowAll      CheckLevel = "allow-all"
)

// Gate interprets findings under level per spec.md §4.9's table:
//
//	check_level      | error | warning
//	strict           | fail  | fail
//	allow-warnings   | fail  | pass
//	allow-all        | pass  | pass
//
// A LevelOff finding never reaches here (callers filter it out at the
// point a rule resolves to Off), so only LevelError and LevelWarning are
// considered.
func Gate(findings []Finding, level CheckLevel) bool {
	for _, f := range findings {
		switch f.Level {
		case planconfig.LevelError:
			if level != CheckLevelAllowAll {
				return true
			}
		case planconfig.LevelWarning:
			if level == CheckLevelStrict {
				return true
			}
		}
	}
	return false
}
