// Package planconfig loads the per-plan .hab-plan-config.toml override
// file that lets a plan author relax or tighten rule engine (C9) findings
// for their own plan, scoped to a specific source fingerprint.
package planconfig

import (
	"os"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the per-plan override file, read from the plan's
// context directory.
const FileName = ".hab-plan-config.toml"

// Level is the severity a rule override assigns. The zero value LevelUnset
// means "no override for this rule", distinct from LevelOff.
type Level string

const (
	LevelUnset   Level = ""
	LevelOff     Level = "off"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// RuleOverride is one [rules.<name>] table in the TOML file.
type RuleOverride struct {
	Level            Level    `toml:"level"`
	SourceShasum     string   `toml:"source-shasum"`
	IgnoredPackages  []string `toml:"ignored_packages"`
}

// Document is the parsed contents of a .hab-plan-config.toml file.
type Document struct {
	Rules map[string]RuleOverride `toml:"rules"`
}

// Load reads and parses the override file at path. A missing file returns
// an empty, valid Document rather than an error, since overrides are
// optional for every plan.
func Load(path string) (*Document, error) {
	doc := &Document{Rules: map[string]RuleOverride{}}

	data, err := os.ReadFile(path) // #nosec G304 - path is derived from a discovered plan context
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, &RuleConfigInvalidError{Path: path, Err: err}
	}

	if err := toml.Unmarshal(data, doc); err != nil {
		return nil, &RuleConfigInvalidError{Path: path, Err: err}
	}
	if doc.Rules == nil {
		doc.Rules = map[string]RuleOverride{}
	}
	return doc, nil
}

// RuleConfigInvalidError wraps a TOML parse failure for a per-plan override
// file, matching the RuleConfigInvalid error kind from the specification.
type RuleConfigInvalidError struct {
	Path string
	Err  error
}

func (e *RuleConfigInvalidError) Error() string {
	return "invalid rule config " + e.Path + ": " + e.Err.Error()
}

func (e *RuleConfigInvalidError) Unwrap() error { return e.Err }

// EffectiveLevel returns the override level for ruleName given the plan's
// current source fingerprint (as a hex string). Per P5, an override whose
// source-shasum doesn't match the plan's current fingerprint is void: this
// returns LevelUnset in that case so the rule's own default level applies.
func (d *Document) EffectiveLevel(ruleName, currentSourceFingerprint string) Level {
	override, ok := d.Rules[ruleName]
	if !ok || override.Level == LevelUnset {
		return LevelUnset
	}
	if override.SourceShasum != "" && override.SourceShasum != currentSourceFingerprint {
		return LevelUnset
	}
	return override.Level
}

// IgnoredPackagesFor returns the ignored_packages parameter for ruleName,
// honoring the same fingerprint-validity rule as EffectiveLevel.
func (d *Document) IgnoredPackagesFor(ruleName, currentSourceFingerprint string) []string {
	override, ok := d.Rules[ruleName]
	if !ok {
		return nil
	}
	if override.SourceShasum != "" && override.SourceShasum != currentSourceFingerprint {
		return nil
	}
	return override.IgnoredPackages
}
