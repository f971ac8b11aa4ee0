package rules

import (
	"context"
	"path/filepath"

	"github.com/habitat-sh/hab-auto-build/internal/planconfig"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// Engine runs the full rule taxonomy (source + artifact checks) under one
// check_level gate, loading each plan's .hab-plan-config.toml override
// file on demand.
type Engine struct {
	Level CheckLevel
}

// New constructs an Engine gated at level. An empty level defaults to
// strict, the safest gate.
func New(level CheckLevel) *Engine {
	if level == "" {
		level = CheckLevelStrict
	}
	return &Engine{Level: level}
}

// CheckBuild runs source checks (pre-build metadata, re-validated here
// since the plan may have changed since discovery) and artifact checks
// against a freshly built artifact, and gates the combined finding set.
// It matches executor.PostBuildCheck's signature so it can be assigned
// directly to executor.Options.Check.
func (e *Engine) CheckBuild(ctx context.Context, rec *types.PlanRecord, artifactDir string, depArtifacts map[string]string) (bool, error) {
	doc, err := planconfig.Load(filepath.Join(rec.ContextPath, planconfig.FileName))
	if err != nil {
		return false, err
	}

	findings := CheckSource(rec, doc)
	artifactFindings, err := CheckArtifact(rec, artifactDir, depArtifacts, doc)
	if err != nil {
		return false, err
	}
	findings = append(findings, artifactFindings...)

	return Gate(findings, e.Level), nil
}
