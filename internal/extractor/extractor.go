// Package extractor invokes the per-plan helper script (POSIX shell or
// PowerShell, chosen by plan-file extension) that materializes a plan's
// metadata as JSON, and normalizes the result into a types.PlanRecord.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/scanner"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

// helperOutput is the fixed JSON schema the helper script must produce.
// Fields outside this schema are ignored, never reflected into a
// PlanRecord — the dynamic-shell/PowerShell boundary is narrowed to
// exactly this.
type helperOutput struct {
	Origin  string `json:"origin"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  *struct {
		URL    string `json:"url"`
		SHASum string `json:"shasum"`
	} `json:"source"`
	Licenses       []string `json:"licenses"`
	ScaffoldingDep *string  `json:"scaffolding_dep"`
	Deps           []string `json:"deps"`
	BuildDeps      []string `json:"build_deps"`
}

// ExtractorFailedError is returned when the helper script exits non-zero.
// Extraction failure is fatal for that one plan but never aborts the
// overall invocation.
type ExtractorFailedError struct {
	PlanFile string
	Stderr   string
	Err      error
}

func (e *ExtractorFailedError) Error() string {
	return fmt.Sprintf("extracting metadata for %s: %v: %s", e.PlanFile, e.Err, e.Stderr)
}

func (e *ExtractorFailedError) Unwrap() error { return e.Err }

// MalformedHelperOutputError is returned when the helper's stdout does not
// parse as the fixed JSON schema.
type MalformedHelperOutputError struct {
	PlanFile string
	Err      error
}

func (e *MalformedHelperOutputError) Error() string {
	return fmt.Sprintf("malformed helper output for %s: %v", e.PlanFile, e.Err)
}

func (e *MalformedHelperOutputError) Unwrap() error { return e.Err }

// HelperTimeout bounds a single helper invocation.
const HelperTimeout = 30 * time.Second

// Extract invokes the appropriate helper for found and returns a
// PlanRecord. On helper failure it retries a bounded number of times with
// exponential backoff (transient failures — e.g. the shell interpreter
// momentarily unavailable mid package-manager-update — are common enough
// in large monorepos to be worth a few retries before giving up).
func Extract(ctx context.Context, repoRoot string, found scanner.Found) (*types.PlanRecord, error) {
	var out helperOutput
	var stderr string

	op := func() error {
		o, se, err := invokeHelper(ctx, repoRoot, found)
		stderr = se
		if err != nil {
			return err
		}
		out = o
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, &ExtractorFailedError{PlanFile: found.PlanFile, Stderr: stderr, Err: err}
	}

	return normalize(found, out)
}

func invokeHelper(ctx context.Context, repoRoot string, found scanner.Found) (helperOutput, string, error) {
	helperPath, err := helperFor(found.PlanFile)
	if err != nil {
		return helperOutput{}, "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, HelperTimeout)
	defer cancel()

	workDir, err := os.MkdirTemp("", "hab-extract-")
	if err != nil {
		return helperOutput{}, "", err
	}
	defer os.RemoveAll(workDir)

	cmd := exec.CommandContext(runCtx, helperPath, found.PlanFile, found.ContextPath, repoRoot)
	cmd.Dir = workDir
	// Environment isolation: the helper cannot read outside the plan
	// context by inheriting arbitrary caller state, only PATH survives.
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return helperOutput{}, stderr.String(), err
	}

	var out helperOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return helperOutput{}, stderr.String(), &MalformedHelperOutputError{PlanFile: found.PlanFile, Err: err}
	}
	return out, stderr.String(), nil
}

// helperFor selects the shell-script or PowerShell helper binary based on
// the plan file's extension, honoring the host OS default when the plan
// doesn't disambiguate (plan.sh implies POSIX shell, plan.ps1 implies
// PowerShell).
func helperFor(planFile string) (string, error) {
	switch filepath.Ext(planFile) {
	case ".ps1":
		return lookPath("pwsh", "powershell")
	default:
		if runtime.GOOS == "windows" {
			return lookPath("pwsh", "powershell")
		}
		return lookPath("sh")
	}
}

func lookPath(candidates ...string) (string, error) {
	var lastErr error
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		} else {
			lastErr = err
		}
	}
	return "", fmt.Errorf("no helper interpreter found among %v: %w", candidates, lastErr)
}

func normalize(found scanner.Found, out helperOutput) (*types.PlanRecord, error) {
	rawIdent := fmt.Sprintf("%s/%s/%s", out.Origin, out.Name, out.Version)
	id, err := ident.Normalize(rawIdent)
	if err != nil {
		return nil, &MalformedHelperOutputError{PlanFile: found.PlanFile, Err: err}
	}

	rec := &types.PlanRecord{
		ID:          id,
		RepoID:      found.RepoID,
		ContextPath: found.ContextPath,
		PlanFile:    found.PlanFile,
		IsNative:    found.IsNative,
		Licenses:    out.Licenses,
	}
	if out.Source != nil {
		rec.Source = types.SourceRef{URL: out.Source.URL, SHASum: out.Source.SHASum}
	}
	for _, d := range out.Deps {
		rec.Deps = append(rec.Deps, resolveDepRef(d))
	}
	for _, d := range out.BuildDeps {
		rec.BuildDeps = append(rec.BuildDeps, resolveDepRef(d))
	}
	if out.ScaffoldingDep != nil && *out.ScaffoldingDep != "" {
		ref := resolveDepRef(*out.ScaffoldingDep)
		rec.ScaffoldingDep = &ref
	}
	return rec, nil
}

func resolveDepRef(raw string) types.DepRef {
	depIdent, err := ident.Parse(raw)
	if err != nil {
		return types.DepRef{Raw: raw}
	}
	return types.DepRef{Raw: raw, Ident: depIdent, Resolved: true}
}
