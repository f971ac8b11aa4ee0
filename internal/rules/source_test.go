package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitat-sh/hab-auto-build/internal/ident"
	"github.com/habitat-sh/hab-auto-build/internal/types"
)

func testPlan(t *testing.T, contextPath string) *types.PlanRecord {
	t.Helper()
	id, err := ident.Normalize("core/example/1.0")
	require.NoError(t, err)
	return &types.PlanRecord{ID: id, RepoID: "core", ContextPath: contextPath}
}

func TestCheckSourceFlagsMissingLicense(t *testing.T) {
	rec := testPlan(t, t.TempDir())
	findings := CheckSource(rec, nil)
	assertHasRule(t, findings, "missing-license")
}

func TestCheckSourceFlagsLicenseNotFoundWhenTextAbsent(t *testing.T) {
	rec := testPlan(t, t.TempDir())
	rec.Licenses = []string{"Apache-2.0"}
	findings := CheckSource(rec, nil)
	assertHasRule(t, findings, "license-not-found")
	assertNoRule(t, findings, "missing-license")
}

func TestCheckSourceFlagsUnknownSourceScheme(t *testing.T) {
	rec := testPlan(t, t.TempDir())
	rec.Licenses = []string{"Apache-2.0"}
	rec.Source.URL = "ftp://example.com/archive.tar.gz"
	findings := CheckSource(rec, nil)
	assertHasRule(t, findings, "unknown-source-scheme")
}

func TestCheckSourceAllowsRecognizedSchemes(t *testing.T) {
	rec := testPlan(t, t.TempDir())
	rec.Licenses = []string{"Apache-2.0"}
	rec.Source.URL = "https://example.com/archive.tar.gz"
	findings := CheckSource(rec, nil)
	assertNoRule(t, findings, "unknown-source-scheme")
}

func TestCheckSourceFlagsPatchEscapingContext(t *testing.T) {
	dir := t.TempDir()
	rec := testPlan(t, dir)
	rec.Licenses = []string{"Apache-2.0"}

	patch := "--- a/../../etc/passwd\n+++ b/../../etc/passwd\n@@ -1 +1 @@\n-old\n+new\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evil.patch"), []byte(patch), 0o644))

	findings := CheckSource(rec, nil)
	assertHasRule(t, findings, "suspicious-patch")
}

func TestCheckSourceAllowsPatchWithinContext(t *testing.T) {
	dir := t.TempDir()
	rec := testPlan(t, dir)
	rec.Licenses = []string{"Apache-2.0"}

	patch := "--- a/src/main.c\n+++ b/src/main.c\n@@ -1 +1 @@\n-old\n+new\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fix.patch"), []byte(patch), 0o644))

	findings := CheckSource(rec, nil)
	assertNoRule(t, findings, "suspicious-patch")
}

func assertHasRule(t *testing.T, findings []Finding, rule string) {
	t.Helper()
	for _, f := range findings {
		if f.Rule == rule {
			return
		}
	}
	assert.Failf(t, "expected finding not present", "rule %q not found in %+v", rule, findings)
}

func assertNoRule(t *testing.T, findings []Finding, rule string) {
	t.Helper()
	for _, f := range findings {
		if f.Rule == rule {
			assert.Failf(t, "unexpected finding present", "rule %q found in %+v", rule, findings)
		}
	}
}
