package extractor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitat-sh/hab-auto-build/internal/scanner"
)

func TestExtractNormalizesHelperOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper script fixture is POSIX shell")
	}

	repoRoot := t.TempDir()
	planDir := filepath.Join(repoRoot, "core", "zlib")
	require.NoError(t, os.MkdirAll(planDir, 0o755))
	planFile := filepath.Join(planDir, "plan.sh")
	require.NoError(t, os.WriteFile(planFile, []byte("pkg_name=zlib\n"), 0o644))

	script := `#!/bin/sh
cat <<'JSON'
{"origin":"core","name":"zlib","version":"1.3",
 "source":{"url":"https://example.invalid/zlib.tar.gz","shasum":"deadbeef"},
 "licenses":["Zlib"],
 "scaffolding_dep":"core/build-studio",
 "deps":["core/glibc"],
 "build_deps":["core/gcc"]}
JSON
`
	shDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shDir, "sh"), []byte(script), 0o755))
	t.Setenv("PATH", shDir)

	found := scanner.Found{RepoID: "core", PlanFile: planFile, ContextPath: planDir}
	rec, err := Extract(context.Background(), repoRoot, found)
	require.NoError(t, err)

	assert.Equal(t, "core", rec.ID.Origin)
	assert.Equal(t, "zlib", rec.ID.Name)
	assert.Equal(t, "1.3", rec.ID.Version)
	assert.Equal(t, "deadbeef", rec.Source.SHASum)
	assert.Equal(t, []string{"Zlib"}, rec.Licenses)
	require.NotNil(t, rec.ScaffoldingDep)
	assert.Equal(t, "core/build-studio", rec.ScaffoldingDep.Raw)
	require.Len(t, rec.Deps, 1)
	assert.True(t, rec.Deps[0].Resolved)
	assert.Equal(t, "glibc", rec.Deps[0].Ident.Name)
}

func TestExtractFailsOnNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper script fixture is POSIX shell")
	}

	repoRoot := t.TempDir()
	planDir := filepath.Join(repoRoot, "core", "broken")
	require.NoError(t, os.MkdirAll(planDir, 0o755))
	planFile := filepath.Join(planDir, "plan.sh")
	require.NoError(t, os.WriteFile(planFile, []byte("pkg_name=broken\n"), 0o644))

	shDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shDir, "sh"), []byte("#!/bin/sh\necho boom 1>&2\nexit 1\n"), 0o755))
	t.Setenv("PATH", shDir)

	found := scanner.Found{RepoID: "core", PlanFile: planFile, ContextPath: planDir}
	_, err := Extract(context.Background(), repoRoot, found)
	require.Error(t, err)
	var failed *ExtractorFailedError
	assert.ErrorAs(t, err, &failed)
}
