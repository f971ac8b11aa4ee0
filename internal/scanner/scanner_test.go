package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitat-sh/hab-auto-build/internal/config"
)

func writePlan(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.sh"), []byte("pkg_name=x\n"), 0o644))
}

func TestScanFindsPlansAndClassifies(t *testing.T) {
	root := t.TempDir()
	writePlan(t, filepath.Join(root, "core", "zlib"))
	writePlan(t, filepath.Join(root, "core", "native-tool"))
	writePlan(t, filepath.Join(root, "core", "skip-me"))

	repo := config.RepoConfig{
		ID:              "core",
		Source:          root,
		NativePackages:  []string{"core/native-tool"},
		IgnoredPackages: []string{"core/skip-me"},
	}

	found, err := Scan(context.Background(), []config.RepoConfig{repo}, 2)
	require.NoError(t, err)
	require.Len(t, found, 2)

	byContext := map[string]Found{}
	for _, f := range found {
		byContext[filepath.Base(f.ContextPath)] = f
	}
	assert.True(t, byContext["native-tool"].IsNative)
	assert.False(t, byContext["zlib"].IsNative)
	_, skippedPresent := byContext["skip-me"]
	assert.False(t, skippedPresent)
}

func TestScanHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	writePlan(t, filepath.Join(root, "core", "zlib"))
	writePlan(t, filepath.Join(root, "vendor", "thirdparty"))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("vendor/\n"), 0o644))

	repo := config.RepoConfig{ID: "core", Source: root}
	found, err := Scan(context.Background(), []config.RepoConfig{repo}, 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "zlib", filepath.Base(found[0].ContextPath))
}

func TestScanRecognizesHabitatSubdirPlans(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "core", "thing", "habitat")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.ps1"), []byte("$pkg_name='x'"), 0o644))

	repo := config.RepoConfig{ID: "core", Source: root}
	found, err := Scan(context.Background(), []config.RepoConfig{repo}, 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, dir, found[0].ContextPath)
}
