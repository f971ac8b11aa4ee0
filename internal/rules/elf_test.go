package rules

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanELFBinariesFlagsExecutableBitWithoutELFMagic(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit has no meaning on windows")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-elf"), []byte("#!/bin/sh\necho hi\n"), 0o755))

	bins, findings, err := scanELFBinaries(dir)
	require.NoError(t, err)
	assert.Empty(t, bins)
	assertHasRule(t, findings, "broken-elf")
}

func TestScanELFBinariesIgnoresNonExecutableNonShared(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0o644))

	bins, findings, err := scanELFBinaries(dir)
	require.NoError(t, err)
	assert.Empty(t, bins)
	assert.Empty(t, findings)
}

func TestCheckEmptyPackageFlagsBookkeepingOnlyDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "IDENT"), []byte("x"), 0o644))

	findings := checkEmptyPackage(dir, nil, "")
	assertHasRule(t, findings, "empty-package")
}

func TestCheckEmptyPackagePassesWithRealContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "tool"), []byte("x"), 0o755))

	findings := checkEmptyPackage(dir, nil, "")
	assert.Empty(t, findings)
}

func TestUnderAnyRootMatchesExactAndNested(t *testing.T) {
	roots := []string{"/hab/pkgs/core/glibc/2.31/1"}
	assert.True(t, underAnyRoot("/hab/pkgs/core/glibc/2.31/1", roots))
	assert.True(t, underAnyRoot("/hab/pkgs/core/glibc/2.31/1/lib", roots))
	assert.False(t, underAnyRoot("/hab/pkgs/core/other/1.0/1", roots))
}

func TestProvidedLibrariesCollectsSharedObjectBasenames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "libfoo.so.1"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "readme"), []byte("x"), 0o644))

	libs := providedLibraries(map[string]string{"core/foo/1.0/1": dir})
	assert.True(t, libs["libfoo.so.1"])
	assert.False(t, libs["readme"])
}

func TestArtifactProvidesAnyNeededDetectsMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "libfoo.so"), []byte("x"), 0o644))

	assert.True(t, artifactProvidesAnyNeeded(dir, map[string]bool{"libfoo.so": true}))
	assert.False(t, artifactProvidesAnyNeeded(dir, map[string]bool{"libbar.so": true}))
}
