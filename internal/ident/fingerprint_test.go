package ident

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "plan.sh"), []byte("pkg_name=foo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.c"), []byte("int main(){}\n"), 0o644))
}

func TestSourceFingerprintDeterministic(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeTree(t, dirA)
	writeTree(t, dirB)

	digestA, err := SourceFingerprint(dirA, NoIgnore)
	require.NoError(t, err)
	digestB, err := SourceFingerprint(dirB, NoIgnore)
	require.NoError(t, err)

	assert.Equal(t, digestA, digestB)
}

func TestSourceFingerprintChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir)
	before, err := SourceFingerprint(dir, NoIgnore)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.sh"), []byte("pkg_name=bar\n"), 0o644))
	after, err := SourceFingerprint(dir, NoIgnore)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestSourceFingerprintIgnoresMatchedPaths(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir)
	baseline, err := SourceFingerprint(dir, NoIgnore)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.log"), []byte("noise"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("ignored.log\n"), 0o644))
	matcher, err := LoadIgnoreFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)

	withIgnoredFile, err := SourceFingerprint(dir, matcher)
	require.NoError(t, err)

	// The ignore file itself is new content relative to the baseline walk,
	// so compare against a tree that also has the ignore file but not the
	// ignored log to isolate the effect of the matcher.
	require.NoError(t, os.Remove(filepath.Join(dir, "ignored.log")))
	withoutIgnoredFile, err := SourceFingerprint(dir, matcher)
	require.NoError(t, err)

	assert.NotEqual(t, baseline, withoutIgnoredFile, "adding .gitignore itself changes the tree")
	assert.Equal(t, withIgnoredFile, withoutIgnoredFile, "ignored.log must not affect the digest")
}

func TestArtifactFingerprintOrderIndependent(t *testing.T) {
	planID := Ident{Origin: "core", Name: "app", Version: "1.0"}
	depA := ResolvedDep{Ident: Ident{Origin: "core", Name: "zlib", Version: "1.3"}, Digest: Digest{1}}
	depB := ResolvedDep{Ident: Ident{Origin: "core", Name: "openssl", Version: "3.0"}, Digest: Digest{2}}
	env := Digest{9}

	forward, err := ArtifactFingerprint(planID, []ResolvedDep{depA, depB}, env)
	require.NoError(t, err)
	backward, err := ArtifactFingerprint(planID, []ResolvedDep{depB, depA}, env)
	require.NoError(t, err)

	assert.Equal(t, forward, backward)
}

func TestArtifactFingerprintSensitiveToDeps(t *testing.T) {
	planID := Ident{Origin: "core", Name: "app", Version: "1.0"}
	env := Digest{9}
	withDep, err := ArtifactFingerprint(planID, []ResolvedDep{{Ident: Ident{Origin: "core", Name: "zlib", Version: "1.3"}, Digest: Digest{1}}}, env)
	require.NoError(t, err)
	withoutDep, err := ArtifactFingerprint(planID, nil, env)
	require.NoError(t, err)

	assert.NotEqual(t, withDep, withoutDep)
}
