package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadResolvesRelativeSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "plans"), 0o755))
	path := writeConfig(t, dir, `{"repos":[{"id":"core","source":"plans"}]}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Repos, 1)
	assert.Equal(t, filepath.Join(dir, "plans"), cfg.Repos[0].Source)
}

func TestLoadRejectsDuplicateRepoID(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"repos":[{"id":"core","source":"a"},{"id":"core","source":"b"}]}`)

	_, err := Load(path)
	require.Error(t, err)
	var dup *DuplicateRepoIDError
	assert.ErrorAs(t, err, &dup)
}

func TestLoadRejectsMissingSource(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"repos":[{"id":"core"}]}`)

	_, err := Load(path)
	require.Error(t, err)
	var missing *MissingRepoSourceError
	assert.ErrorAs(t, err, &missing)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{not json`)

	_, err := Load(path)
	require.Error(t, err)
	var parseErr *ConfigParseError
	assert.ErrorAs(t, err, &parseErr)
}
