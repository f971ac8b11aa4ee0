package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonicalForms(t *testing.T) {
	id, err := Parse("core/zlib/1.3/20240101000000")
	require.NoError(t, err)
	assert.Equal(t, "core", id.Origin)
	assert.Equal(t, "zlib", id.Name)
	assert.Equal(t, "1.3", id.Version)
	assert.Equal(t, "20240101000000", id.Release)
	assert.Equal(t, "core/zlib/1.3/20240101000000", id.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"", "core", "a/b/c/d/e", "core//1.0", "/name"}
	for _, raw := range cases {
		_, err := Parse(raw)
		assert.Error(t, err, raw)
		var invalid *InvalidIdentError
		assert.ErrorAs(t, err, &invalid)
	}
}

func TestNormalizeRejectsInvalidCharacters(t *testing.T) {
	_, err := Normalize("Core/Zlib")
	assert.Error(t, err)
}

func TestMatchesDynamicVersion(t *testing.T) {
	native := Ident{Origin: "core", Name: "gcc", Version: DynamicVersion}
	want := Ident{Origin: "core", Name: "gcc", Version: "13.2.0"}
	assert.True(t, native.Matches(want))
	assert.True(t, want.Matches(native))
}

func TestMatchesRequiresSameIdentity(t *testing.T) {
	a := Ident{Origin: "core", Name: "zlib", Version: "1.3"}
	b := Ident{Origin: "core", Name: "openssl", Version: "1.3"}
	assert.False(t, a.Matches(b))
}

func TestKeyUniqueness(t *testing.T) {
	a := Ident{Origin: "core", Name: "zlib", Version: "1.3"}
	b := Ident{Origin: "core", Name: "zlib", Version: "1.4"}
	assert.Equal(t, a.Key(), b.Key())
}
