package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReferenceForms(t *testing.T) {
	cases := []struct {
		in    string
		alias string
		app   string
		cap   string
		ver   string
	}{
		{"my.app/my.cap", "", "my.app", "my.cap", ""},
		{"my.app/my.cap@1.0", "", "my.app", "my.cap", "1.0"},
		{"@partner/my.app/my.cap@2", "partner", "my.app", "my.cap", "2"},
		{"cap:@main/my.app/my.cap@1.0.0", "main", "my.app", "my.cap", "1.0.0"},
	}
	for _, tc := range cases {
		p, err := ParseReference(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.alias, p.Alias, tc.in)
		assert.Equal(t, tc.app, p.App, tc.in)
		assert.Equal(t, tc.cap, p.Cap, tc.in)
		assert.Equal(t, tc.ver, p.Version, tc.in)
	}
}

func TestParseReferenceRejectsForbiddenCharacters(t *testing.T) {
	for _, bad := range []string{"app/cap#frag", "app/cap?query", "app cap/x", "app/\x00cap"} {
		_, err := ParseReference(bad)
		assert.Error(t, err, bad)
	}
}

func TestNormalizeVersionIdempotentAndEquivalent(t *testing.T) {
	for _, in := range []string{"v1", "1", "1.0", "1.0.0"} {
		got, err := NormalizeVersion(in)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", got, in)

		again, err := NormalizeVersion(got)
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
}

func TestNormalizeVersionPreservesPrerelease(t *testing.T) {
	got, err := NormalizeVersion("v2.1-beta.1")
	require.NoError(t, err)
	assert.Equal(t, "2.1.0-beta.1", got)
}

func TestNormalizeVersionRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "abc", "1.2.3.4"} {
		_, err := NormalizeVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestCanonicalizeIdempotentRoundTrip(t *testing.T) {
	p, err := ParseReference("my.app/my.cap")
	require.NoError(t, err)

	canon, err := Canonicalize(p, CanonicalizeOptions{DefaultAlias: "main", ResolvedVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "cap:@main/my.app/my.cap@1.0.0", canon)

	reparsed, err := ParseReference(canon)
	require.NoError(t, err)
	assert.Equal(t, "main", reparsed.Alias)
	assert.Equal(t, p.App, reparsed.App)
	assert.Equal(t, p.Cap, reparsed.Cap)

	canonAgain, err := Canonicalize(reparsed, CanonicalizeOptions{DefaultAlias: "main"})
	require.NoError(t, err)
	assert.Equal(t, canon, canonAgain)
}

func TestCanonicalizeRequiresAVersion(t *testing.T) {
	p, err := ParseReference("my.app/my.cap")
	require.NoError(t, err)
	_, err = Canonicalize(p, CanonicalizeOptions{DefaultAlias: "main"})
	assert.Error(t, err)
}
