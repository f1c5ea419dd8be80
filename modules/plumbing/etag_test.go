package plumbing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewETag(t *testing.T) {
	commit := HashBytes([]byte("some commit"))
	etag := NewETag(commit, 7)
	assert.Equal(t, "W/\""+commit.Abbrev(12)+"-7\"", etag)

	prefix, version, ok := ParseETag(etag)
	require.True(t, ok)
	assert.Equal(t, commit.Abbrev(12), prefix)
	assert.Equal(t, int64(7), version)
}

func TestParseETagMalformed(t *testing.T) {
	malformed := []string{
		"",
		"W/\"\"",
		// wrong prefix length
		"W/\"deadbeef-1\"",
		"\"ab12cd34ef56ab-1\"",
		// missing or non-numeric version
		"W/\"ab12cd34ef56\"",
		"W/\"ab12cd34ef56-\"",
		"W/\"ab12cd34ef56-x\"",
		"-3",
	}
	for _, etag := range malformed {
		_, _, ok := ParseETag(etag)
		assert.False(t, ok, "etag %q should not parse", etag)
	}
}

func TestETagEqual(t *testing.T) {
	commit := HashBytes([]byte("c"))
	strong := "\"" + commit.Abbrev(12) + "-3\""
	weak := "W/" + strong
	assert.True(t, ETagEqual(weak, strong))
	assert.True(t, ETagEqual(weak, weak))
	assert.False(t, ETagEqual(weak, NewETag(commit, 4)))
}

func TestETagDistinguishesVersions(t *testing.T) {
	// same content hash, different chain positions
	commit := HashBytes([]byte("same"))
	assert.NotEqual(t, NewETag(commit, 1), NewETag(commit, 2))
}
