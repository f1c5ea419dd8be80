package plumbing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	a := HashBytes([]byte("hello"))
	b := HashBytes([]byte("hello"))
	c := HashBytes([]byte("world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
	assert.True(t, ZeroHash.IsZero())
	assert.Len(t, a.String(), HASH_HEX_SIZE)
}

func TestValidateHashHex(t *testing.T) {
	oid := HashBytes([]byte("x")).String()
	assert.True(t, ValidateHashHex(oid))
	assert.True(t, ValidateHashHex(ZERO_OID))
	assert.False(t, ValidateHashHex(oid[:HASH_HEX_SIZE-1]))
	assert.False(t, ValidateHashHex(oid+"0"))
	assert.False(t, ValidateHashHex(strings.Replace(oid, oid[:1], "g", 1)))
}

func TestNewHashEx(t *testing.T) {
	oid := HashBytes([]byte("y"))
	got, err := NewHashEx(oid.String())
	require.NoError(t, err)
	assert.Equal(t, oid, got)

	_, err = NewHashEx("not-a-hash")
	assert.Error(t, err)
}

func TestAbbrev(t *testing.T) {
	oid := HashBytes([]byte("z"))
	assert.Equal(t, oid.String()[:12], oid.Abbrev(12))
	assert.Equal(t, oid.String(), oid.Abbrev(1000))
}

func TestHashKey64(t *testing.T) {
	// length prefixing keeps concatenation ambiguity out of the keyspace
	assert.NotEqual(t, HashKey64("ab", "c"), HashKey64("a", "bc"))
	assert.Equal(t, HashKey64("lock", "mainline"), HashKey64("lock", "mainline"))
	assert.NotEqual(t, HashKey64("lock", "mainline"), HashKey64("lock", "feature"))
}

func TestValidateBranchName(t *testing.T) {
	valid := []string{"mainline", "feature/widen-links", "team-a/v1.2", "hotfix_1"}
	for _, name := range valid {
		assert.True(t, ValidateBranchName([]byte(name)), "expected %q to validate", name)
	}
	invalid := []string{
		"", "-lead", ".hidden", "a..b", "a b", "a:b", "a?b", "a[b", "a\\b",
		"a^b", "a~b", "a*b", "trail/", "trail.", "name.lock", "nested/.part",
	}
	for _, name := range invalid {
		assert.False(t, ValidateBranchName([]byte(name)), "expected %q to be rejected", name)
	}
}
