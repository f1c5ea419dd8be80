package schema

import (
	"bytes"
	"testing"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *Tree {
	return &Tree{Entries: []TreeEntry{
		{Kind: ObjectTypeKind, ID: "user", Hash: plumbing.HashBytes([]byte("user-v1"))},
		{Kind: ObjectTypeKind, ID: "post", Hash: plumbing.HashBytes([]byte("post-v1"))},
		{Kind: LinkTypeKind, ID: "authored", Hash: plumbing.HashBytes([]byte("authored-v1"))},
	}}
}

func TestTreeEncodeDecode(t *testing.T) {
	tree := sampleTree()
	var buf bytes.Buffer
	require.NoError(t, tree.Encode(&buf))

	decoded := &Tree{}
	require.NoError(t, decoded.Decode(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, tree.Entries, decoded.Entries)
}

func TestTreeDecodeBadMagic(t *testing.T) {
	err := (&Tree{}).Decode(bytes.NewReader([]byte("XX\x00\x01")))
	assert.Equal(t, ErrUnsupportedObject, err)
}

func TestTreeRehashCanonical(t *testing.T) {
	a := sampleTree()
	b := sampleTree()
	// entry order must not affect the hash
	b.Entries[0], b.Entries[2] = b.Entries[2], b.Entries[0]
	assert.Equal(t, a.Rehash(), b.Rehash())

	b.Upsert(TreeEntry{Kind: ObjectTypeKind, ID: "user", Hash: plumbing.HashBytes([]byte("user-v2"))})
	assert.NotEqual(t, a.Rehash(), b.Rehash())
}

func TestTreeUpsertRemove(t *testing.T) {
	tree := sampleTree()
	tree.Sort()

	tree.Upsert(TreeEntry{Kind: PropertyKind, ID: "email", Hash: plumbing.HashBytes([]byte("email"))})
	require.Len(t, tree.Entries, 4)
	got := tree.Get(PropertyKind, "email")
	require.NotNil(t, got)
	assert.Equal(t, "property/email", got.Key())

	// replace keeps the count
	next := plumbing.HashBytes([]byte("email-v2"))
	tree.Upsert(TreeEntry{Kind: PropertyKind, ID: "email", Hash: next})
	assert.Len(t, tree.Entries, 4)
	assert.Equal(t, next, tree.Get(PropertyKind, "email").Hash)

	assert.True(t, tree.Remove(PropertyKind, "email"))
	assert.False(t, tree.Remove(PropertyKind, "email"))
	assert.Nil(t, tree.Get(PropertyKind, "email"))
}

func TestTreeCloneIsIndependent(t *testing.T) {
	tree := sampleTree()
	clone := tree.Clone()
	clone.Remove(ObjectTypeKind, "user")
	assert.NotNil(t, tree.Get(ObjectTypeKind, "user"))
	assert.Nil(t, clone.Get(ObjectTypeKind, "user"))
}

func TestTreeIndex(t *testing.T) {
	tree := sampleTree()
	idx := tree.Index()
	require.Len(t, idx, 3)
	assert.Equal(t, tree.Get(LinkTypeKind, "authored").Hash, idx["link_type/authored"].Hash)
}
