package schema

import (
	"bytes"
	"testing"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCommit() *Commit {
	when := time.Unix(1700000000, 0).In(time.FixedZone("", 8*3600))
	return &Commit{
		Tree:    plumbing.HashBytes([]byte("tree")),
		Parents: []plumbing.Hash{plumbing.HashBytes([]byte("parent"))},
		Author:  Signature{Name: "Jane Doe", Email: "jane@example.com", When: when},
		Committer: Signature{
			Name: "Jane Doe", Email: "jane@example.com", When: when,
		},
		Message: "update object_type user\n\nwiden email to text",
	}
}

func TestCommitEncodeDecode(t *testing.T) {
	c := sampleCommit()
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf))

	decoded := &Commit{}
	require.NoError(t, decoded.Decode(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, c.Tree, decoded.Tree)
	assert.Equal(t, c.Parents, decoded.Parents)
	assert.Equal(t, c.Message, decoded.Message)
	assert.Equal(t, c.Author.Name, decoded.Author.Name)
	assert.Equal(t, c.Author.Email, decoded.Author.Email)
	assert.Equal(t, c.Author.When.Unix(), decoded.Author.When.Unix())
}

func TestCommitRehashVerify(t *testing.T) {
	c := sampleCommit()
	oid := c.Rehash()
	assert.False(t, oid.IsZero())
	assert.True(t, c.Verify())

	c.Message = "tampered"
	assert.False(t, c.Verify())
	assert.NotEqual(t, oid, c.Rehash())
}

func TestCommitDecodeBadMagic(t *testing.T) {
	err := (&Commit{}).Decode(bytes.NewReader([]byte("BAD\x01")))
	assert.Equal(t, ErrUnsupportedObject, err)
}

func TestSignatureString(t *testing.T) {
	s := Signature{Name: "Jane Doe", Email: "jane@example.com", When: time.Unix(1494258422, 0).UTC()}
	assert.Equal(t, "Jane Doe <jane@example.com> 1494258422 +0000", s.String())

	var decoded Signature
	decoded.Decode([]byte(s.String()))
	assert.Equal(t, s.Name, decoded.Name)
	assert.Equal(t, s.Email, decoded.Email)
	assert.Equal(t, s.When.Unix(), decoded.When.Unix())
}

func TestCommitLess(t *testing.T) {
	early := sampleCommit()
	late := sampleCommit()
	late.Committer.When = early.Committer.When.Add(time.Minute)
	early.Rehash()
	late.Rehash()
	assert.True(t, early.Less(late))
	assert.False(t, late.Less(early))

	// committer tie breaks on author, then hash
	tied := sampleCommit()
	tied.Message = "different subject"
	tied.Rehash()
	if bytes.Compare(early.Hash[:], tied.Hash[:]) < 0 {
		assert.True(t, early.Less(tied))
	} else {
		assert.True(t, tied.Less(early))
	}
}

func TestCommitSubject(t *testing.T) {
	c := sampleCommit()
	assert.Equal(t, "update object_type user", c.Subject())
	c.Message = "single line"
	assert.Equal(t, "single line", c.Subject())
}

func TestCommitParents(t *testing.T) {
	c := sampleCommit()
	assert.Equal(t, 1, c.NumParents())
	assert.False(t, c.IsMerge())
	c.Parents = append(c.Parents, plumbing.HashBytes([]byte("other")))
	assert.True(t, c.IsMerge())
}
