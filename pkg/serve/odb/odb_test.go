package odb

import (
	"context"
	"fmt"
	"testing"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/database/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestODB(t *testing.T) (*ODB, *dbtest.MemDB) {
	t.Helper()
	db := dbtest.New()
	cache, err := NewCacheDB(1<<12, 16, 64)
	require.NoError(t, err)
	o := NewODB(db, cache, Options{DeltaWorkers: 1})
	t.Cleanup(o.Close)
	_, err = o.Init(context.Background(), database.DefaultBranch, schema.Signature{Name: "init", Email: "init@example.com"})
	require.NoError(t, err)
	return o, db
}

func author() schema.Signature {
	return schema.Signature{Name: "tester", Email: "tester@example.com"}
}

func TestInitIdempotent(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)
	b1, err := o.Init(ctx, database.DefaultBranch, author())
	require.NoError(t, err)
	b2, err := o.Init(ctx, database.DefaultBranch, author())
	require.NoError(t, err)
	assert.Equal(t, b1, b2)

	tree, err := o.TreeAt(ctx, b1)
	require.NoError(t, err)
	assert.Empty(t, tree.Entries)
}

func TestTrackChangeVersionChain(t *testing.T) {
	ctx := context.Background()
	o, db := newTestODB(t)

	v1, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch,
		[]byte(`{"id":"user","desc":"a person"}`), schema.ChangeCreate, author())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)
	assert.Equal(t, int64(0), v1.ParentVersion)
	assert.Equal(t, plumbing.NewETag(plumbing.NewHash(v1.CommitHash), 1), v1.ETag)

	v2, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch,
		[]byte(`{"id":"user","desc":"a registered person"}`), schema.ChangeUpdate, author())
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.Equal(t, int64(1), v2.ParentVersion)
	assert.Contains(t, v2.FieldsChanged, "/desc")
	assert.NotEqual(t, v1.ETag, v2.ETag)

	// the branch head follows the chain
	b, err := db.FindBranch(ctx, database.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, v2.CommitHash, b.Head)
	tree, err := o.TreeAt(ctx, plumbing.NewHash(b.Head))
	require.NoError(t, err)
	require.NotNil(t, tree.Get(schema.ObjectTypeKind, "user"))

	// every change staged a schema.changed event in the same append
	assert.Equal(t, "schema.changed,schema.changed", db.OutboxEventTypes())
}

func TestTrackChangeProtectedBranch(t *testing.T) {
	ctx := context.Background()
	o, db := newTestODB(t)
	_, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch,
		[]byte(`{"id":"user","desc":"a person"}`), schema.ChangeCreate, author())
	require.NoError(t, err)

	// direct writes stop at the head update inside the append transaction
	db.SetProtected(database.DefaultBranch, true)
	_, err = o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch,
		[]byte(`{"id":"user","desc":"a registered person"}`), schema.ChangeUpdate, author())
	assert.True(t, database.IsErrExist(err))

	b, err := db.FindBranch(ctx, database.DefaultBranch)
	require.NoError(t, err)
	latest, err := db.LatestResourceVersion(ctx, string(schema.ObjectTypeKind), "user", database.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Version)

	db.SetProtected(database.DefaultBranch, false)
	v2, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch,
		[]byte(`{"id":"user","desc":"a registered person"}`), schema.ChangeUpdate, author())
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.NotEqual(t, b.Head, v2.CommitHash)
}

func TestTrackChangeIdenticalContentIsNoOp(t *testing.T) {
	ctx := context.Background()
	o, db := newTestODB(t)
	content := []byte(`{"id":"user","desc":"a person"}`)

	v1, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, content, schema.ChangeCreate, author())
	require.NoError(t, err)
	rows := len(db.OutboxRows())

	v2, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, content, schema.ChangeUpdate, author())
	require.NoError(t, err)
	assert.Equal(t, v1.Version, v2.Version)
	assert.Equal(t, v1.CommitHash, v2.CommitHash)
	assert.Len(t, db.OutboxRows(), rows)
}

func TestTrackChangeDelete(t *testing.T) {
	ctx := context.Background()
	o, db := newTestODB(t)

	_, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch,
		[]byte(`{"id":"user"}`), schema.ChangeCreate, author())
	require.NoError(t, err)

	del, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, nil, schema.ChangeDelete, author())
	require.NoError(t, err)
	assert.Equal(t, int64(2), del.Version)
	assert.Equal(t, string(schema.ChangeDelete), del.ChangeType)

	b, err := db.FindBranch(ctx, database.DefaultBranch)
	require.NoError(t, err)
	tree, err := o.TreeAt(ctx, plumbing.NewHash(b.Head))
	require.NoError(t, err)
	assert.Nil(t, tree.Get(schema.ObjectTypeKind, "user"))

	// the chain keeps the tombstone; content comes back nil
	rv, content, err := o.ResourceVersion(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, 2)
	require.NoError(t, err)
	assert.Equal(t, string(schema.ChangeDelete), rv.ChangeType)
	assert.Nil(t, content)

	// deleting a deleted resource is not found
	_, err = o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, nil, schema.ChangeDelete, author())
	assert.True(t, database.IsNotFound(err))
}

func TestTrackChangeValidation(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)

	_, err := o.TrackChange(ctx, "widget", "user", database.DefaultBranch, []byte("{}"), schema.ChangeCreate, author())
	assert.Error(t, err)
	_, err = o.TrackChange(ctx, schema.ObjectTypeKind, "9bad id", database.DefaultBranch, []byte("{}"), schema.ChangeCreate, author())
	assert.Error(t, err)
	_, err = o.TrackChange(ctx, schema.ObjectTypeKind, "user", "no-such-branch", []byte("{}"), schema.ChangeCreate, author())
	assert.True(t, database.IsNotFound(err))
}

func TestAppendRejectsDanglingLinkTypes(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)

	_, err := o.TrackChange(ctx, schema.LinkTypeKind, "authored", database.DefaultBranch,
		[]byte(`{"id":"authored","from":"post","to":"user","cardinality":"ONE_TO_ONE"}`),
		schema.ChangeCreate, author())
	require.Error(t, err)
	assert.True(t, IsErrInvalidTree(err))
}

func TestValidateETag(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)

	v1, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch,
		[]byte(`{"id":"user","desc":"a person"}`), schema.ChangeCreate, author())
	require.NoError(t, err)

	valid, latest, err := o.ValidateETag(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, v1.ETag)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, v1.ETag, latest.ETag)

	v2, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch,
		[]byte(`{"id":"user","desc":"a registered person"}`), schema.ChangeUpdate, author())
	require.NoError(t, err)

	valid, latest, err = o.ValidateETag(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, v1.ETag)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, v2.ETag, latest.ETag)
}

const descPad = "a reasonably long description that keeps single-field patches and short folded chains well under the full-payload fallback ratio for every delta encoding exercised below"

func trackPayload(a int) []byte {
	return []byte(fmt.Sprintf(`{"id":"user","desc":"%s","a":%d}`, descPad, a))
}

func TestDeltaNoChange(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)
	v1, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(1), schema.ChangeCreate, author())
	require.NoError(t, err)

	resp, err := o.Delta(ctx, &DeltaRequest{Kind: schema.ObjectTypeKind, ID: "user", Branch: database.DefaultBranch, ClientETag: v1.ETag})
	require.NoError(t, err)
	assert.True(t, resp.NoChange)
	assert.Equal(t, v1.ETag, resp.ETag)
	assert.Empty(t, resp.Payload)
}

func TestDeltaFullForUnknownClient(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)
	_, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(1), schema.ChangeCreate, author())
	require.NoError(t, err)

	resp, err := o.Delta(ctx, &DeltaRequest{Kind: schema.ObjectTypeKind, ID: "user", Branch: database.DefaultBranch})
	require.NoError(t, err)
	assert.Equal(t, database.DeltaFull, resp.Type)
	assert.JSONEq(t, string(trackPayload(1)), string(resp.Payload))
}

func TestDeltaJSONPatch(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)
	_, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(1), schema.ChangeCreate, author())
	require.NoError(t, err)
	v2, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(2), schema.ChangeUpdate, author())
	require.NoError(t, err)

	resp, err := o.Delta(ctx, &DeltaRequest{
		Kind: schema.ObjectTypeKind, ID: "user", Branch: database.DefaultBranch,
		ClientVersion: 1,
		AcceptTypes:   []string{database.DeltaJSONPatch},
	})
	require.NoError(t, err)
	assert.Equal(t, database.DeltaJSONPatch, resp.Type)
	assert.Equal(t, int64(1), resp.FromVersion)
	assert.Equal(t, int64(2), resp.ToVersion)
	assert.Equal(t, v2.ETag, resp.ETag)

	got, err := ApplyDelta(trackPayload(1), resp)
	require.NoError(t, err)
	assert.JSONEq(t, string(trackPayload(2)), string(got))
}

func TestDeltaChainFolding(t *testing.T) {
	ctx := context.Background()
	o, db := newTestODB(t)
	for a := 1; a <= 3; a++ {
		change := schema.ChangeUpdate
		if a == 1 {
			change = schema.ChangeCreate
		}
		_, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(a), change, author())
		require.NoError(t, err)
	}
	// seed the cached single-step patches the folding path consumes
	for a := 1; a <= 2; a++ {
		require.NoError(t, db.SaveDelta(ctx, &database.VersionDelta{
			ResourceKind: string(schema.ObjectTypeKind),
			ResourceID:   "user",
			Branch:       database.DefaultBranch,
			FromVersion:  int64(a),
			ToVersion:    int64(a + 1),
			Type:         database.DeltaJSONPatch,
			Payload:      []byte(fmt.Sprintf(`[{"op":"replace","path":"/a","value":%d}]`, a+1)),
		}))
	}

	resp, err := o.Delta(ctx, &DeltaRequest{
		Kind: schema.ObjectTypeKind, ID: "user", Branch: database.DefaultBranch,
		ClientVersion: 1,
		AcceptTypes:   []string{database.DeltaChain},
	})
	require.NoError(t, err)
	assert.Equal(t, database.DeltaChain, resp.Type)

	got, err := ApplyDelta(trackPayload(1), resp)
	require.NoError(t, err)
	assert.JSONEq(t, string(trackPayload(3)), string(got))
}

func TestValidateCache(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)

	v1, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(1), schema.ChangeCreate, author())
	require.NoError(t, err)
	_, err = o.TrackChange(ctx, schema.ObjectTypeKind, "post", database.DefaultBranch, []byte(`{"id":"post"}`), schema.ChangeCreate, author())
	require.NoError(t, err)
	_, err = o.TrackChange(ctx, schema.ObjectTypeKind, "post", database.DefaultBranch, []byte(`{"id":"post","desc":"x"}`), schema.ChangeUpdate, author())
	require.NoError(t, err)

	result, err := o.ValidateCache(ctx, database.DefaultBranch, map[string]string{
		"object_type/user":  v1.ETag,
		"object_type/post":  "W/\"000000000000-1\"",
		"object_type/ghost": "W/\"000000000000-1\"",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"object_type/user"}, result.Valid)
	assert.Equal(t, []string{"object_type/post"}, result.Stale)
	assert.Equal(t, []string{"object_type/ghost"}, result.Deleted)
}

func TestMergeBaseAndIsAncestor(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestODB(t)

	v1, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(1), schema.ChangeCreate, author())
	require.NoError(t, err)
	v2, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(2), schema.ChangeUpdate, author())
	require.NoError(t, err)

	h1, h2 := plumbing.NewHash(v1.CommitHash), plumbing.NewHash(v2.CommitHash)
	base, err := o.MergeBase(ctx, h2, h1)
	require.NoError(t, err)
	assert.Equal(t, h1, base)

	ok, err := o.IsAncestor(ctx, h1, h2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = o.IsAncestor(ctx, h2, h1)
	require.NoError(t, err)
	assert.False(t, ok)

	// disjoint roots share no ancestor
	island, err := o.AppendCommit(ctx, &AppendRequest{
		Author: author(), Committer: author(),
		Tree: &schema.Tree{}, Message: "initialize island",
	})
	require.NoError(t, err)
	base, err = o.MergeBase(ctx, h2, island)
	require.NoError(t, err)
	assert.True(t, base.IsZero())
}

func TestCompactRetiresLinearRuns(t *testing.T) {
	ctx := context.Background()
	o, db := newTestODB(t)

	var hashes []string
	for a := 1; a <= 5; a++ {
		change := schema.ChangeUpdate
		if a == 1 {
			change = schema.ChangeCreate
		}
		rv, err := o.TrackChange(ctx, schema.ObjectTypeKind, "user", database.DefaultBranch, trackPayload(a), change, author())
		require.NoError(t, err)
		hashes = append(hashes, rv.CommitHash)
	}

	n, err := o.Compact(ctx, database.DefaultBranch, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the two commits directly below the kept window are flagged, the head
	// and its immediate parent are not
	for i, wantRetired := range map[int]bool{4: false, 3: false, 2: true, 1: true} {
		row, err := db.FindCommit(ctx, hashes[i])
		require.NoError(t, err)
		assert.Equal(t, wantRetired, row.Retired, "commit %d", i+1)
	}

	// retirement never deletes rows, so old hashes still resolve
	_, err = o.Commit(ctx, plumbing.NewHash(hashes[1]))
	assert.NoError(t, err)
}
