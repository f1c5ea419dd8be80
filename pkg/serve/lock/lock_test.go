package lock

import (
	"context"
	"testing"
	"time"

	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/database/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, *dbtest.MemDB) {
	t.Helper()
	db := dbtest.New()
	return NewManager(db, Options{AcquireWait: 50 * time.Millisecond}), db
}

func TestConflictsMatrix(t *testing.T) {
	held := func(scope, kind, id string) *database.BranchLock {
		return &database.BranchLock{Scope: scope, ResourceKind: kind, ResourceID: id}
	}
	cases := []struct {
		name            string
		scope, kind, id string
		held            *database.BranchLock
		want            bool
	}{
		{"branch blocks branch", database.ScopeBranch, "", "", held(database.ScopeBranch, "", ""), true},
		{"branch blocks id", database.ScopeBranch, "", "", held(database.ScopeResourceID, "object_type", "user"), true},
		{"id blocked by branch", database.ScopeResourceID, "object_type", "user", held(database.ScopeBranch, "", ""), true},
		{"type vs same type", database.ScopeResourceType, "object_type", "", held(database.ScopeResourceType, "object_type", ""), true},
		{"type vs other type", database.ScopeResourceType, "object_type", "", held(database.ScopeResourceType, "link_type", ""), false},
		{"type vs id same kind", database.ScopeResourceType, "object_type", "", held(database.ScopeResourceID, "object_type", "user"), true},
		{"id vs type same kind", database.ScopeResourceID, "object_type", "user", held(database.ScopeResourceType, "object_type", ""), true},
		{"id vs type other kind", database.ScopeResourceID, "object_type", "user", held(database.ScopeResourceType, "link_type", ""), false},
		{"id vs same id", database.ScopeResourceID, "object_type", "user", held(database.ScopeResourceID, "object_type", "user"), true},
		{"id vs other id", database.ScopeResourceID, "object_type", "user", held(database.ScopeResourceID, "object_type", "post"), false},
		{"id vs same id other kind", database.ScopeResourceID, "object_type", "user", held(database.ScopeResourceID, "link_type", "user"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, conflicts(c.scope, c.kind, c.id, c.held), c.name)
	}
}

func TestAcquireRequestValidate(t *testing.T) {
	good := AcquireRequest{
		Branch: "mainline", Holder: "worker-1",
		Type: database.LockIndexing, Scope: database.ScopeBranch,
		TTL: time.Hour,
	}
	assert.NoError(t, good.validate())

	cases := []struct {
		name   string
		mutate func(*AcquireRequest)
	}{
		{"missing branch", func(r *AcquireRequest) { r.Branch = "" }},
		{"missing holder", func(r *AcquireRequest) { r.Holder = "" }},
		{"unknown scope", func(r *AcquireRequest) { r.Scope = "GLOBAL" }},
		{"unknown type", func(r *AcquireRequest) { r.Type = "VACUUM" }},
		{"negative ttl", func(r *AcquireRequest) { r.TTL = -time.Second }},
		{"zero ttl", func(r *AcquireRequest) { r.TTL = 0 }},
		{"type scope without kind", func(r *AcquireRequest) { r.Scope = database.ScopeResourceType }},
		{"id scope without id", func(r *AcquireRequest) {
			r.Scope = database.ScopeResourceID
			r.ResourceKind = "object_type"
		}},
	}
	for _, c := range cases {
		r := good
		c.mutate(&r)
		assert.Error(t, r.validate(), c.name)
	}
}

func TestAcquireConflict(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, err := m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "indexer",
		Type: database.LockIndexing, Scope: database.ScopeResourceType,
		ResourceKind: "object_type", TTL: time.Hour,
	})
	require.NoError(t, err)

	// a narrower lock on the same kind is refused
	_, err = m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "editor",
		Type: database.LockManual, Scope: database.ScopeResourceID,
		ResourceKind: "object_type", ResourceID: "user", TTL: time.Hour,
	})
	assert.True(t, IsErrLockConflict(err))

	// a different kind is admitted
	_, err = m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "editor",
		Type: database.LockManual, Scope: database.ScopeResourceID,
		ResourceKind: "link_type", ResourceID: "authored", TTL: time.Hour,
	})
	assert.NoError(t, err)

	// a branch lock is blocked by anything held
	_, err = m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "maintainer",
		Type: database.LockMaintenance, Scope: database.ScopeBranch,
		TTL: time.Hour,
	})
	assert.True(t, IsErrLockConflict(err))

	// other branches are unaffected
	_, err = m.Acquire(ctx, &AcquireRequest{
		Branch: "feature", Holder: "maintainer",
		Type: database.LockMaintenance, Scope: database.ScopeBranch,
		TTL: time.Hour,
	})
	assert.NoError(t, err)
}

func TestAcquireReentrant(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	req := &AcquireRequest{
		Branch: "mainline", Holder: "merge-engine",
		Type: database.LockMerge, Scope: database.ScopeBranch,
		TTL: time.Hour,
	}
	l1, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, l1.Acquisitions)

	l2, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, l1.ID, l2.ID)
	assert.Equal(t, 2, l2.Acquisitions)
}

func TestReleaseNotOwner(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	l, err := m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "worker-1",
		Type: database.LockManual, Scope: database.ScopeBranch,
		TTL: time.Hour,
	})
	require.NoError(t, err)

	err = m.Release(ctx, l.ID, "worker-2")
	assert.True(t, IsErrNotOwner(err))

	require.NoError(t, m.Release(ctx, l.ID, "worker-1"))
	active, err := m.ListActive(ctx, "mainline")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAcquireRejectsZeroTTL(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	_, err := m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "worker-1",
		Type: database.LockIndexing, Scope: database.ScopeBranch,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TTL")

	active, err := m.ListActive(ctx, "mainline")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestHeartbeatSlidingTTL(t *testing.T) {
	ctx := context.Background()
	m, db := newManager(t)
	l, err := m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "worker-1",
		Type: database.LockIndexing, Scope: database.ScopeBranch,
		TTL: time.Hour, SlidingTTL: true,
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Heartbeat(ctx, l.ID, "worker-1", "rebuilding index", 0.4))
	after, err := db.FindLock(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(l.ExpiresAt))
	assert.True(t, after.LastHeartbeat.After(l.LastHeartbeat))
	assert.Equal(t, "rebuilding index", after.Status)
	assert.Equal(t, 0.4, after.Progress)

	err = m.Heartbeat(ctx, l.ID, "worker-2", "", 0)
	assert.True(t, IsErrNotOwner(err))
}

func TestHeartbeatFixedTTL(t *testing.T) {
	ctx := context.Background()
	m, db := newManager(t)
	l, err := m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "worker-1",
		Type: database.LockMaintenance, Scope: database.ScopeBranch,
		TTL: time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, m.Heartbeat(ctx, l.ID, "worker-1", "vacuuming", 0.9))
	after, err := db.FindLock(ctx, l.ID)
	require.NoError(t, err)
	// expiry stays put without a sliding TTL; status and progress still land
	assert.True(t, after.ExpiresAt.Equal(l.ExpiresAt))
	assert.Equal(t, "vacuuming", after.Status)
	assert.Equal(t, 0.9, after.Progress)
}

func TestCheckWritePermission(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	_, err := m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "indexer",
		Type: database.LockIndexing, Scope: database.ScopeResourceType,
		ResourceKind: "object_type", TTL: time.Hour,
	})
	require.NoError(t, err)

	ok, reason, err := m.CheckWritePermission(ctx, "mainline", "track_change", "object_type", "user")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "indexer")

	ok, _, err = m.CheckWritePermission(ctx, "mainline", "track_change", "link_type", "authored")
	require.NoError(t, err)
	assert.True(t, ok)

	// no kind means a branch-wide probe, which any held lock blocks
	ok, _, err = m.CheckWritePermission(ctx, "mainline", "merge", "", "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = m.CheckWritePermission(ctx, "feature", "track_change", "object_type", "user")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	m, db := newManager(t)
	_, err := m.Acquire(ctx, &AcquireRequest{
		Branch: "mainline", Holder: "worker-1",
		Type: database.LockIndexing, Scope: database.ScopeBranch,
		TTL: 5 * time.Millisecond, AutoRelease: true,
	})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, m.SweepOnce(ctx))
	active, err := m.ListActive(ctx, "mainline")
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Contains(t, db.OutboxEventTypes(), "lock.auto_released")
}
