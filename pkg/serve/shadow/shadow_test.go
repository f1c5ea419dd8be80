package shadow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/database/dbtest"
	"github.com/antgroup/oms/pkg/serve/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) (*Coordinator, *dbtest.MemDB) {
	t.Helper()
	db := dbtest.New()
	locks := lock.NewManager(db, lock.Options{AcquireWait: 50 * time.Millisecond})
	return NewCoordinator(db, locks, Options{SwitchTimeout: time.Second}), db
}

func TestStartBuildRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)

	ix, err := c.StartBuild(ctx, "mainline", "SEARCH", []string{"object_type"}, "/tmp/ix.shadow", "/tmp/ix")
	require.NoError(t, err)
	assert.Equal(t, database.ShadowBuilding, ix.State)

	_, err = c.StartBuild(ctx, "mainline", "SEARCH", nil, "/tmp/ix2.shadow", "/tmp/ix")
	assert.True(t, IsErrDuplicateBuild(err))

	// a different index type builds concurrently
	_, err = c.StartBuild(ctx, "mainline", "GRAPH", nil, "/tmp/graph.shadow", "/tmp/graph")
	assert.NoError(t, err)
}

func TestUpdateProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	ix, err := c.StartBuild(ctx, "mainline", "SEARCH", nil, "/tmp/ix.shadow", "/tmp/ix")
	require.NoError(t, err)

	require.NoError(t, c.UpdateProgress(ctx, ix.ID, 40, 100))
	require.NoError(t, c.UpdateProgress(ctx, ix.ID, 20, 50))
	got, err := c.Find(ctx, ix.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(40), got.Progress)
	assert.Equal(t, int64(100), got.RecordCount)
}

func TestCompleteBuild(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	ix, err := c.StartBuild(ctx, "mainline", "SEARCH", nil, "/tmp/ix.shadow", "/tmp/ix")
	require.NoError(t, err)

	built, err := c.CompleteBuild(ctx, ix.ID, 4096, 250, "")
	require.NoError(t, err)
	assert.Equal(t, database.ShadowBuilt, built.State)
	assert.Equal(t, float64(100), built.Progress)
	assert.Equal(t, int64(250), built.RecordCount)

	// completing twice is refused
	_, err = c.CompleteBuild(ctx, ix.ID, 4096, 250, "")
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	staging := filepath.Join(t.TempDir(), "ix.shadow")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	ix, err := c.StartBuild(ctx, "mainline", "SEARCH", nil, staging, "/tmp/ix")
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, ix.ID, "operator", "superseded"))
	got, err := c.Find(ctx, ix.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ShadowCancelled, got.State)
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
}

func buildIndex(t *testing.T, c *Coordinator, dir, branch string, records int64) (*database.ShadowIndex, string) {
	t.Helper()
	ctx := context.Background()
	shadowPath := filepath.Join(dir, "search.shadow")
	currentPath := filepath.Join(dir, "search")
	require.NoError(t, os.MkdirAll(shadowPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shadowPath, "segment-0"), []byte("fresh index data"), 0o644))

	ix, err := c.StartBuild(ctx, branch, "SEARCH", []string{"object_type"}, shadowPath, currentPath)
	require.NoError(t, err)
	checksum, err := checksumPath(shadowPath)
	require.NoError(t, err)
	_, err = c.CompleteBuild(ctx, ix.ID, 16, records, checksum)
	require.NoError(t, err)
	return ix, currentPath
}

func TestSwitchPromotes(t *testing.T) {
	ctx := context.Background()
	c, db := newCoordinator(t)
	dir := t.TempDir()
	ix, currentPath := buildIndex(t, c, dir, "mainline", 250)

	res, err := c.Switch(ctx, ix.ID, &SwitchRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "passed", res.Validation)

	got, err := c.Find(ctx, ix.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ShadowActive, got.State)

	data, err := os.ReadFile(filepath.Join(currentPath, "segment-0"))
	require.NoError(t, err)
	assert.Equal(t, "fresh index data", string(data))

	// the switch lock is released and the event staged
	active, err := c.locks.ListActive(ctx, "mainline")
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Contains(t, db.OutboxEventTypes(), "index.switched")
}

func TestSwitchDemotesPreviousActive(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	first, _ := buildIndex(t, c, t.TempDir(), "mainline", 100)
	_, err := c.Switch(ctx, first.ID, &SwitchRequest{})
	require.NoError(t, err)

	second, _ := buildIndex(t, c, t.TempDir(), "mainline", 120)
	_, err = c.Switch(ctx, second.ID, &SwitchRequest{})
	require.NoError(t, err)

	old, err := c.Find(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ShadowCancelled, old.State)
	cur, err := c.Find(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ShadowActive, cur.State)
}

func TestSwitchRejectsEmptyIndex(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	ix, _ := buildIndex(t, c, t.TempDir(), "mainline", 0)

	_, err := c.Switch(ctx, ix.ID, &SwitchRequest{})
	assert.True(t, IsErrValidationFailed(err))
	got, err := c.Find(ctx, ix.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ShadowFailed, got.State)
}

func TestSwitchForceWaivesRecordCount(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	ix, _ := buildIndex(t, c, t.TempDir(), "mainline", 0)

	res, err := c.Switch(ctx, ix.ID, &SwitchRequest{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSwitchRejectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	dir := t.TempDir()
	ix, _ := buildIndex(t, c, dir, "mainline", 50)

	// the staging content drifts after the checksum was recorded
	require.NoError(t, os.WriteFile(filepath.Join(dir, "search.shadow", "segment-0"), []byte("tampered"), 0o644))

	_, err := c.Switch(ctx, ix.ID, &SwitchRequest{})
	require.True(t, IsErrValidationFailed(err))
	assert.Contains(t, err.Error(), "checksum")
}

func TestSwitchCustomCheck(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	ix, _ := buildIndex(t, c, t.TempDir(), "mainline", 50)

	_, err := c.Switch(ctx, ix.ID, &SwitchRequest{
		Checks: []Check{func(ix *database.ShadowIndex) error {
			return assert.AnError
		}},
	})
	assert.True(t, IsErrValidationFailed(err))
}

func TestChecksumPathIsOrderStable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("aa"), 0o644))

	first, err := checksumPath(dir)
	require.NoError(t, err)
	second, err := checksumPath(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("changed"), 0o644))
	third, err := checksumPath(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}
