package database

import (
	"context"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUnconnectedDB(t *testing.T) DB {
	t.Helper()
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = "127.0.0.1:3306"
	cfg.DBName = "oms"
	db, err := NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Held advisory sections are tracked per store handle; a release for a key
// this handle never acquired fails before any server round trip.
func TestAdvisoryReleaseNotHeld(t *testing.T) {
	db := newUnconnectedDB(t)
	err := db.AdvisoryRelease(context.Background(), 42)
	assert.ErrorIs(t, err, ErrAdvisoryNotHeld)

	other := newUnconnectedDB(t)
	err = other.AdvisoryRelease(context.Background(), 42)
	assert.ErrorIs(t, err, ErrAdvisoryNotHeld)
}
