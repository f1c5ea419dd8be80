// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// CommitStore owns commit rows, content blobs and the transactional append
// path that couples commits, version rows and outbox rows.
type CommitStore interface {
	FindCommit(ctx context.Context, hash string) (*Commit, error)
	CommitExists(ctx context.Context, hash string) (bool, error)
	// AppendCommit persists the commit, its resource versions, its content
	// blobs and its outbox rows in one transaction, then compare-and-swaps
	// the branch head. Either everything becomes visible or nothing does.
	AppendCommit(ctx context.Context, a *Append) error
	RetireCommits(ctx context.Context, hashes []string) error
	FindContent(ctx context.Context, hash string) ([]byte, error)
}

type VersionStore interface {
	LatestResourceVersion(ctx context.Context, kind, id, branch string) (*ResourceVersion, error)
	FindResourceVersion(ctx context.Context, kind, id, branch string, version int64) (*ResourceVersion, error)
	ListResourceVersions(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) ([]*ResourceVersion, error)
	SaveDelta(ctx context.Context, d *VersionDelta) error
	FindDelta(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) (*VersionDelta, error)
	FindDeltaChain(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) ([]*VersionDelta, error)
}

type BranchStore interface {
	FindBranch(ctx context.Context, name string) (*Branch, error)
	ListBranches(ctx context.Context) ([]*Branch, error)
	DoBranchUpdate(ctx context.Context, cmd *Command) (*Branch, error)
	UpdateBranchState(ctx context.Context, name, fromState, toState string) error
	DeleteBranch(ctx context.Context, name string) error
}

type LockStore interface {
	InsertLock(ctx context.Context, l *BranchLock) error
	FindLock(ctx context.Context, id string) (*BranchLock, error)
	DeleteLock(ctx context.Context, id, holder string) (bool, error)
	ListActiveLocks(ctx context.Context, branch string) ([]*BranchLock, error)
	TouchLock(ctx context.Context, id, holder string, heartbeat time.Time, extendExpiry bool, ttl time.Duration, status string, progress float64) (bool, error)
	BumpAcquisitions(ctx context.Context, id string) error
	ExpiredLocks(ctx context.Context, now time.Time) ([]*BranchLock, error)
}

type OutboxStore interface {
	// InsertOutbox stages a row outside the commit append path, for events
	// that have no schema commit of their own (branch, lock, index events).
	InsertOutbox(ctx context.Context, row *OutboxRow) error
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxRow, error)
	AckOutbox(ctx context.Context, id int64) error
	FailOutbox(ctx context.Context, id int64, attempts int, lastError string) error
	BuryOutbox(ctx context.Context, row *OutboxRow, lastError string) error
	PruneDead(ctx context.Context, olderThan time.Time) (int64, error)
}

type ShadowStore interface {
	InsertShadowIndex(ctx context.Context, s *ShadowIndex) error
	FindShadowIndex(ctx context.Context, id string) (*ShadowIndex, error)
	UpdateShadowIndex(ctx context.Context, s *ShadowIndex, fromState string) error
	ListShadowIndexes(ctx context.Context, branch string) ([]*ShadowIndex, error)
	ActiveShadowExists(ctx context.Context, branch, indexType, state string) (bool, error)
}

// ProjectionStore persists the subscriber's derivations. Saves are idempotent
// by event id.
type ProjectionStore interface {
	SaveHistoryEntry(ctx context.Context, e *HistoryEntry) (bool, error)
	SaveAuditLog(ctx context.Context, e *AuditLogEntry) (bool, error)
	MarkIngested(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	SweepIngested(ctx context.Context, now time.Time) (int64, error)
	SaveDLQ(ctx context.Context, row *DLQRow) error
	PruneDLQ(ctx context.Context, olderThan time.Time) (int64, error)
}

// Advisory is the process-wide advisory primitive: non-blocking or bounded
// try-acquire keyed by a deterministic 64-bit hash, so multiple instances
// coordinate through the underlying store.
type Advisory interface {
	AdvisoryAcquire(ctx context.Context, key uint64, wait time.Duration) (bool, error)
	AdvisoryRelease(ctx context.Context, key uint64) error
}

type DB interface {
	Database() *sql.DB
	Setup(ctx context.Context) error
	CommitStore
	VersionStore
	BranchStore
	LockStore
	OutboxStore
	ShadowStore
	ProjectionStore
	Advisory
	Close() error
}

type database struct {
	*sql.DB
	// connections pinned by live advisory sections (see advisory.go)
	advisory advisoryLocks
}

func (d *database) Database() *sql.DB {
	return d.DB
}

func (d *database) Close() error {
	return d.DB.Close()
}

var (
	_ DB = &database{}
)

func NewDB(cfg *mysql.Config) (DB, error) {
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("new connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(25)
	db.SetMaxOpenConns(50)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &database{DB: db, advisory: advisoryLocks{conns: make(map[uint64]*sql.Conn)}}, nil
}
