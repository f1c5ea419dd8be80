// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const lockColumns = "id, branch, lock_type, scope, holder, resource_kind, resource_id, acquired_at, expires_at, heartbeat_interval, last_heartbeat, sliding_ttl, auto_release, reason, status, progress, acquisitions"

func scanLock(row rowScanner) (*BranchLock, error) {
	var l BranchLock
	var interval int64
	err := row.Scan(&l.ID, &l.Branch, &l.Type, &l.Scope, &l.Holder, &l.ResourceKind, &l.ResourceID,
		&l.AcquiredAt, &l.ExpiresAt, &interval, &l.LastHeartbeat, &l.SlidingTTL, &l.AutoRelease, &l.Reason, &l.Status, &l.Progress, &l.Acquisitions)
	if err != nil {
		return nil, err
	}
	l.HeartbeatInterval = time.Duration(interval)
	l.AcquiredAt = l.AcquiredAt.Local()
	l.ExpiresAt = l.ExpiresAt.Local()
	l.LastHeartbeat = l.LastHeartbeat.Local()
	return &l, nil
}

func (d *database) InsertLock(ctx context.Context, l *BranchLock) error {
	_, err := d.ExecContext(ctx,
		"insert into branch_locks("+lockColumns+") values(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		l.ID, l.Branch, l.Type, l.Scope, l.Holder, l.ResourceKind, l.ResourceID,
		l.AcquiredAt, l.ExpiresAt, int64(l.HeartbeatInterval), l.LastHeartbeat, l.SlidingTTL, l.AutoRelease, l.Reason, l.Status, l.Progress, l.Acquisitions)
	return err
}

func (d *database) FindLock(ctx context.Context, id string) (*BranchLock, error) {
	row := d.QueryRowContext(ctx, "select "+lockColumns+" from branch_locks where id = ?", id)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrRevisionNotFound{Revision: "lock " + id}
	}
	return l, err
}

// DeleteLock removes the lock only when holder matches; it reports whether a
// row was removed.
func (d *database) DeleteLock(ctx context.Context, id, holder string) (bool, error) {
	result, err := d.ExecContext(ctx, "delete from branch_locks where id = ? and holder = ?", id, holder)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *database) ListActiveLocks(ctx context.Context, branch string) ([]*BranchLock, error) {
	var rows *sql.Rows
	var err error
	if branch == "" {
		rows, err = d.QueryContext(ctx, "select "+lockColumns+" from branch_locks where expires_at > ? order by acquired_at", time.Now())
	} else {
		rows, err = d.QueryContext(ctx, "select "+lockColumns+" from branch_locks where branch = ? and expires_at > ? order by acquired_at", branch, time.Now())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint
	locks := make([]*BranchLock, 0, 8)
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// TouchLock records a heartbeat plus the holder's status and progress.
// extendExpiry only moves expires_at when the lock was created with a sliding
// TTL.
func (d *database) TouchLock(ctx context.Context, id, holder string, heartbeat time.Time, extendExpiry bool, ttl time.Duration, status string, progress float64) (bool, error) {
	var result sql.Result
	var err error
	if extendExpiry {
		result, err = d.ExecContext(ctx,
			"update branch_locks set last_heartbeat = ?, status = ?, progress = ?, expires_at = ? where id = ? and holder = ?",
			heartbeat, status, progress, heartbeat.Add(ttl), id, holder)
	} else {
		result, err = d.ExecContext(ctx,
			"update branch_locks set last_heartbeat = ?, status = ?, progress = ? where id = ? and holder = ?",
			heartbeat, status, progress, id, holder)
	}
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *database) BumpAcquisitions(ctx context.Context, id string) error {
	_, err := d.ExecContext(ctx, "update branch_locks set acquisitions = acquisitions + 1 where id = ?", id)
	return err
}

// ExpiredLocks returns locks past expiry plus auto-release locks that missed
// two heartbeat intervals.
func (d *database) ExpiredLocks(ctx context.Context, now time.Time) ([]*BranchLock, error) {
	rows, err := d.QueryContext(ctx,
		"select "+lockColumns+" from branch_locks where expires_at < ? or (auto_release = 1 and heartbeat_interval > 0 and last_heartbeat < ?)",
		now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint
	locks := make([]*BranchLock, 0, 8)
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		// the heartbeat-staleness window depends on each lock's interval,
		// so re-check here instead of encoding it in SQL
		if l.ExpiresAt.Before(now) ||
			(l.AutoRelease && l.HeartbeatInterval > 0 && now.Sub(l.LastHeartbeat) > 2*l.HeartbeatInterval) {
			locks = append(locks, l)
		}
	}
	return locks, rows.Err()
}
