// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// The advisory primitive rides on MySQL GET_LOCK/RELEASE_LOCK so every
// instance sharing the store observes the same lock space. Keys are the
// 64-bit hashes produced by plumbing.HashKey64, rendered as hex names.
//
// GET_LOCK is session-scoped: the lock lives and dies with one connection.
// Each held key therefore pins a dedicated *sql.Conn until release.

var (
	ErrAdvisoryNotHeld = errors.New("advisory lock not held")
)

type advisoryLocks struct {
	mu    sync.Mutex
	conns map[uint64]*sql.Conn
}

func advisoryName(key uint64) string {
	return fmt.Sprintf("oms:%016x", key)
}

func (d *database) AdvisoryAcquire(ctx context.Context, key uint64, wait time.Duration) (bool, error) {
	seconds := int64(wait / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	conn, err := d.Conn(ctx)
	if err != nil {
		return false, err
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "select get_lock(?, ?)", advisoryName(key), seconds).Scan(&got); err != nil {
		_ = conn.Close()
		return false, err
	}
	// NULL means the server failed to take the lock (out of memory, thread
	// killed); 0 means the wait timed out.
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return false, nil
	}
	d.advisory.mu.Lock()
	d.advisory.conns[key] = conn
	d.advisory.mu.Unlock()
	return true, nil
}

func (d *database) AdvisoryRelease(ctx context.Context, key uint64) error {
	d.advisory.mu.Lock()
	conn, ok := d.advisory.conns[key]
	delete(d.advisory.conns, key)
	d.advisory.mu.Unlock()
	if !ok {
		return ErrAdvisoryNotHeld
	}
	defer conn.Close() // nolint
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "select release_lock(?)", advisoryName(key)).Scan(&released); err != nil {
		return err
	}
	if !released.Valid || released.Int64 != 1 {
		return ErrAdvisoryNotHeld
	}
	return nil
}
