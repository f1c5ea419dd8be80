// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"time"

	"github.com/antgroup/oms/modules/events"
	"github.com/sirupsen/logrus"
)

// RunSweeper releases expired and heartbeat-stale locks until ctx is done.
// Every auto-release stages a lock.auto_released event.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepOnce(ctx); err != nil {
				logrus.Errorf("lock sweep: %v", err)
			}
		}
	}
}

// SweepOnce releases every lock past expiry or missing heartbeats, returning
// the first storage error after attempting them all.
func (m *Manager) SweepOnce(ctx context.Context) error {
	expired, err := m.db.ExpiredLocks(ctx, time.Now())
	if err != nil {
		return err
	}
	var firstErr error
	for _, l := range expired {
		removed, err := m.db.DeleteLock(ctx, l.ID, l.Holder)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !removed {
			// the holder released it between listing and now
			continue
		}
		logrus.Infof("auto-released %s %s lock %s on %s held by %s", l.Type, l.Scope, l.ID, l.Branch, l.Holder)
		m.stageEvent(ctx, events.LockAutoReleased, l)
	}
	return firstErr
}
