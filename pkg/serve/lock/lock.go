// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package lock implements hierarchical advisory locks over branches, resource
// types and single resources. Locks are cooperative: they gate writes only
// through the admission check, never through storage-level blocking.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/antgroup/oms/modules/events"
	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventSource is the CloudEvents source attribute for lock events.
const EventSource = "oms/lock-manager"

// ErrLockConflict reports a requested lock that overlaps a held one per the
// scope matrix.
type ErrLockConflict struct {
	Branch string
	HeldBy string
	LockID string
	Scope  string
}

func (e *ErrLockConflict) Error() string {
	return fmt.Sprintf("branch '%s': conflicting %s lock %s held by %s", e.Branch, e.Scope, e.LockID, e.HeldBy)
}

func IsErrLockConflict(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrLockConflict)
	return ok
}

// ErrNotOwner reports a release or heartbeat by someone other than the
// holder.
type ErrNotOwner struct {
	LockID string
	Holder string
}

func (e *ErrNotOwner) Error() string {
	return fmt.Sprintf("lock %s is not held by '%s'", e.LockID, e.Holder)
}

func IsErrNotOwner(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrNotOwner)
	return ok
}

type Options struct {
	// SweepInterval is the liveness sweeper period, capped at 30s.
	SweepInterval time.Duration
	// AcquireWait bounds how long an acquire blocks on the store-wide
	// advisory primitive before giving up.
	AcquireWait time.Duration
}

func (o *Options) Sanitize() {
	if o.SweepInterval <= 0 || o.SweepInterval > 30*time.Second {
		o.SweepInterval = 30 * time.Second
	}
	if o.AcquireWait <= 0 {
		o.AcquireWait = 3 * time.Second
	}
}

// Manager owns lock records. Acquisition is serialized per branch through the
// store's advisory primitive so concurrent instances agree on conflicts.
type Manager struct {
	db   database.DB
	opts Options
}

func NewManager(db database.DB, opts Options) *Manager {
	opts.Sanitize()
	return &Manager{db: db, opts: opts}
}

// AcquireRequest describes one lock. TTL is mandatory: every lock expires.
type AcquireRequest struct {
	Branch            string
	Type              string
	Scope             string
	Holder            string
	ResourceKind      string
	ResourceID        string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	SlidingTTL        bool
	AutoRelease       bool
	Reason            string
}

func (r *AcquireRequest) validate() error {
	if r.Branch == "" || r.Holder == "" {
		return fmt.Errorf("lock request needs branch and holder")
	}
	switch r.Scope {
	case database.ScopeBranch:
	case database.ScopeResourceType:
		if r.ResourceKind == "" {
			return fmt.Errorf("RESOURCE_TYPE lock needs a resource kind")
		}
	case database.ScopeResourceID:
		if r.ResourceKind == "" || r.ResourceID == "" {
			return fmt.Errorf("RESOURCE_ID lock needs resource kind and id")
		}
	default:
		return fmt.Errorf("unknown lock scope '%s'", r.Scope)
	}
	switch r.Type {
	case database.LockIndexing, database.LockMaintenance, database.LockManual, database.LockMerge:
	default:
		return fmt.Errorf("unknown lock type '%s'", r.Type)
	}
	if r.TTL <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}
	return nil
}

// conflicts applies the scope matrix between a requested (scope, kind, id)
// and a held lock on the same branch.
func conflicts(scope, kind, id string, held *database.BranchLock) bool {
	if scope == database.ScopeBranch || held.Scope == database.ScopeBranch {
		return true
	}
	switch {
	case scope == database.ScopeResourceType && held.Scope == database.ScopeResourceType:
		return kind == held.ResourceKind
	case scope == database.ScopeResourceType && held.Scope == database.ScopeResourceID:
		return kind == held.ResourceKind
	case scope == database.ScopeResourceID && held.Scope == database.ScopeResourceType:
		return kind == held.ResourceKind
	default:
		return kind == held.ResourceKind && id == held.ResourceID
	}
}

func sameKey(r *AcquireRequest, held *database.BranchLock) bool {
	return r.Scope == held.Scope && r.ResourceKind == held.ResourceKind && r.ResourceID == held.ResourceID
}

// Acquire takes the lock or fails with ErrLockConflict. A holder re-acquiring
// its exact key gets the held lock back with the acquisition counter bumped.
func (m *Manager) Acquire(ctx context.Context, req *AcquireRequest) (*database.BranchLock, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	// Conflict check and insert must be atomic across instances; the branch
	// key section covers every scope on the branch.
	key := plumbing.HashKey64("lock", req.Branch)
	got, err := m.db.AdvisoryAcquire(ctx, key, m.opts.AcquireWait)
	if err != nil {
		return nil, err
	}
	if !got {
		return nil, &ErrLockConflict{Branch: req.Branch, Scope: req.Scope, HeldBy: "<advisory>", LockID: "<busy>"}
	}
	defer func() {
		if err := m.db.AdvisoryRelease(ctx, key); err != nil {
			logrus.Errorf("release advisory section for %s: %v", req.Branch, err)
		}
	}()

	held, err := m.db.ListActiveLocks(ctx, req.Branch)
	if err != nil {
		return nil, err
	}
	for _, l := range held {
		if l.Holder == req.Holder && sameKey(req, l) {
			if err := m.db.BumpAcquisitions(ctx, l.ID); err != nil {
				return nil, err
			}
			l.Acquisitions++
			return l, nil
		}
		if conflicts(req.Scope, req.ResourceKind, req.ResourceID, l) {
			return nil, &ErrLockConflict{Branch: req.Branch, HeldBy: l.Holder, LockID: l.ID, Scope: l.Scope}
		}
	}

	now := time.Now()
	l := &database.BranchLock{
		ID:                uuid.NewString(),
		Branch:            req.Branch,
		Type:              req.Type,
		Scope:             req.Scope,
		Holder:            req.Holder,
		ResourceKind:      req.ResourceKind,
		ResourceID:        req.ResourceID,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(req.TTL),
		HeartbeatInterval: req.HeartbeatInterval,
		LastHeartbeat:     now,
		SlidingTTL:        req.SlidingTTL,
		AutoRelease:       req.AutoRelease,
		Reason:            req.Reason,
		Acquisitions:      1,
	}
	if err := m.db.InsertLock(ctx, l); err != nil {
		return nil, err
	}
	m.stageEvent(ctx, events.LockAcquired, l)
	return l, nil
}

// Release drops the lock. Holder mismatch fails with ErrNotOwner and leaves
// the lock in place.
func (m *Manager) Release(ctx context.Context, id, holder string) error {
	l, err := m.db.FindLock(ctx, id)
	if err != nil {
		return err
	}
	if l.Holder != holder {
		return &ErrNotOwner{LockID: id, Holder: holder}
	}
	removed, err := m.db.DeleteLock(ctx, id, holder)
	if err != nil {
		return err
	}
	if !removed {
		return &database.ErrRevisionNotFound{Revision: "lock " + id}
	}
	m.stageEvent(ctx, events.LockReleased, l)
	return nil
}

// Heartbeat records liveness along with the holder's reported status and
// progress. Expiry only moves for sliding-TTL locks.
func (m *Manager) Heartbeat(ctx context.Context, id, holder, status string, progress float64) error {
	l, err := m.db.FindLock(ctx, id)
	if err != nil {
		return err
	}
	if l.Holder != holder {
		return &ErrNotOwner{LockID: id, Holder: holder}
	}
	ttl := l.ExpiresAt.Sub(l.AcquiredAt)
	touched, err := m.db.TouchLock(ctx, id, holder, time.Now(), l.SlidingTTL, ttl, status, progress)
	if err != nil {
		return err
	}
	if !touched {
		return &database.ErrRevisionNotFound{Revision: "lock " + id}
	}
	return nil
}

func (m *Manager) ListActive(ctx context.Context, branch string) ([]*database.BranchLock, error) {
	return m.db.ListActiveLocks(ctx, branch)
}

// CheckWritePermission is the admission check the branch registry consults
// before any write. A write behaves like a momentary RESOURCE_ID probe (or
// wider, when kind or id is unspecified) against every held lock.
func (m *Manager) CheckWritePermission(ctx context.Context, branch, action, resourceKind, resourceID string) (bool, string, error) {
	scope := database.ScopeResourceID
	if resourceID == "" {
		scope = database.ScopeResourceType
	}
	if resourceKind == "" {
		scope = database.ScopeBranch
	}
	held, err := m.db.ListActiveLocks(ctx, branch)
	if err != nil {
		return false, "", err
	}
	for _, l := range held {
		if conflicts(scope, resourceKind, resourceID, l) {
			return false, fmt.Sprintf("%s blocked by %s %s lock %s held by %s", action, l.Type, l.Scope, l.ID, l.Holder), nil
		}
	}
	return true, "", nil
}

func (m *Manager) stageEvent(ctx context.Context, eventType string, l *database.BranchLock) {
	envelope, err := events.New(eventType, EventSource, &events.LockEventData{
		Branch:       l.Branch,
		LockID:       l.ID,
		LockType:     l.Type,
		Scope:        l.Scope,
		Holder:       l.Holder,
		ResourceKind: l.ResourceKind,
		ResourceID:   l.ResourceID,
		Reason:       l.Reason,
	})
	if err != nil {
		logrus.Errorf("build %s event for lock %s: %v", eventType, l.ID, err)
		return
	}
	payload, err := envelope.Marshal()
	if err != nil {
		logrus.Errorf("encode %s event for lock %s: %v", eventType, l.ID, err)
		return
	}
	if err := m.db.InsertOutbox(ctx, &database.OutboxRow{
		Branch:    l.Branch,
		EventType: eventType,
		Payload:   payload,
	}); err != nil {
		logrus.Errorf("stage %s event for lock %s: %v", eventType, l.ID, err)
	}
}
