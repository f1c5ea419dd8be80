// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package refs is the branch registry: named mutable heads over the commit
// DAG, a per-branch state machine, and write admission via the lock manager.
package refs

import (
	"context"
	"fmt"

	"github.com/antgroup/oms/modules/events"
	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/sirupsen/logrus"
)

// EventSource is the CloudEvents source attribute for registry events.
const EventSource = "oms/branch-registry"

// WriteGate is the lock manager's admission surface. Reason is human
// readable and only meaningful when allowed is false.
type WriteGate interface {
	CheckWritePermission(ctx context.Context, branch, action string, resourceKind, resourceID string) (allowed bool, reason string, err error)
}

// CommitResolver is the slice of the commit store the registry needs.
type CommitResolver interface {
	CommitExists(ctx context.Context, hash string) (bool, error)
}

// ErrInvalidTransition reports a branch state change the machine forbids.
type ErrInvalidTransition struct {
	Branch string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("branch '%s': transition %s -> %s is not allowed", e.Branch, e.From, e.To)
}

func IsErrInvalidTransition(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrInvalidTransition)
	return ok
}

// transitions enumerates the legal state changes. READY is reachable from
// any state once every required index reports ACTIVE, so it is handled
// separately in validTransition.
var transitions = map[string][]string{
	database.BranchActive:         {database.BranchLockedForWrite, database.BranchMerging, database.BranchArchived},
	database.BranchLockedForWrite: {database.BranchActive},
	database.BranchMerging:        {database.BranchActive},
	database.BranchReady:          {database.BranchActive, database.BranchLockedForWrite, database.BranchMerging, database.BranchArchived},
}

func validTransition(from, to string) bool {
	if to == database.BranchReady {
		return from != database.BranchArchived
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Registry owns branch pointers and their states.
type Registry struct {
	db   database.DB
	odb  CommitResolver
	gate WriteGate
}

func NewRegistry(db database.DB, odb CommitResolver, gate WriteGate) *Registry {
	return &Registry{db: db, odb: odb, gate: gate}
}

// Create registers a new ACTIVE branch pointing at fromCommit and stages a
// branch.created event.
func (r *Registry) Create(ctx context.Context, name string, fromCommit plumbing.Hash, parent, actor string) (*database.Branch, error) {
	if !plumbing.ValidateBranchName([]byte(name)) {
		return nil, &plumbing.ErrBadBranchName{Name: name}
	}
	if !fromCommit.IsZero() {
		ok, err := r.odb.CommitExists(ctx, fromCommit.String())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, plumbing.NoSuchObject(fromCommit)
		}
	}
	b, err := r.db.DoBranchUpdate(ctx, &database.Command{
		Branch: name,
		OldRev: plumbing.ZERO_OID,
		NewRev: fromCommit.String(),
		Actor:  actor,
		Parent: parent,
	})
	if err != nil {
		return nil, err
	}
	if err := r.stageEvent(ctx, events.BranchCreated, &events.BranchCreatedData{
		Branch:     name,
		CommitHash: fromCommit.String(),
		Parent:     parent,
		Actor:      actor,
	}, name, fromCommit.String()); err != nil {
		logrus.Errorf("stage branch.created for %s: %v", name, err)
	}
	return b, nil
}

func (r *Registry) Find(ctx context.Context, name string) (*database.Branch, error) {
	return r.db.FindBranch(ctx, name)
}

func (r *Registry) List(ctx context.Context) ([]*database.Branch, error) {
	return r.db.ListBranches(ctx)
}

// Head resolves the branch's current head commit.
func (r *Registry) Head(ctx context.Context, name string) (plumbing.Hash, error) {
	b, err := r.db.FindBranch(ctx, name)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return plumbing.NewHash(b.Head), nil
}

// Advance compare-and-swaps the branch head. A mismatch between expected and
// the stored head fails with ErrStaleHead and moves nothing.
func (r *Registry) Advance(ctx context.Context, name string, expected, newHead plumbing.Hash, actor string) (*database.Branch, error) {
	return r.advance(ctx, name, expected, newHead, actor, false)
}

// ForceAdvance moves the head even on a protected branch; the merge engine
// uses it to land fast-forwards the way merge commits already land.
func (r *Registry) ForceAdvance(ctx context.Context, name string, expected, newHead plumbing.Hash, actor string) (*database.Branch, error) {
	return r.advance(ctx, name, expected, newHead, actor, true)
}

func (r *Registry) advance(ctx context.Context, name string, expected, newHead plumbing.Hash, actor string, force bool) (*database.Branch, error) {
	ok, err := r.odb.CommitExists(ctx, newHead.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, plumbing.NoSuchObject(newHead)
	}
	return r.db.DoBranchUpdate(ctx, &database.Command{
		Branch: name,
		OldRev: expected.String(),
		NewRev: newHead.String(),
		Actor:  actor,
		Force:  force,
	})
}

// Transition moves the branch state machine. The from state is read first
// and the store guards on it, so racing transitions lose cleanly.
func (r *Registry) Transition(ctx context.Context, name, target, actor, reason string) error {
	b, err := r.db.FindBranch(ctx, name)
	if err != nil {
		return err
	}
	if b.State == target {
		return nil
	}
	if !validTransition(b.State, target) {
		return &ErrInvalidTransition{Branch: name, From: b.State, To: target}
	}
	if err := r.db.UpdateBranchState(ctx, name, b.State, target); err != nil {
		return err
	}
	logrus.Infof("branch %s: %s -> %s by %s (%s)", name, b.State, target, actor, reason)
	return nil
}

// Archive moves the branch to ARCHIVED; only archived branches may be
// deleted.
func (r *Registry) Archive(ctx context.Context, name, actor, reason string) error {
	return r.Transition(ctx, name, database.BranchArchived, actor, reason)
}

func (r *Registry) Delete(ctx context.Context, name string) error {
	return r.db.DeleteBranch(ctx, name)
}

// CheckWritePermission consults the lock manager before any write is
// admitted. With no gate wired, everything is admitted.
func (r *Registry) CheckWritePermission(ctx context.Context, branch, action, resourceKind, resourceID string) (bool, string, error) {
	if r.gate == nil {
		return true, "", nil
	}
	return r.gate.CheckWritePermission(ctx, branch, action, resourceKind, resourceID)
}

func (r *Registry) stageEvent(ctx context.Context, eventType string, data any, branch, commitHash string) error {
	envelope, err := events.New(eventType, EventSource, data)
	if err != nil {
		return err
	}
	payload, err := envelope.Marshal()
	if err != nil {
		return err
	}
	return r.db.InsertOutbox(ctx, &database.OutboxRow{
		Branch:     branch,
		CommitHash: commitHash,
		EventType:  eventType,
		Payload:    payload,
	})
}
