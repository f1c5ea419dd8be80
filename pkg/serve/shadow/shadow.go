// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package shadow coordinates background index builds and their atomic
// promotion. Builds run outside any lock; only the final path switch takes a
// brief exclusive branch lock.
package shadow

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/antgroup/oms/modules/events"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/lock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventSource is the CloudEvents source attribute for index events.
const EventSource = "oms/shadow-coordinator"

// ErrDuplicateBuild reports a second BUILDING index for the same pair.
type ErrDuplicateBuild struct {
	Branch    string
	IndexType string
}

func (e *ErrDuplicateBuild) Error() string {
	return fmt.Sprintf("branch '%s' already has a %s index building", e.Branch, e.IndexType)
}

func IsErrDuplicateBuild(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrDuplicateBuild)
	return ok
}

// ErrValidationFailed carries the precondition that rejected a switch.
type ErrValidationFailed struct {
	ShadowID string
	Check    string
	Detail   string
}

func (e *ErrValidationFailed) Error() string {
	return fmt.Sprintf("shadow index %s failed validation '%s': %s", e.ShadowID, e.Check, e.Detail)
}

func IsErrValidationFailed(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrValidationFailed)
	return ok
}

type Options struct {
	// SwitchTimeout caps the exclusive-lock window of a switch. Values over
	// 30s are clamped.
	SwitchTimeout time.Duration
}

func (o *Options) Sanitize() {
	if o.SwitchTimeout <= 0 {
		o.SwitchTimeout = 5 * time.Second
	}
	if o.SwitchTimeout > 30*time.Second {
		o.SwitchTimeout = 30 * time.Second
	}
}

// Coordinator owns shadow index metadata and the switch protocol.
type Coordinator struct {
	db    database.DB
	locks *lock.Manager
	opts  Options
}

func NewCoordinator(db database.DB, locks *lock.Manager, opts Options) *Coordinator {
	opts.Sanitize()
	return &Coordinator{db: db, locks: locks, opts: opts}
}

// StartBuild registers a BUILDING index. The build itself runs outside any
// lock; writers are unaffected until the switch.
func (c *Coordinator) StartBuild(ctx context.Context, branch, indexType string, resourceKinds []string, shadowPath, currentPath string) (*database.ShadowIndex, error) {
	building, err := c.db.ActiveShadowExists(ctx, branch, indexType, database.ShadowBuilding)
	if err != nil {
		return nil, err
	}
	if building {
		return nil, &ErrDuplicateBuild{Branch: branch, IndexType: indexType}
	}
	now := time.Now()
	ix := &database.ShadowIndex{
		ID:            uuid.NewString(),
		Branch:        branch,
		IndexType:     indexType,
		ResourceKinds: resourceKinds,
		State:         database.ShadowBuilding,
		ShadowPath:    shadowPath,
		CurrentPath:   currentPath,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.db.InsertShadowIndex(ctx, ix); err != nil {
		return nil, err
	}
	return ix, nil
}

// UpdateProgress advances the build progress; regressions are ignored so
// restarted reporters cannot move the bar backwards.
func (c *Coordinator) UpdateProgress(ctx context.Context, id string, percent float64, recordCount int64) error {
	ix, err := c.db.FindShadowIndex(ctx, id)
	if err != nil {
		return err
	}
	if ix.State != database.ShadowBuilding {
		return fmt.Errorf("shadow index %s is %s, not BUILDING", id, ix.State)
	}
	if percent > ix.Progress {
		ix.Progress = percent
	}
	if recordCount > ix.RecordCount {
		ix.RecordCount = recordCount
	}
	return c.db.UpdateShadowIndex(ctx, ix, database.ShadowBuilding)
}

// CompleteBuild transitions BUILDING to BUILT with the final stats. Content
// stays on the staging path until the switch.
func (c *Coordinator) CompleteBuild(ctx context.Context, id string, sizeBytes, recordCount int64, checksum string) (*database.ShadowIndex, error) {
	ix, err := c.db.FindShadowIndex(ctx, id)
	if err != nil {
		return nil, err
	}
	if ix.State != database.ShadowBuilding {
		return nil, fmt.Errorf("shadow index %s is %s, not BUILDING", id, ix.State)
	}
	ix.State = database.ShadowBuilt
	ix.Progress = 100
	ix.SizeBytes = sizeBytes
	ix.RecordCount = recordCount
	ix.Checksum = checksum
	if err := c.db.UpdateShadowIndex(ctx, ix, database.ShadowBuilding); err != nil {
		return nil, err
	}
	return ix, nil
}

// Cancel disposes a non-ACTIVE index and removes its staging content.
func (c *Coordinator) Cancel(ctx context.Context, id, actor, reason string) error {
	ix, err := c.db.FindShadowIndex(ctx, id)
	if err != nil {
		return err
	}
	if ix.State == database.ShadowActive {
		return fmt.Errorf("shadow index %s is ACTIVE and cannot be cancelled", id)
	}
	from := ix.State
	ix.State = database.ShadowCancelled
	ix.Error = fmt.Sprintf("cancelled by %s: %s", actor, reason)
	if err := c.db.UpdateShadowIndex(ctx, ix, from); err != nil {
		return err
	}
	if ix.ShadowPath != "" {
		if err := os.RemoveAll(ix.ShadowPath); err != nil {
			logrus.Errorf("clean staging path %s: %v", ix.ShadowPath, err)
		}
	}
	return nil
}

func (c *Coordinator) Find(ctx context.Context, id string) (*database.ShadowIndex, error) {
	return c.db.FindShadowIndex(ctx, id)
}

func (c *Coordinator) ListActive(ctx context.Context, branch string) ([]*database.ShadowIndex, error) {
	all, err := c.db.ListShadowIndexes(ctx, branch)
	if err != nil {
		return nil, err
	}
	active := make([]*database.ShadowIndex, 0, len(all))
	for _, ix := range all {
		if ix.State == database.ShadowActive || ix.State == database.ShadowBuilding || ix.State == database.ShadowBuilt {
			active = append(active, ix)
		}
	}
	return active, nil
}

func (c *Coordinator) stageSwitched(ctx context.Context, ix *database.ShadowIndex, duration time.Duration) {
	envelope, err := events.New(events.IndexSwitched, EventSource, &events.IndexSwitchedData{
		Branch:     ix.Branch,
		IndexType:  ix.IndexType,
		ShadowID:   ix.ID,
		DurationMS: duration.Milliseconds(),
		Records:    ix.RecordCount,
	})
	if err != nil {
		logrus.Errorf("build index.switched for %s: %v", ix.ID, err)
		return
	}
	payload, err := envelope.Marshal()
	if err != nil {
		logrus.Errorf("encode index.switched for %s: %v", ix.ID, err)
		return
	}
	if err := c.db.InsertOutbox(ctx, &database.OutboxRow{
		Branch:    ix.Branch,
		EventType: events.IndexSwitched,
		Payload:   payload,
	}); err != nil {
		logrus.Errorf("stage index.switched for %s: %v", ix.ID, err)
	}
}
