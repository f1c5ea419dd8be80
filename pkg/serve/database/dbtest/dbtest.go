// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package dbtest provides an in-memory database.DB for tests. It mirrors the
// MySQL implementation's semantics (CAS head updates, insert-ignore
// projections, advisory keys) without a server.
package dbtest

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/pkg/serve/database"
)

type versionKey struct {
	kind, id, branch string
	version          int64
}

type deltaKey struct {
	kind, id, branch string
	from, to         int64
}

// MemDB implements database.DB in memory. All methods are safe for
// concurrent use.
type MemDB struct {
	mu sync.Mutex

	commits  map[string]*database.Commit
	contents map[string][]byte
	versions map[versionKey]*database.ResourceVersion
	deltas   map[deltaKey]*database.VersionDelta
	branches map[string]*database.Branch
	locks    map[string]*database.BranchLock
	shadows  map[string]*database.ShadowIndex

	outboxSeq int64
	outbox    []*database.OutboxRow
	dead      []*database.OutboxRow

	history  map[string]*database.HistoryEntry
	audits   map[string]*database.AuditLogEntry
	ingested map[string]time.Time
	dlq      []*database.DLQRow

	advisory map[uint64]bool
}

var _ database.DB = (*MemDB)(nil)

func New() *MemDB {
	return &MemDB{
		commits:  make(map[string]*database.Commit),
		contents: make(map[string][]byte),
		versions: make(map[versionKey]*database.ResourceVersion),
		deltas:   make(map[deltaKey]*database.VersionDelta),
		branches: make(map[string]*database.Branch),
		locks:    make(map[string]*database.BranchLock),
		shadows:  make(map[string]*database.ShadowIndex),
		history:  make(map[string]*database.HistoryEntry),
		audits:   make(map[string]*database.AuditLogEntry),
		ingested: make(map[string]time.Time),
		advisory: make(map[uint64]bool),
	}
}

func (m *MemDB) Database() *sql.DB { return nil }

func (m *MemDB) Setup(ctx context.Context) error { return nil }

func (m *MemDB) Close() error { return nil }

// CommitStore

func (m *MemDB) FindCommit(ctx context.Context, hash string) (*database.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commits[hash]
	if !ok {
		return nil, plumbing.NoSuchObject(plumbing.NewHash(hash))
	}
	cc := *c
	return &cc, nil
}

func (m *MemDB) CommitExists(ctx context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.commits[hash]
	return ok, nil
}

func (m *MemDB) AppendCommit(ctx context.Context, a *database.Append) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := a.Commit
	for _, parent := range c.Parents {
		if _, ok := m.commits[parent]; !ok {
			return &database.ErrConflictingParent{Parent: parent}
		}
	}
	if _, ok := m.commits[c.Hash]; ok {
		// content-addressed: an identical commit is already present
		return nil
	}
	if a.Head != nil {
		b, ok := m.branches[a.Head.Branch]
		if !ok {
			return &database.ErrStaleHead{Branch: a.Head.Branch, Expected: a.Head.OldRev}
		}
		if b.Protected && !a.Head.Force {
			return database.NewErrExist("branch '%s' is protected", a.Head.Branch)
		}
		if b.Head != a.Head.OldRev {
			return &database.ErrStaleHead{Branch: a.Head.Branch, Expected: a.Head.OldRev, Actual: b.Head}
		}
	}
	cc := *c
	m.commits[c.Hash] = &cc
	for hash, data := range a.Contents {
		if _, ok := m.contents[hash]; !ok {
			m.contents[hash] = append([]byte(nil), data...)
		}
	}
	for _, v := range a.Versions {
		vv := *v
		m.versions[versionKey{v.ResourceKind, v.ResourceID, v.Branch, v.Version}] = &vv
	}
	for _, row := range a.Outbox {
		m.outboxSeq++
		rr := *row
		rr.ID = m.outboxSeq
		rr.Status = database.OutboxPending
		m.outbox = append(m.outbox, &rr)
	}
	if a.Head != nil {
		b := m.branches[a.Head.Branch]
		b.Head = a.Head.NewRev
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemDB) RetireCommits(ctx context.Context, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hash := range hashes {
		if c, ok := m.commits[hash]; ok {
			c.Retired = true
		}
	}
	return nil
}

func (m *MemDB) FindContent(ctx context.Context, hash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.contents[hash]
	if !ok {
		return nil, plumbing.NoSuchObject(plumbing.NewHash(hash))
	}
	return append([]byte(nil), data...), nil
}

// VersionStore

func (m *MemDB) LatestResourceVersion(ctx context.Context, kind, id, branch string) (*database.ResourceVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *database.ResourceVersion
	for k, v := range m.versions {
		if k.kind == kind && k.id == id && k.branch == branch {
			if latest == nil || v.Version > latest.Version {
				latest = v
			}
		}
	}
	if latest == nil {
		return nil, &database.ErrRevisionNotFound{Revision: kind + "/" + id}
	}
	vv := *latest
	return &vv, nil
}

func (m *MemDB) FindResourceVersion(ctx context.Context, kind, id, branch string, version int64) (*database.ResourceVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[versionKey{kind, id, branch, version}]
	if !ok {
		return nil, &database.ErrRevisionNotFound{Revision: kind + "/" + id}
	}
	vv := *v
	return &vv, nil
}

func (m *MemDB) ListResourceVersions(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) ([]*database.ResourceVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.ResourceVersion
	for k, v := range m.versions {
		if k.kind == kind && k.id == id && k.branch == branch && k.version >= fromVersion && k.version <= toVersion {
			vv := *v
			out = append(out, &vv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemDB) SaveDelta(ctx context.Context, d *database.VersionDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := deltaKey{d.ResourceKind, d.ResourceID, d.Branch, d.FromVersion, d.ToVersion}
	if _, ok := m.deltas[k]; !ok {
		dd := *d
		m.deltas[k] = &dd
	}
	return nil
}

func (m *MemDB) FindDelta(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) (*database.VersionDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deltas[deltaKey{kind, id, branch, fromVersion, toVersion}]
	if !ok {
		return nil, &database.ErrRevisionNotFound{Revision: "delta " + kind + "/" + id}
	}
	dd := *d
	return &dd, nil
}

func (m *MemDB) FindDeltaChain(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) ([]*database.VersionDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var chain []*database.VersionDelta
	next := fromVersion
	for next < toVersion {
		d, ok := m.deltas[deltaKey{kind, id, branch, next, next + 1}]
		if !ok {
			return nil, &database.ErrRevisionNotFound{Revision: "delta chain " + kind + "/" + id}
		}
		dd := *d
		chain = append(chain, &dd)
		next++
	}
	return chain, nil
}

// BranchStore

func (m *MemDB) FindBranch(ctx context.Context, name string) (*database.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[name]
	if !ok {
		return nil, &database.ErrRevisionNotFound{Revision: name}
	}
	bb := *b
	return &bb, nil
}

func (m *MemDB) ListBranches(ctx context.Context) ([]*database.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.Branch, 0, len(m.branches))
	for _, b := range m.branches {
		bb := *b
		out = append(out, &bb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemDB) DoBranchUpdate(ctx context.Context, cmd *database.Command) (*database.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd.OldRev == plumbing.ZERO_OID {
		if _, ok := m.branches[cmd.Branch]; ok {
			return nil, database.NewErrExist("branch '%s' already exists", cmd.Branch)
		}
		now := time.Now()
		b := &database.Branch{Name: cmd.Branch, Head: cmd.NewRev, State: database.BranchActive, Parent: cmd.Parent, CreatedAt: now, UpdatedAt: now}
		m.branches[cmd.Branch] = b
		bb := *b
		return &bb, nil
	}
	b, ok := m.branches[cmd.Branch]
	if !ok {
		return nil, &database.ErrRevisionNotFound{Revision: cmd.Branch}
	}
	if cmd.NewRev == plumbing.ZERO_OID {
		if b.State != database.BranchArchived {
			return nil, database.ErrArchivedOnly
		}
		delete(m.branches, cmd.Branch)
		return &database.Branch{Name: cmd.Branch, Head: cmd.OldRev}, nil
	}
	if b.Protected && !cmd.Force {
		return nil, database.NewErrExist("branch '%s' is protected", cmd.Branch)
	}
	if b.Head != cmd.OldRev {
		return nil, &database.ErrStaleHead{Branch: cmd.Branch, Expected: cmd.OldRev, Actual: b.Head}
	}
	b.Head = cmd.NewRev
	b.UpdatedAt = time.Now()
	bb := *b
	return &bb, nil
}

func (m *MemDB) UpdateBranchState(ctx context.Context, name, fromState, toState string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[name]
	if !ok {
		return &database.ErrRevisionNotFound{Revision: name}
	}
	if b.State != fromState {
		return &database.ErrStaleHead{Branch: name, Expected: fromState, Actual: b.State}
	}
	b.State = toState
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemDB) DeleteBranch(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[name]
	if !ok {
		return &database.ErrRevisionNotFound{Revision: name}
	}
	if b.State != database.BranchArchived {
		return database.ErrArchivedOnly
	}
	delete(m.branches, name)
	return nil
}

// LockStore

func (m *MemDB) InsertLock(ctx context.Context, l *database.BranchLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ll := *l
	m.locks[l.ID] = &ll
	return nil
}

func (m *MemDB) FindLock(ctx context.Context, id string) (*database.BranchLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		return nil, &database.ErrRevisionNotFound{Revision: "lock " + id}
	}
	ll := *l
	return &ll, nil
}

func (m *MemDB) DeleteLock(ctx context.Context, id, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok || l.Holder != holder {
		return false, nil
	}
	delete(m.locks, id)
	return true, nil
}

func (m *MemDB) ListActiveLocks(ctx context.Context, branch string) ([]*database.BranchLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*database.BranchLock
	for _, l := range m.locks {
		if branch != "" && l.Branch != branch {
			continue
		}
		if l.ExpiresAt.After(now) {
			ll := *l
			out = append(out, &ll)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

func (m *MemDB) TouchLock(ctx context.Context, id, holder string, heartbeat time.Time, extendExpiry bool, ttl time.Duration, status string, progress float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok || l.Holder != holder {
		return false, nil
	}
	l.LastHeartbeat = heartbeat
	l.Status = status
	l.Progress = progress
	if extendExpiry {
		l.ExpiresAt = heartbeat.Add(ttl)
	}
	return true, nil
}

func (m *MemDB) BumpAcquisitions(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[id]; ok {
		l.Acquisitions++
	}
	return nil
}

func (m *MemDB) ExpiredLocks(ctx context.Context, now time.Time) ([]*database.BranchLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.BranchLock
	for _, l := range m.locks {
		if l.ExpiresAt.Before(now) ||
			(l.AutoRelease && l.HeartbeatInterval > 0 && now.Sub(l.LastHeartbeat) > 2*l.HeartbeatInterval) {
			ll := *l
			out = append(out, &ll)
		}
	}
	return out, nil
}

// OutboxStore

func (m *MemDB) InsertOutbox(ctx context.Context, row *database.OutboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outboxSeq++
	rr := *row
	rr.ID = m.outboxSeq
	if rr.Status == "" {
		rr.Status = database.OutboxPending
	}
	if rr.CreatedAt.IsZero() {
		rr.CreatedAt = time.Now()
	}
	m.outbox = append(m.outbox, &rr)
	return nil
}

func (m *MemDB) PendingOutbox(ctx context.Context, limit int) ([]*database.OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.OutboxRow
	for _, row := range m.outbox {
		if row.Status != database.OutboxPending {
			continue
		}
		rr := *row
		out = append(out, &rr)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemDB) AckOutbox(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.outbox {
		if row.ID == id {
			m.outbox = append(m.outbox[:i], m.outbox[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemDB) FailOutbox(ctx context.Context, id int64, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.outbox {
		if row.ID == id {
			row.Attempts = attempts
			row.LastError = lastError
			break
		}
	}
	return nil
}

func (m *MemDB) BuryOutbox(ctx context.Context, row *database.OutboxRow, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.outbox {
		if r.ID == row.ID {
			m.outbox = append(m.outbox[:i], m.outbox[i+1:]...)
			break
		}
	}
	rr := *row
	rr.Status = database.OutboxDead
	rr.LastError = lastError
	m.dead = append(m.dead, &rr)
	return nil
}

func (m *MemDB) PruneDead(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*database.OutboxRow
	var pruned int64
	for _, row := range m.dead {
		if row.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, row)
	}
	m.dead = kept
	return pruned, nil
}

// ShadowStore

func (m *MemDB) InsertShadowIndex(ctx context.Context, s *database.ShadowIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss := *s
	m.shadows[s.ID] = &ss
	return nil
}

func (m *MemDB) FindShadowIndex(ctx context.Context, id string) (*database.ShadowIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shadows[id]
	if !ok {
		return nil, &database.ErrRevisionNotFound{Revision: "shadow index " + id}
	}
	ss := *s
	return &ss, nil
}

func (m *MemDB) UpdateShadowIndex(ctx context.Context, s *database.ShadowIndex, fromState string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.shadows[s.ID]
	if !ok || cur.State != fromState {
		return &database.ErrStaleHead{Branch: "shadow index " + s.ID, Expected: fromState}
	}
	s.UpdatedAt = time.Now()
	ss := *s
	m.shadows[s.ID] = &ss
	return nil
}

func (m *MemDB) ListShadowIndexes(ctx context.Context, branch string) ([]*database.ShadowIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.ShadowIndex
	for _, s := range m.shadows {
		if branch != "" && s.Branch != branch {
			continue
		}
		ss := *s
		out = append(out, &ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemDB) ActiveShadowExists(ctx context.Context, branch, indexType, state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.shadows {
		if s.Branch == branch && s.IndexType == indexType && s.State == state {
			return true, nil
		}
	}
	return false, nil
}

// ProjectionStore

func (m *MemDB) SaveHistoryEntry(ctx context.Context, e *database.HistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.history[e.EventID]; ok {
		return false, nil
	}
	ee := *e
	m.history[e.EventID] = &ee
	return true, nil
}

func (m *MemDB) SaveAuditLog(ctx context.Context, e *database.AuditLogEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.audits[e.EventID]; ok {
		return false, nil
	}
	ee := *e
	m.audits[e.EventID] = &ee
	return true, nil
}

func (m *MemDB) MarkIngested(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ingested[eventID]; ok {
		return false, nil
	}
	m.ingested[eventID] = time.Now().Add(ttl)
	return true, nil
}

func (m *MemDB) SweepIngested(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept int64
	for id, expires := range m.ingested {
		if expires.Before(now) {
			delete(m.ingested, id)
			swept++
		}
	}
	return swept, nil
}

func (m *MemDB) SaveDLQ(ctx context.Context, row *database.DLQRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr := *row
	rr.ID = int64(len(m.dlq) + 1)
	m.dlq = append(m.dlq, &rr)
	return nil
}

func (m *MemDB) PruneDLQ(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*database.DLQRow
	var pruned int64
	for _, row := range m.dlq {
		if row.FirstFailedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, row)
	}
	m.dlq = kept
	return pruned, nil
}

// Advisory

func (m *MemDB) AdvisoryAcquire(ctx context.Context, key uint64, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		if !m.advisory[key] {
			m.advisory[key] = true
			m.mu.Unlock()
			return true, nil
		}
		m.mu.Unlock()
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *MemDB) AdvisoryRelease(ctx context.Context, key uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.advisory, key)
	return nil
}

// Test inspection helpers.

// HistoryEntries returns the derived history rows sorted by event id.
func (m *MemDB) HistoryEntries() []*database.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.HistoryEntry, 0, len(m.history))
	for _, e := range m.history {
		ee := *e
		out = append(out, &ee)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// AuditLogs returns the derived audit rows sorted by event id.
func (m *MemDB) AuditLogs() []*database.AuditLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.AuditLogEntry, 0, len(m.audits))
	for _, e := range m.audits {
		ee := *e
		out = append(out, &ee)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// OutboxRows returns every live outbox row, pending or failed.
func (m *MemDB) OutboxRows() []*database.OutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.OutboxRow, 0, len(m.outbox))
	for _, row := range m.outbox {
		rr := *row
		out = append(out, &rr)
	}
	return out
}

// DeadRows returns the buried outbox rows.
// SetProtected flips branch protection, standing in for the operator-side
// update production does over SQL.
func (m *MemDB) SetProtected(name string, protected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.branches[name]; ok {
		b.Protected = protected
	}
}

func (m *MemDB) DeadRows() []*database.OutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.OutboxRow, 0, len(m.dead))
	for _, row := range m.dead {
		rr := *row
		out = append(out, &rr)
	}
	return out
}

// DLQRows returns the captured dead-letter rows.
func (m *MemDB) DLQRows() []*database.DLQRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.DLQRow, 0, len(m.dlq))
	for _, row := range m.dlq {
		rr := *row
		out = append(out, &rr)
	}
	return out
}

// OutboxEventTypes is a convenience for asserting staged event kinds.
func (m *MemDB) OutboxEventTypes() string {
	rows := m.OutboxRows()
	types := make([]string, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return strings.Join(types, ",")
}
