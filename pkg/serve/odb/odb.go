// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package odb is the commit store: the single source of truth every other
// component reads through. It owns commit rows, schema trees, content blobs,
// per-resource version chains and cached deltas.
package odb

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/sirupsen/logrus"
)

// EventSource is the CloudEvents source attribute for events staged here.
const EventSource = "oms/commit-store"

type Options struct {
	// CompressionThreshold is the max patch/full size ratio before a delta
	// request falls back to FULL.
	CompressionThreshold float64
	// MaxChainLength bounds CHAIN_DELTA folding.
	MaxChainLength int
	// DeltaWorkers bounds the background delta computation pool.
	DeltaWorkers int
}

func (o *Options) Sanitize() {
	if o.CompressionThreshold <= 0 || o.CompressionThreshold > 1 {
		o.CompressionThreshold = 0.7
	}
	if o.MaxChainLength <= 0 {
		o.MaxChainLength = 5
	}
	if o.DeltaWorkers <= 0 {
		o.DeltaWorkers = 4
	}
}

// ODB is the commit store handle.
type ODB struct {
	db    database.DB
	cache CacheDB
	opts  Options

	deltaCh chan deltaJob
	wg      sync.WaitGroup
	closeFn sync.Once
}

func NewODB(db database.DB, cache CacheDB, opts Options) *ODB {
	opts.Sanitize()
	o := &ODB{
		db:      db,
		cache:   cache,
		opts:    opts,
		deltaCh: make(chan deltaJob, 256),
	}
	for i := 0; i < opts.DeltaWorkers; i++ {
		o.wg.Add(1)
		go o.deltaWorker()
	}
	return o
}

// Close drains the delta workers. The database handle is owned by the caller.
func (o *ODB) Close() {
	o.closeFn.Do(func() {
		close(o.deltaCh)
	})
	o.wg.Wait()
}

// Commit resolves a commit by hash, verifying the content address on a cache
// miss. A hash mismatch is an invariant breach and surfaces as fatal.
func (o *ODB) Commit(ctx context.Context, oid plumbing.Hash) (*schema.Commit, error) {
	if c, ok := o.cache.Commit(oid); ok {
		return c, nil
	}
	row, err := o.db.FindCommit(ctx, oid.String())
	if err != nil {
		return nil, err
	}
	c := commitFromRow(row)
	if got := c.Rehash(); got != oid {
		return nil, fmt.Errorf("fatal: commit %s content hash mismatch (got %s)", oid, got)
	}
	_ = o.cache.Store(c)
	return c, nil
}

// Tree resolves the schema tree blob referenced by a commit.
func (o *ODB) Tree(ctx context.Context, oid plumbing.Hash) (*schema.Tree, error) {
	if t, ok := o.cache.Tree(oid); ok {
		return t, nil
	}
	raw, err := o.db.FindContent(ctx, oid.String())
	if err != nil {
		return nil, err
	}
	t := &schema.Tree{Hash: oid}
	if err := t.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", oid, err)
	}
	_ = o.cache.Store(t)
	return t, nil
}

// Content resolves a resource content blob by content hash.
func (o *ODB) Content(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	if b, ok := o.cache.Content(oid); ok {
		return b, nil
	}
	raw, err := o.db.FindContent(ctx, oid.String())
	if err != nil {
		return nil, err
	}
	if got := plumbing.HashBytes(raw); got != oid {
		return nil, fmt.Errorf("fatal: content %s hash mismatch (got %s)", oid, got)
	}
	o.cache.StoreContent(oid, raw)
	return raw, nil
}

// TreeAt resolves the schema tree for a commit hash.
func (o *ODB) TreeAt(ctx context.Context, commit plumbing.Hash) (*schema.Tree, error) {
	c, err := o.Commit(ctx, commit)
	if err != nil {
		return nil, err
	}
	return o.Tree(ctx, c.Tree)
}

func commitFromRow(row *database.Commit) *schema.Commit {
	c := &schema.Commit{
		Tree:    plumbing.NewHash(row.TreeHash),
		Message: row.Message,
	}
	for _, p := range row.Parents {
		c.Parents = append(c.Parents, plumbing.NewHash(p))
	}
	c.Author.Decode([]byte(row.Author))
	c.Committer.Decode([]byte(row.Committer))
	c.Hash = plumbing.NewHash(row.Hash)
	return c
}

func rowFromCommit(c *schema.Commit) *database.Commit {
	row := &database.Commit{
		Hash:      c.Hash.String(),
		TreeHash:  c.Tree.String(),
		Author:    c.Author.String(),
		Committer: c.Committer.String(),
		When:      c.Committer.When,
		Message:   c.Message,
	}
	for _, p := range c.Parents {
		row.Parents = append(row.Parents, p.String())
	}
	return row
}

// monotonicWhen keeps commit timestamps non-decreasing per branch.
func (o *ODB) monotonicWhen(ctx context.Context, parent plumbing.Hash, now time.Time) time.Time {
	if parent.IsZero() {
		return now
	}
	pc, err := o.Commit(ctx, parent)
	if err != nil {
		logrus.Errorf("resolve parent %s for timestamp ordering: %v", parent, err)
		return now
	}
	if pc.Committer.When.After(now) {
		return pc.Committer.When
	}
	return now
}
