// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"context"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/emirpasic/gods/trees/binaryheap"
)

// commitHeap pops the most recent commit first; ties break on hash order so
// traversal is deterministic.
func newCommitHeap() *binaryheap.Heap {
	return binaryheap.NewWith(func(a, b interface{}) int {
		ca, cb := a.(*schema.Commit), b.(*schema.Commit)
		if ca.Less(cb) {
			return 1
		}
		if cb.Less(ca) {
			return -1
		}
		return 0
	})
}

// MergeBase returns the lowest common ancestor of a and b, or ZeroHash when
// the histories are unrelated. The walk descends newest-first so the first
// ancestor of a reached from b is the lowest one.
func (o *ODB) MergeBase(ctx context.Context, a, b plumbing.Hash) (plumbing.Hash, error) {
	if a == b {
		return a, nil
	}
	reachable := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{a}
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if reachable[oid] {
			continue
		}
		reachable[oid] = true
		c, err := o.Commit(ctx, oid)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		queue = append(queue, c.Parents...)
	}

	heap := newCommitHeap()
	seen := make(map[plumbing.Hash]bool)
	start, err := o.Commit(ctx, b)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	heap.Push(start)
	seen[b] = true
	for {
		v, ok := heap.Pop()
		if !ok {
			break
		}
		c := v.(*schema.Commit)
		if reachable[c.Hash] {
			return c.Hash, nil
		}
		for _, p := range c.Parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			pc, err := o.Commit(ctx, p)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			heap.Push(pc)
		}
		if err := ctx.Err(); err != nil {
			return plumbing.ZeroHash, err
		}
	}
	return plumbing.ZeroHash, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (o *ODB) IsAncestor(ctx context.Context, ancestor, descendant plumbing.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	seen := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{descendant}
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if oid == ancestor {
			return true, nil
		}
		if seen[oid] {
			continue
		}
		seen[oid] = true
		c, err := o.Commit(ctx, oid)
		if err != nil {
			return false, err
		}
		queue = append(queue, c.Parents...)
	}
	return false, nil
}
