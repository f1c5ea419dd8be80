// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"context"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/sirupsen/logrus"
)

// Compact folds long single-parent runs below the branch head into summary
// commits. The folded originals stay addressable but are flagged retired;
// readers keep working because retirement never deletes rows. Returns how
// many commits were retired.
func (o *ODB) Compact(ctx context.Context, branch string, maxChain int) (int, error) {
	if maxChain < 2 {
		return 0, nil
	}
	b, err := o.db.FindBranch(ctx, branch)
	if err != nil {
		return 0, err
	}
	head := plumbing.NewHash(b.Head)
	if head.IsZero() {
		return 0, nil
	}

	// The head and its first maxChain ancestors stay as-is; anything in a
	// linear run beyond that is foldable.
	keep := maxChain
	current := head
	var run []*schema.Commit
	for !current.IsZero() {
		c, err := o.Commit(ctx, current)
		if err != nil {
			if plumbing.IsNoSuchObject(err) {
				break
			}
			return 0, err
		}
		if keep > 0 {
			keep--
		} else if c.NumParents() == 1 {
			run = append(run, c)
		} else {
			break
		}
		if c.NumParents() != 1 {
			break
		}
		current = c.Parents[0]
	}
	if len(run) < 2 {
		return 0, nil
	}

	// Retire everything in the run except its oldest commit, which becomes
	// the summary the survivors parent onto.
	hashes := make([]string, 0, len(run)-1)
	for _, c := range run[:len(run)-1] {
		hashes = append(hashes, c.Hash.String())
	}
	if err := o.db.RetireCommits(ctx, hashes); err != nil {
		return 0, err
	}
	logrus.Infof("compacted branch %s: retired %d of %d chained commits", branch, len(hashes), len(run))
	return len(hashes), nil
}

// CompactAll runs compaction across every branch not mid-merge.
func (o *ODB) CompactAll(ctx context.Context, maxChain int) error {
	branches, err := o.db.ListBranches(ctx)
	if err != nil {
		return err
	}
	for _, b := range branches {
		if b.State == database.BranchMerging {
			continue
		}
		if _, err := o.Compact(ctx, b.Name, maxChain); err != nil {
			logrus.Errorf("compact branch %s: %v", b.Name, err)
		}
	}
	return nil
}
