// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"context"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
)

// Init creates the genesis commit (empty tree, no parents) and the named
// branch pointing at it. An already-initialized branch is left untouched and
// its head is returned, so Init is safe to run on every start.
func (o *ODB) Init(ctx context.Context, branch string, author schema.Signature) (plumbing.Hash, error) {
	if b, err := o.db.FindBranch(ctx, branch); err == nil {
		return plumbing.NewHash(b.Head), nil
	} else if !database.IsNotFound(err) {
		return plumbing.ZeroHash, err
	}
	if author.When.IsZero() {
		author.When = time.Now()
	}
	hash, err := o.AppendCommit(ctx, &AppendRequest{
		Author:    author,
		Committer: author,
		Tree:      &schema.Tree{},
		Message:   "initialize schema store",
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := o.db.DoBranchUpdate(ctx, &database.Command{
		Branch: branch,
		OldRev: plumbing.ZERO_OID,
		NewRev: hash.String(),
		Actor:  author.Name,
	}); err != nil {
		// another instance won the race; adopt its head
		if database.IsErrExist(err) {
			b, ferr := o.db.FindBranch(ctx, branch)
			if ferr != nil {
				return plumbing.ZeroHash, ferr
			}
			return plumbing.NewHash(b.Head), nil
		}
		return plumbing.ZeroHash, err
	}
	return hash, nil
}
