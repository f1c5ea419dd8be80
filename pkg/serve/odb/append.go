// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"bytes"
	"context"
	"fmt"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
)

// ErrInvalidTree reports a tree whose link types reference object types the
// tree does not define.
type ErrInvalidTree struct {
	Reference string
	Missing   string
}

func (e *ErrInvalidTree) Error() string {
	return fmt.Sprintf("invalid tree: link type '%s' references undefined type '%s'", e.Reference, e.Missing)
}

func IsErrInvalidTree(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrInvalidTree)
	return ok
}

// AppendRequest carries one atomic write: the new commit plus every row that
// must become visible with it.
type AppendRequest struct {
	Parents   []plumbing.Hash
	Author    schema.Signature
	Committer schema.Signature
	Tree      *schema.Tree
	Message   string
	// Contents maps content hash to blob for anything the tree newly
	// references.
	Contents map[string][]byte
	Versions []*database.ResourceVersion
	Outbox   []*database.OutboxRow
	Head     *database.Command
}

// AppendCommit validates parents and the tree, computes the content address
// and persists everything atomically. Parents that do not resolve fail with
// ErrConflictingParent; trees referencing undefined types fail with
// ErrInvalidTree.
func (o *ODB) AppendCommit(ctx context.Context, req *AppendRequest) (plumbing.Hash, error) {
	if err := o.validateTree(ctx, req.Tree, req.Contents); err != nil {
		return plumbing.ZeroHash, err
	}
	treeHash := req.Tree.Rehash()

	c := &schema.Commit{
		Tree:      treeHash,
		Parents:   req.Parents,
		Author:    req.Author,
		Committer: req.Committer,
		Message:   req.Message,
	}
	c.Rehash()

	var treeBuf bytes.Buffer
	if err := req.Tree.Encode(&treeBuf); err != nil {
		return plumbing.ZeroHash, err
	}
	contents := make(map[string][]byte, len(req.Contents)+1)
	for k, v := range req.Contents {
		contents[k] = v
	}
	contents[treeHash.String()] = treeBuf.Bytes()

	commitHash := c.Hash.String()
	for i := range req.Versions {
		req.Versions[i].CommitHash = commitHash
	}
	for i := range req.Outbox {
		req.Outbox[i].CommitHash = commitHash
	}
	if req.Head != nil {
		req.Head.NewRev = commitHash
	}
	if err := o.db.AppendCommit(ctx, &database.Append{
		Commit:   rowFromCommit(c),
		Contents: contents,
		Versions: req.Versions,
		Outbox:   req.Outbox,
		Head:     req.Head,
	}); err != nil {
		return plumbing.ZeroHash, err
	}
	_ = o.cache.Store(c)
	_ = o.cache.Store(req.Tree)
	for _, v := range req.Versions {
		o.cache.InvalidateVersion(v.ResourceKind, v.ResourceID, v.Branch)
	}
	return c.Hash, nil
}

// validateTree checks that every link type in the tree points at object
// types the tree defines. Contents are resolved from the staged blobs first,
// then the store.
func (o *ODB) validateTree(ctx context.Context, tree *schema.Tree, staged map[string][]byte) error {
	objects := make(map[string]bool)
	for _, e := range tree.Entries {
		if e.Kind == schema.ObjectTypeKind {
			objects[e.ID] = true
		}
	}
	for _, e := range tree.Entries {
		if e.Kind != schema.LinkTypeKind {
			continue
		}
		raw, ok := staged[e.Hash.String()]
		if !ok {
			var err error
			if raw, err = o.Content(ctx, e.Hash); err != nil {
				return err
			}
		}
		lt, err := schema.DecodeLinkType(raw)
		if err != nil {
			return &ErrInvalidTree{Reference: e.ID, Missing: "<unparseable>"}
		}
		if lt.From != "" && !objects[lt.From] {
			return &ErrInvalidTree{Reference: e.ID, Missing: lt.From}
		}
		if lt.To != "" && !objects[lt.To] {
			return &ErrInvalidTree{Reference: e.ID, Missing: lt.To}
		}
	}
	return nil
}
