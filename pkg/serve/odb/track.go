// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/antgroup/oms/modules/events"
	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/sirupsen/logrus"
	"gomodules.xyz/jsonpatch/v2"
)

// TrackChange appends one version to the (kind, id, branch) chain. Content
// identical to the chain's latest version is a no-op: the latest version is
// returned unchanged and no commit or event is produced. A nil content with
// ChangeDelete removes the resource from the tree.
func (o *ODB) TrackChange(ctx context.Context, kind schema.ResourceKind, id, branch string, content []byte, changeType schema.ChangeType, author schema.Signature) (*database.ResourceVersion, error) {
	if !schema.ValidResourceKind(kind) {
		return nil, fmt.Errorf("unknown resource kind '%s'", kind)
	}
	if !database.ValidateResourceID(id) {
		return nil, fmt.Errorf("invalid resource id '%s'", id)
	}
	b, err := o.db.FindBranch(ctx, branch)
	if err != nil {
		return nil, err
	}

	var latest *database.ResourceVersion
	if v, err := o.db.LatestResourceVersion(ctx, string(kind), id, branch); err == nil {
		latest = v
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	contentHash := plumbing.ZeroHash
	if changeType != schema.ChangeDelete {
		contentHash = plumbing.HashBytes(content)
		if latest != nil && latest.ContentHash == contentHash.String() && latest.ChangeType != string(schema.ChangeDelete) {
			return latest, nil
		}
	} else if latest == nil || latest.ChangeType == string(schema.ChangeDelete) {
		return nil, &database.ErrRevisionNotFound{Revision: string(kind) + "/" + id}
	}

	head := plumbing.NewHash(b.Head)
	tree, err := o.TreeAt(ctx, head)
	if err != nil {
		return nil, err
	}
	newTree := tree.Clone()
	if changeType == schema.ChangeDelete {
		newTree.Remove(kind, id)
	} else {
		newTree.Upsert(schema.TreeEntry{Kind: kind, ID: id, Hash: contentHash})
	}

	now := o.monotonicWhen(ctx, head, time.Now())
	author.When = now

	var version int64 = 1
	var parentVersion int64
	if latest != nil {
		version = latest.Version + 1
		parentVersion = latest.Version
	}

	fields := o.fieldsChanged(ctx, latest, content, changeType)
	summary := fmt.Sprintf("%s %s %s", changeType, kind, id)

	rv := &database.ResourceVersion{
		ResourceKind:  string(kind),
		ResourceID:    id,
		Branch:        branch,
		Version:       version,
		ParentVersion: parentVersion,
		ContentHash:   contentHash.String(),
		Size:          int64(len(content)),
		ChangeType:    string(changeType),
		Summary:       summary,
		FieldsChanged: fields,
		Author:        author.String(),
		CreatedAt:     now,
	}

	req := &AppendRequest{
		Parents:   []plumbing.Hash{head},
		Author:    author,
		Committer: author,
		Tree:      newTree,
		Message:   summary,
		Contents:  map[string][]byte{},
		Versions:  []*database.ResourceVersion{rv},
		Head:      &database.Command{Branch: branch, OldRev: b.Head, Actor: author.Name},
	}
	if changeType != schema.ChangeDelete {
		req.Contents[contentHash.String()] = content
	}

	// ETag is derived from the commit, so the commit hash must be known
	// before the version row is written; compute it the same way
	// AppendCommit will.
	treeHash := newTree.Rehash()
	probe := &schema.Commit{Tree: treeHash, Parents: req.Parents, Author: author, Committer: author, Message: summary}
	rv.ETag = plumbing.NewETag(probe.Rehash(), version)

	eventType := events.SchemaChanged
	if changeType == schema.ChangeRevert {
		eventType = events.SchemaReverted
	}
	envelope, err := events.New(eventType, EventSource, &events.SchemaChangedData{
		Branch:        branch,
		CommitHash:    probe.Hash.String(),
		ResourceKind:  string(kind),
		ResourceID:    id,
		Version:       version,
		ChangeType:    string(changeType),
		Author:        author.Name,
		ETag:          rv.ETag,
		FieldsChanged: fields,
	})
	if err != nil {
		return nil, err
	}
	payload, err := envelope.Marshal()
	if err != nil {
		return nil, err
	}
	req.Outbox = []*database.OutboxRow{{
		Branch:    branch,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: now,
	}}

	commitHash, err := o.AppendCommit(ctx, req)
	if err != nil {
		return nil, err
	}
	rv.CommitHash = commitHash.String()

	if latest != nil && changeType != schema.ChangeDelete {
		o.scheduleDelta(string(kind), id, branch, latest.Version, version, latest.ContentHash, content)
	}
	return rv, nil
}

// ResourceVersion returns the chain entry and its content; version 0 means
// latest.
func (o *ODB) ResourceVersion(ctx context.Context, kind schema.ResourceKind, id, branch string, version int64) (*database.ResourceVersion, []byte, error) {
	var rv *database.ResourceVersion
	var err error
	if version == 0 {
		if v, ok := o.cache.Version(string(kind), id, branch); ok {
			rv = v
		} else if rv, err = o.db.LatestResourceVersion(ctx, string(kind), id, branch); err == nil {
			o.cache.StoreVersion(rv)
		}
	} else {
		rv, err = o.db.FindResourceVersion(ctx, string(kind), id, branch, version)
	}
	if err != nil {
		return nil, nil, err
	}
	if rv.ChangeType == string(schema.ChangeDelete) {
		return rv, nil, nil
	}
	content, err := o.Content(ctx, plumbing.NewHash(rv.ContentHash))
	if err != nil {
		return nil, nil, err
	}
	return rv, content, nil
}

// fieldsChanged derives the touched field paths by diffing the previous
// content against the new one. Non-JSON content yields no field list.
func (o *ODB) fieldsChanged(ctx context.Context, latest *database.ResourceVersion, content []byte, changeType schema.ChangeType) []string {
	if latest == nil || changeType == schema.ChangeDelete {
		return nil
	}
	if !json.Valid(content) {
		return nil
	}
	old, err := o.Content(ctx, plumbing.NewHash(latest.ContentHash))
	if err != nil || !json.Valid(old) {
		if err != nil {
			logrus.Errorf("load previous content for field diff: %v", err)
		}
		return nil
	}
	ops, err := jsonpatch.CreatePatch(old, content)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool, len(ops))
	fields := make([]string, 0, len(ops))
	for _, op := range ops {
		if !seen[op.Path] {
			seen[op.Path] = true
			fields = append(fields, op.Path)
		}
	}
	sort.Strings(fields)
	return fields
}
