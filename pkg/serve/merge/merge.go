// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/antgroup/oms/modules/events"
	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/odb"
	"github.com/antgroup/oms/pkg/serve/refs"
	"github.com/sirupsen/logrus"
)

// EventSource is the CloudEvents source attribute for merge events.
const EventSource = "oms/merge-engine"

type Options struct {
	// WallClockBudget aborts a merge that runs past it, leaving both
	// branches untouched.
	WallClockBudget time.Duration
}

func (o *Options) Sanitize() {
	if o.WallClockBudget <= 0 {
		o.WallClockBudget = 30 * time.Second
	}
}

// Engine performs three-way merges between branches.
type Engine struct {
	odb      *odb.ODB
	registry *refs.Registry
	db       database.DB
	opts     Options
}

func NewEngine(o *odb.ODB, registry *refs.Registry, db database.DB, opts Options) *Engine {
	opts.Sanitize()
	return &Engine{odb: o, registry: registry, db: db, opts: opts}
}

// Request describes one merge of source into target.
type Request struct {
	Source      string
	Target      string
	AutoResolve bool
	DryRun      bool
	// Force permits merging unrelated histories (no common ancestor).
	Force bool
	Actor schema.Signature
}

// Merge runs the three-way merge. Blocked and manual outcomes report their
// conflict lists without touching either branch head.
func (e *Engine) Merge(ctx context.Context, req *Request) (*Result, error) {
	started := time.Now()
	if req.Actor.When.IsZero() {
		req.Actor.When = started
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.WallClockBudget)
	defer cancel()

	srcHead, err := e.registry.Head(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	tgtHead, err := e.registry.Head(ctx, req.Target)
	if err != nil {
		return nil, err
	}

	base, err := e.odb.MergeBase(ctx, srcHead, tgtHead)
	if err != nil {
		return nil, err
	}
	res := &Result{DryRun: req.DryRun}
	defer func() { res.Duration = time.Since(started) }()

	if base.IsZero() && !req.Force {
		res.Status = StatusBlocked
		res.grade(&Conflict{
			Type: MissingAncestor, Severity: SeverityBlock,
			Resolution: "histories are unrelated; merge with force or rebuild the branch from a shared commit",
		})
		return res, nil
	}
	if base == srcHead {
		res.Status = StatusNoOp
		res.CommitHash = tgtHead
		return res, nil
	}
	if base == tgtHead {
		return e.fastForward(ctx, req, res, srcHead, tgtHead)
	}

	if !req.DryRun {
		if err := e.registry.Transition(ctx, req.Target, database.BranchMerging, req.Actor.Name, "merge from "+req.Source); err != nil {
			return nil, err
		}
		defer func() {
			if err := e.registry.Transition(context.WithoutCancel(ctx), req.Target, database.BranchActive, req.Actor.Name, "merge finished"); err != nil {
				logrus.Errorf("restore branch %s to ACTIVE: %v", req.Target, err)
			}
		}()
	}

	mergedTree, contents, err := e.analyze(ctx, res, base, srcHead, tgtHead)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge %s into %s: budget exceeded: %w", req.Source, req.Target, ctx.Err())
		}
		return nil, err
	}

	e.detectCycles(ctx, res, mergedTree, contents)

	switch {
	case res.MaxSeverity >= SeverityBlock:
		res.Status = StatusBlocked
		return res, nil
	case res.MaxSeverity >= SeverityError:
		res.Status = StatusManualRequired
		return res, nil
	case res.MaxSeverity > SeverityNone && !req.AutoResolve:
		res.Status = StatusManualRequired
		return res, nil
	}

	res.Status = StatusSuccess
	if req.DryRun {
		return res, nil
	}
	commit, err := e.commit(ctx, req, res, mergedTree, contents, srcHead, tgtHead)
	if err != nil {
		return nil, err
	}
	res.CommitHash = commit
	return res, nil
}

// fastForward moves the target head onto the source head without a merge
// commit.
func (e *Engine) fastForward(ctx context.Context, req *Request, res *Result, srcHead, tgtHead plumbing.Hash) (*Result, error) {
	res.Status = StatusFastForward
	res.CommitHash = srcHead
	if req.DryRun {
		return res, nil
	}
	if _, err := e.registry.ForceAdvance(ctx, req.Target, tgtHead, srcHead, req.Actor.Name); err != nil {
		return nil, err
	}
	e.stageCompleted(ctx, req, res, srcHead, true)
	return res, nil
}

// analyze walks the union of keys across the three trees and assembles the
// merged tree plus any synthesized content blobs.
func (e *Engine) analyze(ctx context.Context, res *Result, base, src, tgt plumbing.Hash) (*schema.Tree, map[string][]byte, error) {
	baseTree, err := e.odb.TreeAt(ctx, base)
	if err != nil {
		return nil, nil, err
	}
	srcTree, err := e.odb.TreeAt(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	tgtTree, err := e.odb.TreeAt(ctx, tgt)
	if err != nil {
		return nil, nil, err
	}

	keys := make(map[string]schema.TreeEntry)
	for _, t := range []*schema.Tree{baseTree, srcTree, tgtTree} {
		for _, entry := range t.Entries {
			keys[entry.Key()] = schema.TreeEntry{Kind: entry.Kind, ID: entry.ID}
		}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	a := &analyzer{eng: e, res: res}
	merged := &schema.Tree{}
	contents := make(map[string][]byte)
	for _, k := range sorted {
		key := keys[k]
		d, err := a.analyzeResource(ctx, key.Kind, key.ID, baseTree.Get(key.Kind, key.ID), srcTree.Get(key.Kind, key.ID), tgtTree.Get(key.Kind, key.ID))
		if err != nil {
			return nil, nil, err
		}
		if d.entry == nil {
			continue
		}
		merged.Upsert(*d.entry)
		if d.content != nil {
			contents[d.entry.Hash.String()] = d.content
		}
	}
	merged.Sort()
	return merged, contents, nil
}

// detectCycles runs a DFS over the required-link subgraph of the post-merge
// tree. Any cycle yields a single BLOCK conflict.
func (e *Engine) detectCycles(ctx context.Context, res *Result, tree *schema.Tree, staged map[string][]byte) {
	edges := make(map[string][]string)
	for _, entry := range tree.Entries {
		if entry.Kind != schema.LinkTypeKind {
			continue
		}
		raw, ok := staged[entry.Hash.String()]
		if !ok {
			var err error
			if raw, err = e.odb.Content(ctx, entry.Hash); err != nil {
				logrus.Errorf("load link type %s for cycle check: %v", entry.ID, err)
				continue
			}
		}
		lt, err := schema.DecodeLinkType(raw)
		if err != nil || !lt.Required {
			continue
		}
		edges[lt.From] = append(edges[lt.From], lt.To)
	}
	if cycle := findCycle(edges); cycle != nil {
		res.grade(&Conflict{
			Type: CircularDependency, Severity: SeverityBlock,
			ResourceKind: schema.LinkTypeKind,
			FieldPath:    fmt.Sprintf("required cycle: %v", cycle),
			Resolution:   "make one link in the cycle optional",
		})
	}
}

// findCycle returns one cycle in the directed graph, or nil. Iterative DFS
// with the usual three-color marking; start nodes are sorted so the reported
// cycle is deterministic.
func findCycle(edges map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	starts := make([]string, 0, len(edges))
	for n := range edges {
		sort.Strings(edges[n])
		starts = append(starts, n)
	}
	sort.Strings(starts)

	type frame struct {
		node string
		next int
	}
	for _, start := range starts {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(edges[f.node]) {
				to := edges[f.node][f.next]
				f.next++
				if color[to] == gray {
					cycle := []string{to}
					for i := len(stack) - 1; i >= 0; i-- {
						cycle = append(cycle, stack[i].node)
						if stack[i].node == to {
							break
						}
					}
					return cycle
				}
				if color[to] == white {
					color[to] = gray
					stack = append(stack, frame{node: to})
				}
				continue
			}
			color[f.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// commit writes the merge commit with both heads as parents, version rows
// for every resource the merge changed on the target, and the
// merge.completed event, all in one append.
func (e *Engine) commit(ctx context.Context, req *Request, res *Result, mergedTree *schema.Tree, contents map[string][]byte, srcHead, tgtHead plumbing.Hash) (plumbing.Hash, error) {
	tgtTree, err := e.odb.TreeAt(ctx, tgtHead)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	versions, err := e.versionRows(ctx, req, mergedTree, tgtTree)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	message := fmt.Sprintf("merge branch '%s' into '%s'", req.Source, req.Target)
	areq := &odb.AppendRequest{
		Parents:   []plumbing.Hash{tgtHead, srcHead},
		Author:    req.Actor,
		Committer: req.Actor,
		Tree:      mergedTree,
		Message:   message,
		Contents:  contents,
		Versions:  versions,
		Head:      &database.Command{Branch: req.Target, OldRev: tgtHead.String(), Actor: req.Actor.Name, Force: true},
	}

	// stamp ETags the way the append path will hash the commit
	treeHash := mergedTree.Rehash()
	probe := &schema.Commit{Tree: treeHash, Parents: areq.Parents, Author: req.Actor, Committer: req.Actor, Message: message}
	probeHash := probe.Rehash()
	for _, rv := range versions {
		rv.ETag = plumbing.NewETag(probeHash, rv.Version)
	}
	envelope, err := events.New(events.MergeCompleted, EventSource, &events.MergeCompletedData{
		Branch:      req.Target,
		Source:      req.Source,
		MaxSeverity: res.MaxSeverity.String(),
		Conflicts:   len(res.Conflicts),
		Actor:       req.Actor.Name,
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	payload, err := envelope.Marshal()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	areq.Outbox = []*database.OutboxRow{{
		Branch:    req.Target,
		EventType: events.MergeCompleted,
		Payload:   payload,
	}}
	return e.odb.AppendCommit(ctx, areq)
}

// versionRows appends a chain entry for every resource whose merged content
// differs from what the target branch had.
func (e *Engine) versionRows(ctx context.Context, req *Request, mergedTree, tgtTree *schema.Tree) ([]*database.ResourceVersion, error) {
	now := time.Now()
	var rows []*database.ResourceVersion
	add := func(kind schema.ResourceKind, id string, contentHash plumbing.Hash, changeType schema.ChangeType) error {
		var version, parent int64 = 1, 0
		if latest, err := e.db.LatestResourceVersion(ctx, string(kind), id, req.Target); err == nil {
			version, parent = latest.Version+1, latest.Version
		} else if !database.IsNotFound(err) {
			return err
		}
		rows = append(rows, &database.ResourceVersion{
			ResourceKind:  string(kind),
			ResourceID:    id,
			Branch:        req.Target,
			Version:       version,
			ParentVersion: parent,
			ContentHash:   contentHash.String(),
			ChangeType:    string(changeType),
			Summary:       fmt.Sprintf("%s %s %s via merge from %s", changeType, kind, id, req.Source),
			Author:        req.Actor.String(),
			CreatedAt:     now,
		})
		return nil
	}
	for _, entry := range mergedTree.Entries {
		old := tgtTree.Get(entry.Kind, entry.ID)
		if old != nil && old.Hash == entry.Hash {
			continue
		}
		if err := add(entry.Kind, entry.ID, entry.Hash, schema.ChangeMerge); err != nil {
			return nil, err
		}
	}
	for _, entry := range tgtTree.Entries {
		if mergedTree.Get(entry.Kind, entry.ID) == nil {
			if err := add(entry.Kind, entry.ID, plumbing.ZeroHash, schema.ChangeDelete); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

func (e *Engine) stageCompleted(ctx context.Context, req *Request, res *Result, commit plumbing.Hash, fastForward bool) {
	envelope, err := events.New(events.MergeCompleted, EventSource, &events.MergeCompletedData{
		Branch:      req.Target,
		CommitHash:  commit.String(),
		Source:      req.Source,
		MaxSeverity: res.MaxSeverity.String(),
		Conflicts:   len(res.Conflicts),
		FastForward: fastForward,
		Actor:       req.Actor.Name,
	})
	if err != nil {
		logrus.Errorf("build merge.completed for %s: %v", req.Target, err)
		return
	}
	payload, err := envelope.Marshal()
	if err != nil {
		logrus.Errorf("encode merge.completed for %s: %v", req.Target, err)
		return
	}
	if err := e.db.InsertOutbox(ctx, &database.OutboxRow{
		Branch:     req.Target,
		CommitHash: commit.String(),
		EventType:  events.MergeCompleted,
		Payload:    payload,
	}); err != nil {
		logrus.Errorf("stage merge.completed for %s: %v", req.Target, err)
	}
}
