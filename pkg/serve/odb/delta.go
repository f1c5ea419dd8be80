// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
	jsonpatchapply "github.com/evanphx/json-patch/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"gomodules.xyz/jsonpatch/v2"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// DeltaRequest asks for the cheapest transformation from the client's cached
// version to the branch's latest. ClientVersion 0 means derive it from
// ClientETag.
type DeltaRequest struct {
	Kind          schema.ResourceKind
	ID            string
	Branch        string
	ClientETag    string
	ClientVersion int64
	// AcceptTypes restricts the encodings the client can apply. Empty
	// means all. FULL is always acceptable.
	AcceptTypes []string
}

// DeltaResponse carries the chosen encoding. NoChange means the client copy
// is current and Payload is empty. For FULL the payload is the complete
// content; for CHAIN_DELTA it is a JSON array of patch documents applied in
// order.
type DeltaResponse struct {
	Type         string
	NoChange     bool
	FromVersion  int64
	ToVersion    int64
	Payload      []byte
	Size         int64
	TotalChanges int
	ETag         string
}

// ValidateETag reports whether the client's validator still matches the
// latest version on the branch. The latest chain entry is returned either
// way so callers can serve a refreshed ETag.
func (o *ODB) ValidateETag(ctx context.Context, kind schema.ResourceKind, id, branch, clientETag string) (bool, *database.ResourceVersion, error) {
	latest, err := o.db.LatestResourceVersion(ctx, string(kind), id, branch)
	if err != nil {
		return false, nil, err
	}
	if latest.ChangeType == string(schema.ChangeDelete) {
		return false, latest, nil
	}
	return plumbing.ETagEqual(clientETag, latest.ETag), latest, nil
}

// Delta picks the cheapest encoding the client can apply, in order: cached
// single-step patch, folded chain of cached patches, recomputed patch,
// binary diff for non-JSON content, then FULL. Any patch whose size exceeds
// CompressionThreshold of the full content falls back to FULL; patches that
// compress at least 10% smaller ship zstd-compressed.
func (o *ODB) Delta(ctx context.Context, req *DeltaRequest) (*DeltaResponse, error) {
	latest, content, err := o.ResourceVersion(ctx, req.Kind, req.ID, req.Branch, 0)
	if err != nil {
		return nil, err
	}
	if latest.ChangeType == string(schema.ChangeDelete) {
		return nil, &database.ErrRevisionNotFound{Revision: string(req.Kind) + "/" + req.ID}
	}
	if req.ClientETag != "" && plumbing.ETagEqual(req.ClientETag, latest.ETag) {
		return &DeltaResponse{NoChange: true, ToVersion: latest.Version, ETag: latest.ETag}, nil
	}

	clientVersion := req.ClientVersion
	if clientVersion == 0 && req.ClientETag != "" {
		if _, v, ok := plumbing.ParseETag(req.ClientETag); ok {
			clientVersion = v
		}
	}
	full := &DeltaResponse{
		Type:        database.DeltaFull,
		ToVersion:   latest.Version,
		Payload:     content,
		Size:        int64(len(content)),
		ETag:        latest.ETag,
		FromVersion: clientVersion,
	}
	if clientVersion <= 0 || clientVersion >= latest.Version {
		return full, nil
	}
	old, err := o.contentAtVersion(ctx, req.Kind, req.ID, req.Branch, clientVersion)
	if err != nil {
		if database.IsNotFound(err) {
			return full, nil
		}
		return nil, err
	}

	if !json.Valid(old) || !json.Valid(content) {
		if resp := o.binaryResponse(req, old, content, clientVersion, latest); resp != nil {
			return resp, nil
		}
		return full, nil
	}

	patch, changes, deltaType := o.jsonPatch(ctx, req, old, content, clientVersion, latest.Version)
	if patch == nil {
		return full, nil
	}
	resp := o.sized(req, deltaType, patch, changes, len(content))
	if resp == nil {
		return full, nil
	}
	resp.FromVersion = clientVersion
	resp.ToVersion = latest.Version
	resp.ETag = latest.ETag
	return resp, nil
}

// jsonPatch resolves a patch payload for old -> new, preferring cached
// single-step deltas and folded chains over recomputation.
func (o *ODB) jsonPatch(ctx context.Context, req *DeltaRequest, old, content []byte, fromVersion, toVersion int64) ([]byte, int, string) {
	if toVersion-fromVersion == 1 {
		if cached, err := o.db.FindDelta(ctx, string(req.Kind), req.ID, req.Branch, fromVersion, toVersion); err == nil && cached.Type == database.DeltaJSONPatch {
			return cached.Payload, countOps(cached.Payload), database.DeltaJSONPatch
		}
	} else if toVersion-fromVersion <= int64(o.opts.MaxChainLength) {
		if chain, err := o.db.FindDeltaChain(ctx, string(req.Kind), req.ID, req.Branch, fromVersion, toVersion); err == nil {
			if payload, changes, ok := foldChain(chain); ok {
				return payload, changes, database.DeltaChain
			}
		}
	}
	ops, err := jsonpatch.CreatePatch(old, content)
	if err != nil {
		return nil, 0, ""
	}
	payload, err := json.Marshal(ops)
	if err != nil {
		return nil, 0, ""
	}
	return payload, len(ops), database.DeltaJSONPatch
}

// sized applies the size policy to a candidate patch. A nil return means
// the caller should fall back to FULL.
func (o *ODB) sized(req *DeltaRequest, deltaType string, payload []byte, changes, fullSize int) *DeltaResponse {
	if fullSize > 0 && float64(len(payload))/float64(fullSize) > o.opts.CompressionThreshold {
		return nil
	}
	if !accepts(req.AcceptTypes, deltaType) {
		return nil
	}
	if accepts(req.AcceptTypes, database.DeltaCompressedPatch) && deltaType != database.DeltaChain {
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if float64(len(compressed)) <= float64(len(payload))*0.9 {
			return &DeltaResponse{
				Type:         database.DeltaCompressedPatch,
				Payload:      compressed,
				Size:         int64(len(compressed)),
				TotalChanges: changes,
			}
		}
	}
	return &DeltaResponse{
		Type:         deltaType,
		Payload:      payload,
		Size:         int64(len(payload)),
		TotalChanges: changes,
	}
}

func (o *ODB) binaryResponse(req *DeltaRequest, old, content []byte, fromVersion int64, latest *database.ResourceVersion) *DeltaResponse {
	if !accepts(req.AcceptTypes, database.DeltaBinaryDiff) {
		return nil
	}
	payload, err := encodeBinaryDiff(old, content)
	if err != nil {
		return nil
	}
	if len(content) > 0 && float64(len(payload))/float64(len(content)) > o.opts.CompressionThreshold {
		return nil
	}
	return &DeltaResponse{
		Type:         database.DeltaBinaryDiff,
		FromVersion:  fromVersion,
		ToVersion:    latest.Version,
		Payload:      payload,
		Size:         int64(len(payload)),
		TotalChanges: 1,
		ETag:         latest.ETag,
	}
}

func accepts(acceptTypes []string, deltaType string) bool {
	if len(acceptTypes) == 0 || deltaType == database.DeltaFull {
		return true
	}
	for _, t := range acceptTypes {
		if strings.EqualFold(t, deltaType) {
			return true
		}
	}
	return false
}

func countOps(patch []byte) int {
	var ops []json.RawMessage
	if err := json.Unmarshal(patch, &ops); err != nil {
		return 0
	}
	return len(ops)
}

// foldChain packs cached single-step patches into one CHAIN_DELTA payload:
// a JSON array of patch documents the client applies in order.
func foldChain(chain []*database.VersionDelta) ([]byte, int, bool) {
	steps := make([]json.RawMessage, 0, len(chain))
	changes := 0
	for _, delta := range chain {
		if delta.Type != database.DeltaJSONPatch {
			return nil, 0, false
		}
		steps = append(steps, delta.Payload)
		changes += countOps(delta.Payload)
	}
	payload, err := json.Marshal(steps)
	if err != nil {
		return nil, 0, false
	}
	return payload, changes, true
}

// ApplyDelta reconstructs the new content from the client's old copy and a
// response produced by Delta.
func ApplyDelta(old []byte, resp *DeltaResponse) ([]byte, error) {
	if resp.NoChange {
		return old, nil
	}
	switch resp.Type {
	case database.DeltaFull:
		return resp.Payload, nil
	case database.DeltaJSONPatch:
		return applyPatch(old, resp.Payload)
	case database.DeltaCompressedPatch:
		patch, err := zstdDecoder.DecodeAll(resp.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress patch: %w", err)
		}
		return applyPatch(old, patch)
	case database.DeltaChain:
		var steps []json.RawMessage
		if err := json.Unmarshal(resp.Payload, &steps); err != nil {
			return nil, fmt.Errorf("decode delta chain: %w", err)
		}
		current := old
		for _, step := range steps {
			var err error
			if current, err = applyPatch(current, step); err != nil {
				return nil, err
			}
		}
		return current, nil
	case database.DeltaBinaryDiff:
		return applyBinaryDiff(old, resp.Payload)
	}
	return nil, fmt.Errorf("unknown delta type '%s'", resp.Type)
}

func applyPatch(old, patch []byte) ([]byte, error) {
	p, err := jsonpatchapply.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	return p.Apply(old)
}

// binaryDiff trims the longest common prefix and suffix and ships the middle
// replacement. Crude, but schema payloads that are not JSON are small and
// usually edited in one place.
type binaryDiff struct {
	Prefix  int    `json:"prefix"`
	Suffix  int    `json:"suffix"`
	Replace []byte `json:"replace"`
}

func encodeBinaryDiff(old, content []byte) ([]byte, error) {
	prefix := 0
	for prefix < len(old) && prefix < len(content) && old[prefix] == content[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(content)-prefix &&
		old[len(old)-1-suffix] == content[len(content)-1-suffix] {
		suffix++
	}
	return json.Marshal(&binaryDiff{
		Prefix:  prefix,
		Suffix:  suffix,
		Replace: content[prefix : len(content)-suffix],
	})
}

func applyBinaryDiff(old, payload []byte) ([]byte, error) {
	var diff binaryDiff
	if err := json.Unmarshal(payload, &diff); err != nil {
		return nil, fmt.Errorf("decode binary diff: %w", err)
	}
	if diff.Prefix < 0 || diff.Suffix < 0 || diff.Prefix+diff.Suffix > len(old) {
		return nil, fmt.Errorf("binary diff out of range for %d byte base", len(old))
	}
	var buf bytes.Buffer
	buf.Grow(diff.Prefix + len(diff.Replace) + diff.Suffix)
	buf.Write(old[:diff.Prefix])
	buf.Write(diff.Replace)
	buf.Write(old[len(old)-diff.Suffix:])
	return buf.Bytes(), nil
}

// CacheValidation partitions a client's cached set by freshness. Keys are
// "<kind>/<id>".
type CacheValidation struct {
	Valid   []string
	Stale   []string
	Deleted []string
}

// ValidateCache checks many validators in one call so clients can refresh a
// whole working set cheaply.
func (o *ODB) ValidateCache(ctx context.Context, branch string, etags map[string]string) (*CacheValidation, error) {
	result := &CacheValidation{}
	for key, etag := range etags {
		kind, id, ok := strings.Cut(key, "/")
		if !ok {
			result.Stale = append(result.Stale, key)
			continue
		}
		latest, err := o.db.LatestResourceVersion(ctx, kind, id, branch)
		if database.IsNotFound(err) {
			result.Deleted = append(result.Deleted, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		switch {
		case latest.ChangeType == string(schema.ChangeDelete):
			result.Deleted = append(result.Deleted, key)
		case plumbing.ETagEqual(etag, latest.ETag):
			result.Valid = append(result.Valid, key)
		default:
			result.Stale = append(result.Stale, key)
		}
	}
	return result, nil
}

func (o *ODB) contentAtVersion(ctx context.Context, kind schema.ResourceKind, id, branch string, version int64) ([]byte, error) {
	rv, err := o.db.FindResourceVersion(ctx, string(kind), id, branch, version)
	if err != nil {
		return nil, err
	}
	if rv.ChangeType == string(schema.ChangeDelete) {
		return nil, &database.ErrRevisionNotFound{Revision: fmt.Sprintf("%s/%s@%d", kind, id, version)}
	}
	return o.Content(ctx, plumbing.NewHash(rv.ContentHash))
}

type deltaJob struct {
	kind, id, branch string
	fromVersion      int64
	toVersion        int64
	oldContentHash   string
	newContent       []byte
}

// scheduleDelta queues a background single-step patch computation. Dropping
// the job when the queue is full is fine: deltas are derivable and the serve
// path recomputes on demand.
func (o *ODB) scheduleDelta(kind, id, branch string, fromVersion, toVersion int64, oldContentHash string, newContent []byte) {
	job := deltaJob{
		kind: kind, id: id, branch: branch,
		fromVersion:    fromVersion,
		toVersion:      toVersion,
		oldContentHash: oldContentHash,
		newContent:     newContent,
	}
	select {
	case o.deltaCh <- job:
	default:
		logrus.Warnf("delta queue full, skip %s/%s %d..%d", kind, id, fromVersion, toVersion)
	}
}

func (o *ODB) deltaWorker() {
	defer o.wg.Done()
	for job := range o.deltaCh {
		if err := o.computeDelta(job); err != nil {
			logrus.Errorf("compute delta %s/%s %d..%d: %v", job.kind, job.id, job.fromVersion, job.toVersion, err)
		}
	}
}

func (o *ODB) computeDelta(job deltaJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	old, err := o.Content(ctx, plumbing.NewHash(job.oldContentHash))
	if err != nil {
		return err
	}
	if !json.Valid(old) || !json.Valid(job.newContent) {
		return nil
	}
	ops, err := jsonpatch.CreatePatch(old, job.newContent)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	return o.db.SaveDelta(ctx, &database.VersionDelta{
		ResourceKind: job.kind,
		ResourceID:   job.id,
		Branch:       job.branch,
		FromVersion:  job.fromVersion,
		ToVersion:    job.toVersion,
		Type:         database.DeltaJSONPatch,
		Payload:      payload,
		Size:         int64(len(payload)),
		CreatedAt:    time.Now(),
	})
}
