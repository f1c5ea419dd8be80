// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package events

import "encoding/json"

// Every payload carries branch and commit_hash; event-specific fields follow.

type SchemaChangedData struct {
	Branch        string   `json:"branch"`
	CommitHash    string   `json:"commit_hash"`
	ResourceKind  string   `json:"resource_kind"`
	ResourceID    string   `json:"resource_id"`
	Version       int64    `json:"version"`
	ChangeType    string   `json:"change_type"`
	Author        string   `json:"author"`
	ETag          string   `json:"etag"`
	FieldsChanged []string `json:"fields_changed,omitempty"`
}

type BranchCreatedData struct {
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
	Parent     string `json:"parent,omitempty"`
	Actor      string `json:"actor"`
}

type MergeCompletedData struct {
	Branch      string `json:"branch"`
	CommitHash  string `json:"commit_hash"`
	Source      string `json:"source"`
	MaxSeverity string `json:"max_severity"`
	Conflicts   int    `json:"conflicts"`
	FastForward bool   `json:"fast_forward"`
	Actor       string `json:"actor"`
}

type IndexSwitchedData struct {
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
	IndexType  string `json:"index_type"`
	ShadowID   string `json:"shadow_id"`
	DurationMS int64  `json:"duration_ms"`
	Records    int64  `json:"records"`
}

type LockEventData struct {
	Branch       string `json:"branch"`
	CommitHash   string `json:"commit_hash"`
	LockID       string `json:"lock_id"`
	LockType     string `json:"lock_type"`
	Scope        string `json:"scope"`
	Holder       string `json:"holder"`
	ResourceKind string `json:"resource_kind,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// DecodeData parses the envelope payload into out.
func (e *Envelope) DecodeData(out any) error {
	return json.Unmarshal(e.Data, out)
}
