// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"regexp"
	"time"
)

const (
	DefaultBranch          = "mainline"
	DefaultCompressionALGO = "zstd"
	DefaultHashALGO        = "BLAKE3"
)

// Branch states. Transitions are enforced by the branch registry; the store
// persists whatever the registry hands it.
const (
	BranchActive         = "ACTIVE"
	BranchLockedForWrite = "LOCKED_FOR_WRITE"
	BranchMerging        = "MERGING"
	BranchArchived       = "ARCHIVED"
	BranchReady          = "READY"
)

// Lock types and scopes.
const (
	LockIndexing    = "INDEXING"
	LockMaintenance = "MAINTENANCE"
	LockManual      = "MANUAL"
	LockMerge       = "MERGE"

	ScopeBranch       = "BRANCH"
	ScopeResourceType = "RESOURCE_TYPE"
	ScopeResourceID   = "RESOURCE_ID"
)

// Shadow index states.
const (
	ShadowBuilding  = "BUILDING"
	ShadowBuilt     = "BUILT"
	ShadowSwitching = "SWITCHING"
	ShadowActive    = "ACTIVE"
	ShadowCancelled = "CANCELLED"
	ShadowFailed    = "FAILED"
)

// Outbox row status.
const (
	OutboxPending   = "PENDING"
	OutboxPublished = "PUBLISHED"
	OutboxDead      = "DEAD"
)

// Delta encodings.
const (
	DeltaFull            = "FULL"
	DeltaJSONPatch       = "JSON_PATCH"
	DeltaCompressedPatch = "COMPRESSED_PATCH"
	DeltaBinaryDiff      = "BINARY_DIFF"
	DeltaChain           = "CHAIN_DELTA"
)

// Commit is the stored form of a schema commit. Parents holds 0, 1 or 2
// hex hashes. Retired marks commits folded away by DAG compaction; the rows
// themselves are never deleted.
type Commit struct {
	Hash      string    `json:"hash"`
	Parents   []string  `json:"parents"`
	TreeHash  string    `json:"tree_hash"`
	Author    string    `json:"author"`
	Committer string    `json:"committer"`
	When      time.Time `json:"when"`
	Message   string    `json:"message"`
	Retired   bool      `json:"retired"`
}

// ResourceVersion is one link of a per-(resource, branch) version chain.
type ResourceVersion struct {
	ResourceKind  string    `json:"resource_kind"`
	ResourceID    string    `json:"resource_id"`
	Branch        string    `json:"branch"`
	Version       int64     `json:"version"`
	CommitHash    string    `json:"commit_hash"`
	ParentVersion int64     `json:"parent_version"`
	ContentHash   string    `json:"content_hash"`
	ETag          string    `json:"etag"`
	Size          int64     `json:"size"`
	ChangeType    string    `json:"change_type"`
	Summary       string    `json:"summary"`
	FieldsChanged []string  `json:"fields_changed,omitempty"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"created_at"`
}

// VersionDelta is a cached transformation between two versions of one
// resource. Deltas are derivable; losing one only costs a recompute.
type VersionDelta struct {
	ResourceKind string    `json:"resource_kind"`
	ResourceID   string    `json:"resource_id"`
	Branch       string    `json:"branch"`
	FromVersion  int64     `json:"from_version"`
	ToVersion    int64     `json:"to_version"`
	Type         string    `json:"type"`
	Payload      []byte    `json:"payload"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

type Branch struct {
	Name      string    `json:"name"`
	Head      string    `json:"head"`
	State     string    `json:"state"`
	Protected bool      `json:"protected"`
	Parent    string    `json:"parent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Command is a head update request: OldRev ZERO_OID creates, NewRev ZERO_OID
// deletes, anything else is a compare-and-swap advance.
type Command struct {
	Branch  string `json:"branch"`
	OldRev  string `json:"old_rev"`
	NewRev  string `json:"new_rev"`
	Actor   string `json:"actor"`
	Subject string `json:"subject"`
	Parent  string `json:"parent,omitempty"`
	Force   bool   `json:"force"`
}

// BranchLock is a durable advisory lock record.
type BranchLock struct {
	ID                string        `json:"id"`
	Branch            string        `json:"branch"`
	Type              string        `json:"type"`
	Scope             string        `json:"scope"`
	Holder            string        `json:"holder"`
	ResourceKind      string        `json:"resource_kind,omitempty"`
	ResourceID        string        `json:"resource_id,omitempty"`
	AcquiredAt        time.Time     `json:"acquired_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	LastHeartbeat     time.Time     `json:"last_heartbeat"`
	SlidingTTL        bool          `json:"sliding_ttl"`
	AutoRelease       bool          `json:"auto_release"`
	Reason            string        `json:"reason,omitempty"`
	Status            string        `json:"status,omitempty"`
	Progress          float64       `json:"progress,omitempty"`
	Acquisitions      int           `json:"acquisitions"`
}

// OutboxRow is staged in the same transaction as the commit that produced it
// and deleted once the broker acknowledges publication.
type OutboxRow struct {
	ID         int64     `json:"id"`
	Branch     string    `json:"branch"`
	CommitHash string    `json:"commit_hash"`
	EventType  string    `json:"event_type"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	Attempts   int       `json:"attempts"`
	Status     string    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
}

type ShadowIndex struct {
	ID            string    `json:"id"`
	Branch        string    `json:"branch"`
	IndexType     string    `json:"index_type"`
	ResourceKinds []string  `json:"resource_kinds"`
	State         string    `json:"state"`
	Progress      float64   `json:"progress"`
	ShadowPath    string    `json:"shadow_path"`
	CurrentPath   string    `json:"current_path"`
	BackupPath    string    `json:"backup_path,omitempty"`
	SizeBytes     int64     `json:"size_bytes"`
	RecordCount   int64     `json:"record_count"`
	Checksum      string    `json:"checksum,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DLQRow captures a message the pipeline could not process.
type DLQRow struct {
	ID            int64     `json:"id"`
	Source        string    `json:"source"`
	Payload       []byte    `json:"payload"`
	Error         string    `json:"error"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	Attempts      int       `json:"attempts"`
}

// HistoryEntry is the schema-history projection derived by the subscriber.
type HistoryEntry struct {
	EventID      string    `json:"event_id"`
	CommitHash   string    `json:"commit_hash"`
	Branch       string    `json:"branch"`
	Operation    string    `json:"operation"`
	ResourceKind string    `json:"resource_kind,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Version      int64     `json:"version,omitempty"`
	Changes      []byte    `json:"changes,omitempty"`
	Metadata     []byte    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditLogEntry is the audit projection derived by the subscriber.
type AuditLogEntry struct {
	EventID            string    `json:"event_id"`
	Action             string    `json:"action"`
	Actor              string    `json:"actor"`
	Target             string    `json:"target"`
	Result             string    `json:"result"`
	Severity           string    `json:"severity"`
	ComplianceTags     []string  `json:"compliance_tags,omitempty"`
	DataClassification string    `json:"data_classification,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

var (
	resourceIDRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9\-_\.]*$`)
)

// ValidateResourceID rejects ids that cannot be used as tree keys.
func ValidateResourceID(id string) bool {
	return resourceIDRegex.MatchString(id)
}
