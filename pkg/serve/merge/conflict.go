// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package merge implements the structural three-way merge over schema trees:
// set diffs against the common ancestor, graded conflicts, deterministic
// auto-resolution and merge commit creation.
package merge

import (
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
)

// Severity grades a conflict. Ordering matters: the merge outcome is decided
// by the maximum grade across all conflicts.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityBlock
)

var severityNames = map[Severity]string{
	SeverityNone:  "NONE",
	SeverityInfo:  "INFO",
	SeverityWarn:  "WARN",
	SeverityError: "ERROR",
	SeverityBlock: "BLOCK",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// AutoResolvable reports whether the grade permits deterministic resolution.
func (s Severity) AutoResolvable() bool {
	return s <= SeverityWarn
}

type ConflictType string

const (
	PropertyTypeChange ConflictType = "property_type_change"
	CardinalityChange  ConflictType = "cardinality_change"
	DeleteModify       ConflictType = "delete_modify"
	NameCollision      ConflictType = "name_collision"
	CircularDependency ConflictType = "circular_dependency"
	InterfaceMismatch  ConflictType = "interface_mismatch"
	ConstraintConflict ConflictType = "constraint_conflict"
	MissingAncestor    ConflictType = "missing_ancestor"
)

// Conflict is one detected divergence. FieldPath is empty for whole-resource
// conflicts. Resolution describes the applied or suggested outcome;
// MigrationHint is set for WARN grades that need a later data migration.
type Conflict struct {
	Type          ConflictType        `json:"type"`
	Severity      Severity            `json:"-"`
	SeverityName  string              `json:"severity"`
	ResourceKind  schema.ResourceKind `json:"resource_kind"`
	ResourceID    string              `json:"resource_id"`
	FieldPath     string              `json:"field_path,omitempty"`
	Ancestor      string              `json:"ancestor,omitempty"`
	Source        string              `json:"source,omitempty"`
	Target        string              `json:"target,omitempty"`
	Resolution    string              `json:"resolution,omitempty"`
	MigrationHint string              `json:"migration_hint,omitempty"`
}

// Status of a finished merge attempt.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusFastForward    Status = "fast_forward"
	StatusNoOp           Status = "no_op"
	StatusBlocked        Status = "blocked"
	StatusManualRequired Status = "manual_required"
)

// Result reports the outcome. CommitHash is set for success (merge commit)
// and fast_forward (the source head). Blocked and manual outcomes leave both
// branch heads untouched.
type Result struct {
	Status      Status        `json:"status"`
	CommitHash  plumbing.Hash `json:"commit_hash"`
	MaxSeverity Severity      `json:"-"`
	Conflicts   []*Conflict   `json:"conflicts,omitempty"`
	DryRun      bool          `json:"dry_run,omitempty"`
	Duration    time.Duration `json:"duration"`
}

func (r *Result) grade(c *Conflict) {
	c.SeverityName = c.Severity.String()
	r.Conflicts = append(r.Conflicts, c)
	if c.Severity > r.MaxSeverity {
		r.MaxSeverity = c.Severity
	}
}
