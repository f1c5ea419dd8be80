// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antgroup/oms/modules/events"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
)

// changeRecord is the history entry's change list. Breaking marks changes
// consumers cannot absorb without migration.
type changeRecord struct {
	Fields   []string `json:"fields,omitempty"`
	Breaking bool     `json:"breaking"`
}

// derive maps one envelope to its projections. Unknown event types derive an
// audit entry only, so new producers do not stall the pipeline.
func (s *Subscriber) derive(e *events.Envelope) (*database.HistoryEntry, *database.AuditLogEntry, error) {
	switch e.Type {
	case events.SchemaChanged, events.SchemaReverted:
		return s.deriveSchemaChange(e)
	case events.BranchCreated:
		var d events.BranchCreatedData
		if err := e.DecodeData(&d); err != nil {
			return nil, nil, fmt.Errorf("decode %s data: %w", e.Type, err)
		}
		history := &database.HistoryEntry{
			EventID:    e.ID,
			CommitHash: d.CommitHash,
			Branch:     d.Branch,
			Operation:  e.Type,
			CreatedAt:  e.Time,
		}
		audit := s.audit(e, d.Actor, "branch/"+d.Branch, "success", "info", "", "")
		return history, audit, nil
	case events.MergeCompleted:
		var d events.MergeCompletedData
		if err := e.DecodeData(&d); err != nil {
			return nil, nil, fmt.Errorf("decode %s data: %w", e.Type, err)
		}
		meta, _ := json.Marshal(&d)
		history := &database.HistoryEntry{
			EventID:    e.ID,
			CommitHash: d.CommitHash,
			Branch:     d.Branch,
			Operation:  e.Type,
			Metadata:   meta,
			CreatedAt:  e.Time,
		}
		severity := "info"
		if d.Conflicts > 0 {
			severity = "notice"
		}
		audit := s.audit(e, d.Actor, fmt.Sprintf("branch/%s<-%s", d.Branch, d.Source), "success", severity, "", "")
		return history, audit, nil
	case events.IndexSwitched:
		var d events.IndexSwitchedData
		if err := e.DecodeData(&d); err != nil {
			return nil, nil, fmt.Errorf("decode %s data: %w", e.Type, err)
		}
		meta, _ := json.Marshal(&d)
		history := &database.HistoryEntry{
			EventID:   e.ID,
			Branch:    d.Branch,
			Operation: e.Type,
			Metadata:  meta,
			CreatedAt: e.Time,
		}
		audit := s.audit(e, "shadow-coordinator", fmt.Sprintf("index/%s/%s", d.Branch, d.IndexType), "success", "info", "", "")
		return history, audit, nil
	case events.LockAcquired, events.LockReleased, events.LockAutoReleased:
		var d events.LockEventData
		if err := e.DecodeData(&d); err != nil {
			return nil, nil, fmt.Errorf("decode %s data: %w", e.Type, err)
		}
		severity := "info"
		if e.Type == events.LockAutoReleased {
			// the holder went away without releasing; worth attention
			severity = "warning"
		}
		audit := s.audit(e, d.Holder, fmt.Sprintf("lock/%s/%s", d.Branch, d.LockID), "success", severity, "", "")
		return nil, audit, nil
	default:
		audit := s.audit(e, "", e.Source, "success", "info", "", "")
		return nil, audit, nil
	}
}

func (s *Subscriber) deriveSchemaChange(e *events.Envelope) (*database.HistoryEntry, *database.AuditLogEntry, error) {
	var d events.SchemaChangedData
	if err := e.DecodeData(&d); err != nil {
		return nil, nil, fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	changes, err := json.Marshal(&changeRecord{
		Fields:   d.FieldsChanged,
		Breaking: isBreaking(d.ChangeType, d.FieldsChanged),
	})
	if err != nil {
		return nil, nil, err
	}
	history := &database.HistoryEntry{
		EventID:      e.ID,
		CommitHash:   d.CommitHash,
		Branch:       d.Branch,
		Operation:    e.Type,
		ResourceKind: d.ResourceKind,
		ResourceID:   d.ResourceID,
		Version:      d.Version,
		Changes:      changes,
		CreatedAt:    e.Time,
	}
	severity := "info"
	if d.ChangeType == string(schema.ChangeDelete) {
		severity = "warning"
	}
	target := fmt.Sprintf("%s/%s/%s", d.Branch, d.ResourceKind, d.ResourceID)
	audit := s.audit(e, d.Author, target, "success", severity,
		strings.Join(s.opts.Tagger(d.ResourceKind, d.ResourceID, e.Data), ","),
		s.opts.Classifier(d.ResourceKind, d.ResourceID))
	return history, audit, nil
}

func (s *Subscriber) audit(e *events.Envelope, actor, target, result, severity, tags, classification string) *database.AuditLogEntry {
	entry := &database.AuditLogEntry{
		EventID:            e.ID,
		Action:             e.Type,
		Actor:              actor,
		Target:             target,
		Result:             result,
		Severity:           severity,
		DataClassification: classification,
		CreatedAt:          e.Time,
	}
	if tags != "" {
		entry.ComplianceTags = strings.Split(tags, ",")
	}
	return entry
}

// isBreaking flags deletions and field removals; consumers must migrate
// before relying on the new shape.
func isBreaking(changeType string, fields []string) bool {
	if changeType == string(schema.ChangeDelete) {
		return true
	}
	for _, f := range fields {
		if strings.Contains(f, "required") {
			return true
		}
	}
	return false
}

// DefaultTagger is a keyword heuristic over the resource id and payload;
// deployments with real policy engines replace it.
func DefaultTagger(resourceKind, resourceID string, data []byte) []string {
	haystack := strings.ToLower(resourceID + " " + string(data))
	var tags []string
	for _, rule := range []struct{ keyword, tag string }{
		{"email", "PII"},
		{"phone", "PII"},
		{"address", "PII"},
		{"ssn", "PII"},
		{"account", "FINANCIAL"},
		{"payment", "FINANCIAL"},
		{"invoice", "FINANCIAL"},
		{"patient", "HEALTH"},
		{"medical", "HEALTH"},
	} {
		if strings.Contains(haystack, rule.keyword) {
			tags = appendUnique(tags, rule.tag)
		}
	}
	return tags
}

// DefaultClassifier labels everything internal unless the tagger vocabulary
// suggests otherwise.
func DefaultClassifier(resourceKind, resourceID string) string {
	if len(DefaultTagger(resourceKind, resourceID, nil)) > 0 {
		return "confidential"
	}
	return "internal"
}

func appendUnique(ss []string, s string) []string {
	for _, existing := range ss {
		if existing == s {
			return ss
		}
	}
	return append(ss, s)
}
