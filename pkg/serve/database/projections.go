// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"time"
)

// The subscriber's saves are keyed by event id: a redelivered event collides
// with the existing primary key and is reported as a no-op.

func (d *database) SaveHistoryEntry(ctx context.Context, e *HistoryEntry) (bool, error) {
	result, err := d.ExecContext(ctx,
		"insert ignore into history_entries(event_id, commit_hash, branch, operation, resource_kind, resource_id, version, changes, metadata, created_at) values(?,?,?,?,?,?,?,?,?,?)",
		e.EventID, e.CommitHash, e.Branch, e.Operation, e.ResourceKind, e.ResourceID, e.Version,
		nullable(e.Changes), nullable(e.Metadata), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *database) SaveAuditLog(ctx context.Context, e *AuditLogEntry) (bool, error) {
	tags, err := encodeStrings(e.ComplianceTags)
	if err != nil {
		return false, err
	}
	result, err := d.ExecContext(ctx,
		"insert ignore into audit_logs(event_id, action, actor, target, result, severity, compliance_tags, data_classification, created_at) values(?,?,?,?,?,?,?,?,?)",
		e.EventID, e.Action, e.Actor, e.Target, e.Result, e.Severity, tags, e.DataClassification, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkIngested records the event id for the dedupe horizon; it reports false
// when the id was already ingested.
func (d *database) MarkIngested(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	result, err := d.ExecContext(ctx,
		"insert ignore into ingested_events(event_id, expires_at) values(?,?)", eventID, time.Now().Add(ttl))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *database) SweepIngested(ctx context.Context, now time.Time) (int64, error) {
	result, err := d.ExecContext(ctx, "delete from ingested_events where expires_at < ?", now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *database) SaveDLQ(ctx context.Context, row *DLQRow) error {
	if len(row.Error) > 2000 {
		row.Error = row.Error[:2000]
	}
	_, err := d.ExecContext(ctx,
		"insert into dlq(source, payload, error, first_failed_at, attempts) values(?,?,?,?,?)",
		row.Source, row.Payload, row.Error, row.FirstFailedAt, row.Attempts)
	return err
}

func (d *database) PruneDLQ(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := d.ExecContext(ctx, "delete from dlq where first_failed_at < ?", olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
