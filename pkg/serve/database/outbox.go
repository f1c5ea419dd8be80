// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"fmt"
	"time"
)

const outboxColumns = "id, branch, commit_hash, event_type, payload, created_at, attempts, status, last_error"

func scanOutbox(row rowScanner) (*OutboxRow, error) {
	var r OutboxRow
	err := row.Scan(&r.ID, &r.Branch, &r.CommitHash, &r.EventType, &r.Payload, &r.CreatedAt, &r.Attempts, &r.Status, &r.LastError)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.Local()
	return &r, nil
}

func (d *database) InsertOutbox(ctx context.Context, row *OutboxRow) error {
	if row.Status == "" {
		row.Status = OutboxPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := d.ExecContext(ctx,
		"insert into outbox(branch, commit_hash, event_type, payload, created_at, attempts, status, last_error) values(?,?,?,?,?,?,?,?)",
		row.Branch, row.CommitHash, row.EventType, row.Payload, row.CreatedAt, row.Attempts, row.Status, row.LastError)
	return err
}

// PendingOutbox returns unpublished rows in (created_at, id) order. The
// publisher serializes per-branch subjects, so per-branch commit order is
// preserved downstream.
func (d *database) PendingOutbox(ctx context.Context, limit int) ([]*OutboxRow, error) {
	rows, err := d.QueryContext(ctx,
		"select "+outboxColumns+" from outbox where status = ? order by created_at, id limit ?", OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint
	pending := make([]*OutboxRow, 0, limit)
	for rows.Next() {
		r, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, r)
	}
	return pending, rows.Err()
}

// AckOutbox removes the row after broker acknowledgement.
func (d *database) AckOutbox(ctx context.Context, id int64) error {
	_, err := d.ExecContext(ctx, "delete from outbox where id = ?", id)
	return err
}

func (d *database) FailOutbox(ctx context.Context, id int64, attempts int, lastError string) error {
	if len(lastError) > 2000 {
		lastError = lastError[:2000]
	}
	_, err := d.ExecContext(ctx, "update outbox set attempts = ?, last_error = ? where id = ?", attempts, lastError, id)
	return err
}

// BuryOutbox moves an exhausted row to the dead-letter table.
func (d *database) BuryOutbox(ctx context.Context, row *OutboxRow, lastError string) error {
	if len(lastError) > 2000 {
		lastError = lastError[:2000]
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("new tx error: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"insert into outbox_dead(id, branch, commit_hash, event_type, payload, created_at, attempts, last_error, buried_at) values(?,?,?,?,?,?,?,?,?)",
		row.ID, row.Branch, row.CommitHash, row.EventType, row.Payload, row.CreatedAt, row.Attempts, lastError, time.Now()); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "delete from outbox where id = ?", row.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *database) PruneDead(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := d.ExecContext(ctx, "delete from outbox_dead where buried_at < ?", olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
