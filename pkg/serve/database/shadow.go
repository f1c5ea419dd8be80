// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const shadowColumns = "id, branch, index_type, resource_kinds, state, progress, shadow_path, current_path, backup_path, size_bytes, record_count, checksum, error, created_at, updated_at"

func scanShadow(row rowScanner) (*ShadowIndex, error) {
	var s ShadowIndex
	var kinds []byte
	err := row.Scan(&s.ID, &s.Branch, &s.IndexType, &kinds, &s.State, &s.Progress,
		&s.ShadowPath, &s.CurrentPath, &s.BackupPath, &s.SizeBytes, &s.RecordCount, &s.Checksum,
		&s.Error, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ResourceKinds = decodeStrings(kinds)
	s.CreatedAt = s.CreatedAt.Local()
	s.UpdatedAt = s.UpdatedAt.Local()
	return &s, nil
}

func (d *database) InsertShadowIndex(ctx context.Context, s *ShadowIndex) error {
	kinds, err := encodeStrings(s.ResourceKinds)
	if err != nil {
		return err
	}
	_, err = d.ExecContext(ctx,
		"insert into shadow_indexes("+shadowColumns+") values(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		s.ID, s.Branch, s.IndexType, kinds, s.State, s.Progress,
		s.ShadowPath, s.CurrentPath, s.BackupPath, s.SizeBytes, s.RecordCount, s.Checksum,
		s.Error, s.CreatedAt, s.UpdatedAt)
	return err
}

func (d *database) FindShadowIndex(ctx context.Context, id string) (*ShadowIndex, error) {
	row := d.QueryRowContext(ctx, "select "+shadowColumns+" from shadow_indexes where id = ?", id)
	s, err := scanShadow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrRevisionNotFound{Revision: "shadow index " + id}
	}
	return s, err
}

// UpdateShadowIndex persists the record guarded by its previous state, so
// two coordinators cannot both win the same transition.
func (d *database) UpdateShadowIndex(ctx context.Context, s *ShadowIndex, fromState string) error {
	kinds, err := encodeStrings(s.ResourceKinds)
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	result, err := d.ExecContext(ctx,
		"update shadow_indexes set state = ?, progress = ?, resource_kinds = ?, shadow_path = ?, current_path = ?, backup_path = ?, size_bytes = ?, record_count = ?, checksum = ?, error = ?, updated_at = ? where id = ? and state = ?",
		s.State, s.Progress, kinds, s.ShadowPath, s.CurrentPath, s.BackupPath, s.SizeBytes, s.RecordCount, s.Checksum,
		s.Error, s.UpdatedAt, s.ID, fromState)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrStaleHead{Branch: "shadow index " + s.ID, Expected: fromState}
	}
	return nil
}

func (d *database) ListShadowIndexes(ctx context.Context, branch string) ([]*ShadowIndex, error) {
	var rows *sql.Rows
	var err error
	if branch == "" {
		rows, err = d.QueryContext(ctx, "select "+shadowColumns+" from shadow_indexes order by created_at")
	} else {
		rows, err = d.QueryContext(ctx, "select "+shadowColumns+" from shadow_indexes where branch = ? order by created_at", branch)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint
	indexes := make([]*ShadowIndex, 0, 8)
	for rows.Next() {
		s, err := scanShadow(rows)
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, s)
	}
	return indexes, rows.Err()
}

// ActiveShadowExists reports whether the (branch, index-type) pair already
// has an index in the given state. At most one BUILDING and one ACTIVE per
// pair is the coordinator's invariant.
func (d *database) ActiveShadowExists(ctx context.Context, branch, indexType, state string) (bool, error) {
	var one int
	err := d.QueryRowContext(ctx,
		"select 1 from shadow_indexes where branch = ? and index_type = ? and state = ? limit 1",
		branch, indexType, state).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
