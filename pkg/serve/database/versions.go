// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func encodeStrings(ss []string) (any, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, fmt.Errorf("encode string list: %w", err)
	}
	return b, nil
}

func decodeStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var ss []string
	_ = json.Unmarshal(raw, &ss)
	return ss
}

const versionColumns = "resource_kind, resource_id, branch, version, commit_hash, parent_version, content_hash, etag, size, change_type, summary, fields_changed, author, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResourceVersion(row rowScanner) (*ResourceVersion, error) {
	var v ResourceVersion
	var fields []byte
	err := row.Scan(&v.ResourceKind, &v.ResourceID, &v.Branch, &v.Version, &v.CommitHash, &v.ParentVersion,
		&v.ContentHash, &v.ETag, &v.Size, &v.ChangeType, &v.Summary, &fields, &v.Author, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.FieldsChanged = decodeStrings(fields)
	v.CreatedAt = v.CreatedAt.Local()
	return &v, nil
}

func (d *database) LatestResourceVersion(ctx context.Context, kind, id, branch string) (*ResourceVersion, error) {
	row := d.QueryRowContext(ctx,
		"select "+versionColumns+" from resource_versions where resource_kind = ? and resource_id = ? and branch = ? order by version desc limit 1",
		kind, id, branch)
	v, err := scanResourceVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrRevisionNotFound{Revision: kind + "/" + id}
	}
	return v, err
}

func (d *database) FindResourceVersion(ctx context.Context, kind, id, branch string, version int64) (*ResourceVersion, error) {
	row := d.QueryRowContext(ctx,
		"select "+versionColumns+" from resource_versions where resource_kind = ? and resource_id = ? and branch = ? and version = ?",
		kind, id, branch, version)
	v, err := scanResourceVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrRevisionNotFound{Revision: fmt.Sprintf("%s/%s@%d", kind, id, version)}
	}
	return v, err
}

func (d *database) ListResourceVersions(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) ([]*ResourceVersion, error) {
	rows, err := d.QueryContext(ctx,
		"select "+versionColumns+" from resource_versions where resource_kind = ? and resource_id = ? and branch = ? and version >= ? and version <= ? order by version",
		kind, id, branch, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint
	versions := make([]*ResourceVersion, 0, 10)
	for rows.Next() {
		v, err := scanResourceVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (d *database) SaveDelta(ctx context.Context, delta *VersionDelta) error {
	_, err := d.ExecContext(ctx,
		"insert ignore into version_deltas(resource_kind, resource_id, branch, from_version, to_version, delta_type, payload, size, created_at) values(?,?,?,?,?,?,?,?,?)",
		delta.ResourceKind, delta.ResourceID, delta.Branch, delta.FromVersion, delta.ToVersion,
		delta.Type, delta.Payload, delta.Size, delta.CreatedAt)
	return err
}

func scanDelta(row rowScanner) (*VersionDelta, error) {
	var delta VersionDelta
	err := row.Scan(&delta.ResourceKind, &delta.ResourceID, &delta.Branch, &delta.FromVersion, &delta.ToVersion,
		&delta.Type, &delta.Payload, &delta.Size, &delta.CreatedAt)
	if err != nil {
		return nil, err
	}
	delta.CreatedAt = delta.CreatedAt.Local()
	return &delta, nil
}

const deltaColumns = "resource_kind, resource_id, branch, from_version, to_version, delta_type, payload, size, created_at"

func (d *database) FindDelta(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) (*VersionDelta, error) {
	row := d.QueryRowContext(ctx,
		"select "+deltaColumns+" from version_deltas where resource_kind = ? and resource_id = ? and branch = ? and from_version = ? and to_version = ?",
		kind, id, branch, fromVersion, toVersion)
	delta, err := scanDelta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrRevisionNotFound{Revision: fmt.Sprintf("delta %s/%s %d..%d", kind, id, fromVersion, toVersion)}
	}
	return delta, err
}

// FindDeltaChain returns the cached single-step patches covering
// fromVersion..toVersion in order, or ErrRevisionNotFound when the chain has
// a gap.
func (d *database) FindDeltaChain(ctx context.Context, kind, id, branch string, fromVersion, toVersion int64) ([]*VersionDelta, error) {
	rows, err := d.QueryContext(ctx,
		"select "+deltaColumns+" from version_deltas where resource_kind = ? and resource_id = ? and branch = ? and from_version >= ? and to_version <= ? and to_version = from_version + 1 order by from_version",
		kind, id, branch, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint
	chain := make([]*VersionDelta, 0, toVersion-fromVersion)
	for rows.Next() {
		delta, err := scanDelta(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, delta)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	next := fromVersion
	for _, delta := range chain {
		if delta.FromVersion != next {
			return nil, &ErrRevisionNotFound{Revision: fmt.Sprintf("delta chain %s/%s %d..%d", kind, id, fromVersion, toVersion)}
		}
		next = delta.ToVersion
	}
	if next != toVersion {
		return nil, &ErrRevisionNotFound{Revision: fmt.Sprintf("delta chain %s/%s %d..%d", kind, id, fromVersion, toVersion)}
	}
	return chain, nil
}
