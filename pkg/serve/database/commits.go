// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
)

// Append bundles everything one write makes visible: the commit, the content
// blobs it references, the version-chain rows, the outbox rows and the head
// update. AppendCommit persists all of it in a single transaction.
type Append struct {
	Commit   *Commit
	Contents map[string][]byte
	Versions []*ResourceVersion
	Outbox   []*OutboxRow
	Head     *Command
}

func scanCommit(row *sql.Row) (*Commit, error) {
	var c Commit
	var parents string
	err := row.Scan(&c.Hash, &parents, &c.TreeHash, &c.Author, &c.Committer, &c.When, &c.Message, &c.Retired)
	if err != nil {
		return nil, err
	}
	if parents != "" {
		c.Parents = strings.Split(parents, " ")
	}
	c.When = c.When.Local()
	return &c, nil
}

func (d *database) FindCommit(ctx context.Context, hash string) (*Commit, error) {
	row := d.QueryRowContext(ctx,
		"select hash, parents, tree_hash, author, committer, authored_at, message, retired from commits where hash = ?", hash)
	c, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plumbing.NoSuchObject(plumbing.NewHash(hash))
	}
	return c, err
}

func (d *database) CommitExists(ctx context.Context, hash string) (bool, error) {
	var one int
	err := d.QueryRowContext(ctx, "select 1 from commits where hash = ?", hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *database) FindContent(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := d.QueryRowContext(ctx, "select data from contents where hash = ?", hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plumbing.NoSuchObject(plumbing.NewHash(hash))
	}
	return data, err
}

func (d *database) AppendCommit(ctx context.Context, a *Append) error {
	c := a.Commit
	for _, parent := range c.Parents {
		ok, err := d.CommitExists(ctx, parent)
		if err != nil {
			return err
		}
		if !ok {
			return &ErrConflictingParent{Parent: parent}
		}
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("new tx error: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"insert into commits(hash, parents, tree_hash, author, committer, authored_at, message) values(?,?,?,?,?,?,?)",
		c.Hash, strings.Join(c.Parents, " "), c.TreeHash, c.Author, c.Committer, c.When, c.Message); err != nil {
		_ = tx.Rollback()
		if IsDupEntry(err) {
			// content-addressed: an identical commit is already present
			return nil
		}
		return err
	}
	for hash, data := range a.Contents {
		if _, err := tx.ExecContext(ctx,
			"insert ignore into contents(hash, data, size) values(?,?,?)", hash, data, len(data)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, v := range a.Versions {
		fields, err := encodeStrings(v.FieldsChanged)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"insert into resource_versions(resource_kind, resource_id, branch, version, commit_hash, parent_version, content_hash, etag, size, change_type, summary, fields_changed, author, created_at) values(?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
			v.ResourceKind, v.ResourceID, v.Branch, v.Version, v.CommitHash, v.ParentVersion, v.ContentHash,
			v.ETag, v.Size, v.ChangeType, v.Summary, fields, v.Author, v.CreatedAt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, row := range a.Outbox {
		if _, err := tx.ExecContext(ctx,
			"insert into outbox(branch, commit_hash, event_type, payload, created_at, status) values(?,?,?,?,?,?)",
			row.Branch, row.CommitHash, row.EventType, row.Payload, row.CreatedAt, OutboxPending); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if a.Head != nil {
		var protected bool
		if err := tx.QueryRowContext(ctx,
			"select protected from branches where name = ?", a.Head.Branch).Scan(&protected); err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				return &ErrStaleHead{Branch: a.Head.Branch, Expected: a.Head.OldRev}
			}
			return err
		}
		if protected && !a.Head.Force {
			_ = tx.Rollback()
			return NewErrExist("branch '%s' is protected", a.Head.Branch)
		}
		result, err := tx.ExecContext(ctx,
			"update branches set head = ?, updated_at = ? where name = ? and head = ?",
			a.Head.NewRev, time.Now(), a.Head.Branch, a.Head.OldRev)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if n == 0 {
			_ = tx.Rollback()
			return &ErrStaleHead{Branch: a.Head.Branch, Expected: a.Head.OldRev}
		}
	}
	return tx.Commit()
}

func (d *database) RetireCommits(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("new tx error: %v", err)
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx, "update commits set retired = 1 where hash = ?", hash); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
