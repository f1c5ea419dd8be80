// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
)

const branchColumns = "name, head, state, protected, parent, created_at, updated_at"

func scanBranch(row rowScanner) (*Branch, error) {
	var b Branch
	err := row.Scan(&b.Name, &b.Head, &b.State, &b.Protected, &b.Parent, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.Local()
	b.UpdatedAt = b.UpdatedAt.Local()
	return &b, nil
}

func (d *database) FindBranch(ctx context.Context, name string) (*Branch, error) {
	row := d.QueryRowContext(ctx, "select "+branchColumns+" from branches where name = ?", name)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrRevisionNotFound{Revision: name}
	}
	return b, err
}

func (d *database) ListBranches(ctx context.Context) ([]*Branch, error) {
	rows, err := d.QueryContext(ctx, "select "+branchColumns+" from branches order by name")
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint
	branches := make([]*Branch, 0, 10)
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (d *database) doCreateBranch(ctx context.Context, cmd *Command) (*Branch, error) {
	now := time.Now()
	_, err := d.ExecContext(ctx,
		"insert into branches(name, head, state, protected, parent, created_at, updated_at) values(?,?,?,?,?,?,?)",
		cmd.Branch, cmd.NewRev, BranchActive, false, cmd.Parent, now, now)
	if IsDupEntry(err) {
		return nil, NewErrExist("branch '%s' already exists", cmd.Branch)
	}
	if err != nil {
		return nil, err
	}
	return &Branch{Name: cmd.Branch, Head: cmd.NewRev, State: BranchActive, Parent: cmd.Parent, CreatedAt: now, UpdatedAt: now}, nil
}

func (d *database) DoBranchUpdate(ctx context.Context, cmd *Command) (*Branch, error) {
	if cmd.OldRev == plumbing.ZERO_OID {
		return d.doCreateBranch(ctx, cmd)
	}
	if cmd.NewRev == plumbing.ZERO_OID {
		if err := d.DeleteBranch(ctx, cmd.Branch); err != nil {
			return nil, err
		}
		return &Branch{Name: cmd.Branch, Head: cmd.OldRev}, nil
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("new tx error: %v", err)
	}
	var oldRev string
	var protected bool
	if err := tx.QueryRowContext(ctx, "select head, protected from branches where name = ?", cmd.Branch).Scan(&oldRev, &protected); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrRevisionNotFound{Revision: cmd.Branch}
		}
		return nil, err
	}
	if protected && !cmd.Force {
		_ = tx.Rollback()
		return nil, NewErrExist("branch '%s' is protected", cmd.Branch)
	}
	if cmd.OldRev != oldRev {
		_ = tx.Rollback()
		return nil, &ErrStaleHead{Branch: cmd.Branch, Expected: cmd.OldRev, Actual: oldRev}
	}
	result, err := tx.ExecContext(ctx,
		"update branches set head = ?, updated_at = ? where name = ? and head = ?",
		cmd.NewRev, time.Now(), cmd.Branch, cmd.OldRev)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if n == 0 {
		_ = tx.Rollback()
		return nil, &ErrStaleHead{Branch: cmd.Branch, Expected: cmd.OldRev}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d.FindBranch(ctx, cmd.Branch)
}

// UpdateBranchState moves the branch from fromState to toState; the guard on
// the current state makes concurrent transitions race-safe.
func (d *database) UpdateBranchState(ctx context.Context, name, fromState, toState string) error {
	result, err := d.ExecContext(ctx,
		"update branches set state = ?, updated_at = ? where name = ? and state = ?",
		toState, time.Now(), name, fromState)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		b, err := d.FindBranch(ctx, name)
		if err != nil {
			return err
		}
		return &ErrStaleHead{Branch: name, Expected: fromState, Actual: b.State}
	}
	return nil
}

func (d *database) DeleteBranch(ctx context.Context, name string) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("new tx error: %v", err)
	}
	var state string
	if err := tx.QueryRowContext(ctx, "select state from branches where name = ?", name).Scan(&state); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return &ErrRevisionNotFound{Revision: name}
		}
		return err
	}
	if state != BranchArchived {
		_ = tx.Rollback()
		return ErrArchivedOnly
	}
	if _, err := tx.ExecContext(ctx, "delete from branches where name = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
