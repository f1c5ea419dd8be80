// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const (
	ER_ACCESS_DENIED_ERROR = 1045
	ER_DUP_ENTRY           = 1062
	ER_LOCK_WAIT_TIMEOUT   = 1205
)

var (
	ErrArchivedOnly = errors.New("only archived branches may be deleted")
)

type ErrRevisionNotFound struct {
	Revision string
}

func (err *ErrRevisionNotFound) Error() string {
	return fmt.Sprintf("revision '%s' not found", err.Revision)
}

func IsErrRevisionNotFound(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrRevisionNotFound)
	return ok
}

func IsErrorCode(err error, code uint16) bool {
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		return merr.Number == code
	}
	return false
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*ErrRevisionNotFound); ok {
		return true
	}
	return errors.Is(err, sql.ErrNoRows)
}

func IsDupEntry(err error) bool {
	return IsErrorCode(err, ER_DUP_ENTRY)
}

// ErrStaleHead reports a lost compare-and-swap on a branch head.
type ErrStaleHead struct {
	Branch   string
	Expected string
	Actual   string
}

func (e *ErrStaleHead) Error() string {
	return fmt.Sprintf("branch '%s' head moved: expected %s", e.Branch, e.Expected)
}

func IsErrStaleHead(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrStaleHead)
	return ok
}

// ErrConflictingParent reports an append whose parent does not resolve.
type ErrConflictingParent struct {
	Parent string
}

func (e *ErrConflictingParent) Error() string {
	return fmt.Sprintf("parent commit '%s' does not resolve", e.Parent)
}

func IsErrConflictingParent(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrConflictingParent)
	return ok
}

type ErrExist struct {
	message string
}

func (e *ErrExist) Error() string {
	return e.message
}

func NewErrExist(format string, a ...any) error {
	return &ErrExist{message: fmt.Sprintf(format, a...)}
}

func IsErrExist(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrExist)
	return ok
}

// IsUnavailable reports a transient storage failure worth retrying.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if IsErrorCode(err, ER_LOCK_WAIT_TIMEOUT) {
		return true
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn)
}
