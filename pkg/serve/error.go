// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package serve

import (
	"context"
	"errors"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/lock"
	"github.com/antgroup/oms/pkg/serve/odb"
	"github.com/antgroup/oms/pkg/serve/refs"
	"github.com/antgroup/oms/pkg/serve/shadow"
)

// Kind is the stable error classification callers branch on; messages are
// for humans.
type Kind string

const (
	KindNotFound    Kind = "NotFound"
	KindConflict    Kind = "Conflict"
	KindValidation  Kind = "Validation"
	KindPermission  Kind = "Permission"
	KindTimeout     Kind = "Timeout"
	KindUnavailable Kind = "Unavailable"
	KindFatal       Kind = "Fatal"
)

// ErrWriteLocked is the admission rejection: a held lock conflicts with the
// attempted write.
type ErrWriteLocked struct {
	Branch string
	Reason string
}

func (e *ErrWriteLocked) Error() string {
	return "branch '" + e.Branch + "' write rejected: " + e.Reason
}

func IsErrWriteLocked(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrWriteLocked)
	return ok
}

// ErrStaleEtag reports a conditional update whose validator no longer
// matches.
type ErrStaleEtag struct {
	Expected string
	Actual   string
}

func (e *ErrStaleEtag) Error() string {
	return "etag mismatch: expected " + e.Expected + ", current " + e.Actual
}

func IsErrStaleEtag(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrStaleEtag)
	return ok
}

// Classify maps any error surfaced by the core to its kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case database.IsNotFound(err), plumbing.IsNoSuchObject(err):
		return KindNotFound
	case IsErrStaleEtag(err), lock.IsErrLockConflict(err):
		return KindConflict
	case IsErrWriteLocked(err), lock.IsErrNotOwner(err):
		return KindPermission
	case odb.IsErrInvalidTree(err), shadow.IsErrDuplicateBuild(err),
		shadow.IsErrValidationFailed(err), plumbing.IsErrBadBranchName(err),
		refs.IsErrInvalidTransition(err):
		return KindValidation
	case database.IsUnavailable(err):
		return KindUnavailable
	default:
		if isConflict(err) {
			return KindConflict
		}
		return KindFatal
	}
}

func isConflict(err error) bool {
	var stale *database.ErrStaleHead
	if errors.As(err, &stale) {
		return true
	}
	var parent *database.ErrConflictingParent
	if errors.As(err, &parent) {
		return true
	}
	return database.IsErrExist(err)
}
