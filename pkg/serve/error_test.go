package serve

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/lock"
	"github.com/antgroup/oms/pkg/serve/refs"
	"github.com/antgroup/oms/pkg/serve/shadow"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("merge: %w", context.DeadlineExceeded), KindTimeout},
		{"revision not found", &database.ErrRevisionNotFound{Revision: "user@3"}, KindNotFound},
		{"no such object", plumbing.NoSuchObject(plumbing.ZeroHash), KindNotFound},
		{"stale etag", &ErrStaleEtag{Expected: "a", Actual: "b"}, KindConflict},
		{"lock conflict", &lock.ErrLockConflict{Branch: "mainline"}, KindConflict},
		{"stale head", &database.ErrStaleHead{Branch: "mainline"}, KindConflict},
		{"conflicting parent", &database.ErrConflictingParent{Parent: "abc"}, KindConflict},
		{"already exists", database.NewErrExist("branch 'mainline' already exists"), KindConflict},
		{"write locked", &ErrWriteLocked{Branch: "mainline", Reason: "indexing"}, KindPermission},
		{"not owner", &lock.ErrNotOwner{LockID: "lk-1", Holder: "x"}, KindPermission},
		{"duplicate build", &shadow.ErrDuplicateBuild{Branch: "mainline", IndexType: "SEARCH"}, KindValidation},
		{"validation failed", &shadow.ErrValidationFailed{ShadowID: "ix-1", Check: "checksum"}, KindValidation},
		{"bad branch name", &plumbing.ErrBadBranchName{Name: "-x"}, KindValidation},
		{"invalid transition", &refs.ErrInvalidTransition{Branch: "mainline", From: "MERGING", To: "ARCHIVED"}, KindValidation},
		{"anything else", errors.New("disk on fire"), KindFatal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), c.name)
	}
}

func TestErrWriteLockedMessage(t *testing.T) {
	err := &ErrWriteLocked{Branch: "mainline", Reason: "blocked by INDEXING BRANCH lock"}
	assert.Contains(t, err.Error(), "mainline")
	assert.True(t, IsErrWriteLocked(err))
	assert.False(t, IsErrWriteLocked(errors.New("other")))
}

func TestErrStaleEtag(t *testing.T) {
	err := &ErrStaleEtag{Expected: `W/"abc-1"`, Actual: `W/"def-2"`}
	assert.True(t, IsErrStaleEtag(err))
	assert.Contains(t, err.Error(), `W/"abc-1"`)
}
