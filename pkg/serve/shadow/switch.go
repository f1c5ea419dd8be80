// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package shadow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/lock"
	"github.com/sirupsen/logrus"
)

// Check is a caller-supplied switch precondition.
type Check func(ix *database.ShadowIndex) error

// SwitchRequest tunes the promotion. Force waives the non-empty record-count
// validation. Backup snapshots the previous current path before promotion.
type SwitchRequest struct {
	Force  bool
	Backup bool
	Checks []Check
}

type SwitchResult struct {
	Success      bool          `json:"success"`
	Duration     time.Duration `json:"duration"`
	DurationMS   int64         `json:"duration_ms"`
	Validation   string        `json:"validation,omitempty"`
	Verification string        `json:"verification,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Switch promotes a BUILT index under a brief exclusive branch lock. Readers
// see either the old or the new index, never a mixture: the promotion is a
// rename where the filesystem allows it, and any failure rolls the previous
// content back.
func (c *Coordinator) Switch(ctx context.Context, id string, req *SwitchRequest) (*SwitchResult, error) {
	started := time.Now()
	ix, err := c.db.FindShadowIndex(ctx, id)
	if err != nil {
		return nil, err
	}
	if ix.State != database.ShadowBuilt {
		return nil, fmt.Errorf("shadow index %s is %s, not BUILT", id, ix.State)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SwitchTimeout)
	defer cancel()

	held, err := c.locks.Acquire(ctx, &lock.AcquireRequest{
		Branch: ix.Branch,
		Type:   database.LockIndexing,
		Scope:  database.ScopeBranch,
		Holder: "shadow-coordinator/" + ix.ID,
		TTL:    c.opts.SwitchTimeout * 2,
		Reason: "index switch " + ix.IndexType,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.locks.Release(context.WithoutCancel(ctx), held.ID, held.Holder); err != nil {
			logrus.Errorf("release switch lock %s: %v", held.ID, err)
		}
	}()

	ix.State = database.ShadowSwitching
	if err := c.db.UpdateShadowIndex(ctx, ix, database.ShadowBuilt); err != nil {
		return nil, err
	}

	result := &SwitchResult{}
	fail := func(state string, why error) (*SwitchResult, error) {
		ix.State = state
		ix.Error = why.Error()
		if uerr := c.db.UpdateShadowIndex(ctx, ix, database.ShadowSwitching); uerr != nil {
			logrus.Errorf("record switch failure for %s: %v", ix.ID, uerr)
		}
		result.Error = why.Error()
		result.Duration = time.Since(started)
		result.DurationMS = result.Duration.Milliseconds()
		return result, why
	}

	if err := c.validate(ix, req); err != nil {
		return fail(database.ShadowFailed, err)
	}
	result.Validation = "passed"

	if req.Backup && ix.BackupPath != "" {
		if err := snapshot(ix.CurrentPath, ix.BackupPath); err != nil {
			return fail(database.ShadowFailed, fmt.Errorf("backup current index: %w", err))
		}
	}
	if err := promote(ix.ShadowPath, ix.CurrentPath); err != nil {
		if req.Backup && ix.BackupPath != "" {
			if rerr := rollback(ix.BackupPath, ix.CurrentPath); rerr != nil {
				logrus.Errorf("rollback index %s: %v", ix.ID, rerr)
			}
		}
		return fail(database.ShadowFailed, fmt.Errorf("promote index: %w", err))
	}
	result.Verification = "promoted"

	// demote any previously active index for the pair
	if all, err := c.db.ListShadowIndexes(ctx, ix.Branch); err == nil {
		for _, prev := range all {
			if prev.ID != ix.ID && prev.IndexType == ix.IndexType && prev.State == database.ShadowActive {
				prev.State = database.ShadowCancelled
				if err := c.db.UpdateShadowIndex(ctx, prev, database.ShadowActive); err != nil {
					logrus.Errorf("demote previous index %s: %v", prev.ID, err)
				}
			}
		}
	}

	ix.State = database.ShadowActive
	if err := c.db.UpdateShadowIndex(ctx, ix, database.ShadowSwitching); err != nil {
		return nil, err
	}
	result.Success = true
	result.Duration = time.Since(started)
	result.DurationMS = result.Duration.Milliseconds()
	c.stageSwitched(ctx, ix, result.Duration)
	return result, nil
}

func (c *Coordinator) validate(ix *database.ShadowIndex, req *SwitchRequest) error {
	if ix.RecordCount <= 0 && !req.Force {
		return &ErrValidationFailed{ShadowID: ix.ID, Check: "record_count", Detail: "index has zero records; use force to switch anyway"}
	}
	if ix.Checksum != "" {
		got, err := checksumPath(ix.ShadowPath)
		if err != nil {
			return &ErrValidationFailed{ShadowID: ix.ID, Check: "checksum", Detail: err.Error()}
		}
		if got != ix.Checksum {
			return &ErrValidationFailed{ShadowID: ix.ID, Check: "checksum", Detail: fmt.Sprintf("recorded %s, recomputed %s", ix.Checksum, got)}
		}
	}
	for i, check := range req.Checks {
		if err := check(ix); err != nil {
			return &ErrValidationFailed{ShadowID: ix.ID, Check: fmt.Sprintf("custom_%d", i), Detail: err.Error()}
		}
	}
	return nil
}

// checksumPath hashes every regular file under path in sorted relative-path
// order, matching what builders record at CompleteBuild time.
func checksumPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	h := plumbing.NewHasher()
	if !info.IsDir() {
		if err := hashFile(h, path); err != nil {
			return "", err
		}
		return h.Sum().String(), nil
	}
	var files []string
	err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)
	for _, f := range files {
		if err := hashFile(h, f); err != nil {
			return "", err
		}
	}
	return h.Sum().String(), nil
}

func hashFile(h plumbing.Hasher, path string) error {
	fd, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fd.Close() // nolint
	_, err = io.Copy(h, fd)
	return err
}

// promote swaps shadow into current, preferring an atomic rename. When the
// rename fails (cross-device staging), fall back to copy-and-replace through
// a sibling temp path so the final rename still happens within one
// filesystem.
func promote(shadowPath, currentPath string) error {
	if err := os.RemoveAll(currentPath + ".old"); err != nil {
		return err
	}
	if _, err := os.Stat(currentPath); err == nil {
		if err := os.Rename(currentPath, currentPath+".old"); err != nil {
			return err
		}
	}
	if err := os.Rename(shadowPath, currentPath); err == nil {
		_ = os.RemoveAll(currentPath + ".old")
		return nil
	}
	tmp := currentPath + ".staging"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := copyTree(shadowPath, tmp); err != nil {
		_ = os.Rename(currentPath+".old", currentPath)
		return err
	}
	if err := os.Rename(tmp, currentPath); err != nil {
		_ = os.Rename(currentPath+".old", currentPath)
		return err
	}
	_ = os.RemoveAll(currentPath + ".old")
	return nil
}

func snapshot(currentPath, backupPath string) error {
	if _, err := os.Stat(currentPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(backupPath); err != nil {
		return err
	}
	return copyTree(currentPath, backupPath)
}

func rollback(backupPath, currentPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return err
	}
	if err := os.RemoveAll(currentPath); err != nil {
		return err
	}
	return os.Rename(backupPath, currentPath)
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	return filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode())
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		return copyFile(p, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() // nolint
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
