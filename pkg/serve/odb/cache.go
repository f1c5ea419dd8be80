// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"errors"
	"fmt"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/dgraph-io/ristretto/v2"
)

func versionKey(kind, id, branch string) string {
	return fmt.Sprintf("v/%s/%s/%s", branch, kind, id)
}

func objectKey(oid plumbing.Hash) string {
	return "o/" + oid.String()
}

// CacheDB fronts the store with an in-memory cache. Version metadata is kept
// on a short TTL: stale reads are bounded to a few seconds and the ETag
// round-trip corrects any divergence.
type CacheDB interface {
	Commit(oid plumbing.Hash) (*schema.Commit, bool)
	Tree(oid plumbing.Hash) (*schema.Tree, bool)
	Content(oid plumbing.Hash) ([]byte, bool)
	Version(kind, id, branch string) (*database.ResourceVersion, bool)
	Store(a any) error
	StoreContent(oid plumbing.Hash, content []byte)
	StoreVersion(v *database.ResourceVersion)
	InvalidateVersion(kind, id, branch string)
}

type cacheDB struct {
	*ristretto.Cache[string, any]
}

const versionTTL = 3 * time.Second

func NewCacheDB(numCounters int64, maxCost int64, bufferItems int64) (CacheDB, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: numCounters,
		MaxCost:     maxCost << 20,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("unable initialize memory cache, error: %w", err)
	}
	return &cacheDB{Cache: c}, nil
}

func (d *cacheDB) Commit(oid plumbing.Hash) (*schema.Commit, bool) {
	if o, ok := d.Get(objectKey(oid)); ok {
		if c, ok := o.(*schema.Commit); ok {
			return c, true
		}
	}
	return nil, false
}

func (d *cacheDB) Tree(oid plumbing.Hash) (*schema.Tree, bool) {
	if o, ok := d.Get(objectKey(oid)); ok {
		if t, ok := o.(*schema.Tree); ok {
			return t, true
		}
	}
	return nil, false
}

func (d *cacheDB) Content(oid plumbing.Hash) ([]byte, bool) {
	if o, ok := d.Get(objectKey(oid)); ok {
		if b, ok := o.([]byte); ok {
			return b, true
		}
	}
	return nil, false
}

func (d *cacheDB) Version(kind, id, branch string) (*database.ResourceVersion, bool) {
	if o, ok := d.Get(versionKey(kind, id, branch)); ok {
		if v, ok := o.(*database.ResourceVersion); ok {
			return v, true
		}
	}
	return nil, false
}

var (
	ErrUncacheableObject = errors.New("uncacheable object")
)

func (d *cacheDB) Store(a any) error {
	switch v := a.(type) {
	case *schema.Commit:
		_ = d.Set(objectKey(v.Hash), v, 1)
	case *schema.Tree:
		d.SetWithTTL(objectKey(v.Hash), v, 1, time.Hour*24)
	default:
		return ErrUncacheableObject
	}
	return nil
}

func (d *cacheDB) StoreContent(oid plumbing.Hash, content []byte) {
	d.SetWithTTL(objectKey(oid), content, int64(len(content)), time.Hour*4)
}

func (d *cacheDB) StoreVersion(v *database.ResourceVersion) {
	d.SetWithTTL(versionKey(v.ResourceKind, v.ResourceID, v.Branch), v, 1, versionTTL)
}

func (d *cacheDB) InvalidateVersion(kind, id, branch string) {
	d.Del(versionKey(kind, id, branch))
}
