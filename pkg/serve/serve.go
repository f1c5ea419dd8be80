// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package serve wires the core components into one server: commit store,
// branch registry, merge engine, lock manager, shadow coordinator and the
// outbox pipeline. Gateways call the operations here; everything else is
// internal machinery.
package serve

import (
	"context"
	"time"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/lock"
	"github.com/antgroup/oms/pkg/serve/merge"
	"github.com/antgroup/oms/pkg/serve/odb"
	"github.com/antgroup/oms/pkg/serve/outbox"
	"github.com/antgroup/oms/pkg/serve/refs"
	"github.com/antgroup/oms/pkg/serve/shadow"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server owns the component graph. Construct with NewServer, drive the
// background loops with Run, and dispose with Close.
type Server struct {
	cfg *ServerConfig

	db         database.DB
	odb        *odb.ODB
	registry   *refs.Registry
	locks      *lock.Manager
	merger     *merge.Engine
	shadows    *shadow.Coordinator
	broker     outbox.Broker
	publisher  *outbox.Publisher
	subscriber *outbox.Subscriber
}

func NewServer(cfg *ServerConfig) (*Server, error) {
	dbCfg, err := cfg.Database.MakeConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return nil, err
	}
	cache, err := odb.NewCacheDB(cfg.Cache.NumCounters, cfg.Cache.MaxCost, cfg.Cache.BufferItems)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	o := odb.NewODB(db, cache, odb.Options{
		CompressionThreshold: cfg.Delta.CompressionThreshold,
		MaxChainLength:       cfg.Delta.MaxChainLength,
		DeltaWorkers:         cfg.Delta.Workers,
	})
	locks := lock.NewManager(db, lock.Options{
		SweepInterval: cfg.Lock.SweepInterval.Duration,
		AcquireWait:   cfg.Lock.AcquireWait.Duration,
	})
	registry := refs.NewRegistry(db, db, locks)
	merger := merge.NewEngine(o, registry, db, merge.Options{
		WallClockBudget: cfg.Merge.WallClockBudget.Duration,
	})
	shadows := shadow.NewCoordinator(db, locks, shadow.Options{
		SwitchTimeout: cfg.Index.SwitchTimeout.Duration,
	})

	var broker outbox.Broker
	if cfg.Broker.URL != "" {
		if broker, err = outbox.NewAMQPBroker(cfg.Broker.URL); err != nil {
			o.Close()
			_ = db.Close()
			return nil, err
		}
	} else {
		broker = outbox.NewMemBroker()
	}
	publisher := outbox.NewPublisher(db, broker, outbox.PublisherOptions{
		PollInterval:  cfg.Outbox.PollInterval.Duration,
		BatchSize:     cfg.Outbox.BatchSize,
		MaxAttempts:   cfg.Outbox.MaxAttempts,
		DeadRetention: cfg.Outbox.DeadRetention.Duration,
	})
	subscriber, err := outbox.NewSubscriber(db, outbox.SubscriberOptions{
		IdempotencyWindow: cfg.Subscriber.IdempotencyWindow.Duration,
		MessageDeadline:   cfg.Subscriber.MessageDeadline.Duration,
		RetryBudget:       cfg.Subscriber.RetryBudget,
	})
	if err != nil {
		o.Close()
		_ = broker.Close()
		_ = db.Close()
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		db:         db,
		odb:        o,
		registry:   registry,
		locks:      locks,
		merger:     merger,
		shadows:    shadows,
		broker:     broker,
		publisher:  publisher,
		subscriber: subscriber,
	}, nil
}

// Setup creates the storage schema and ensures the default branch exists.
// Safe to run on every start.
func (s *Server) Setup(ctx context.Context) error {
	if err := s.db.Setup(ctx); err != nil {
		return err
	}
	_, err := s.odb.Init(ctx, database.DefaultBranch, schema.Signature{Name: "oms-serve", Email: "oms-serve@localhost"})
	return err
}

// Run drives the background loops until ctx is cancelled: outbox publisher,
// projection subscriber, lock sweeper and optional DAG compaction.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.publisher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := s.subscriber.Run(ctx, s.broker, s.cfg.Broker.Pattern, s.cfg.Broker.Durable)
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.locks.RunSweeper(ctx)
		return nil
	})
	if s.cfg.Compaction.Enabled {
		g.Go(func() error {
			s.runCompaction(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) runCompaction(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Compaction.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.odb.CompactAll(ctx, s.cfg.Compaction.MaxChain); err != nil {
				logrus.Errorf("dag compaction: %v", err)
			}
		}
	}
}

func (s *Server) Close() error {
	s.odb.Close()
	if err := s.broker.Close(); err != nil {
		logrus.Errorf("close broker: %v", err)
	}
	return s.db.Close()
}

// admit runs the lock-manager admission check and wraps a rejection.
func (s *Server) admit(ctx context.Context, branch, action string, kind schema.ResourceKind, id string) error {
	allowed, reason, err := s.locks.CheckWritePermission(ctx, branch, action, string(kind), id)
	if err != nil {
		return err
	}
	if !allowed {
		return &ErrWriteLocked{Branch: branch, Reason: reason}
	}
	return nil
}

// CreateResource appends version 1 of a resource on the branch.
func (s *Server) CreateResource(ctx context.Context, kind schema.ResourceKind, id, branch string, content []byte, author schema.Signature) (*database.ResourceVersion, error) {
	if err := s.admit(ctx, branch, "create", kind, id); err != nil {
		return nil, err
	}
	return s.odb.TrackChange(ctx, kind, id, branch, content, schema.ChangeCreate, author)
}

// UpdateResource appends a new version. A non-empty expectedETag makes the
// update conditional; a mismatch fails with ErrStaleEtag.
func (s *Server) UpdateResource(ctx context.Context, kind schema.ResourceKind, id, branch string, content []byte, author schema.Signature, expectedETag string) (*database.ResourceVersion, error) {
	if err := s.admit(ctx, branch, "update", kind, id); err != nil {
		return nil, err
	}
	if expectedETag != "" {
		valid, latest, err := s.odb.ValidateETag(ctx, kind, id, branch, expectedETag)
		if err != nil {
			return nil, err
		}
		if !valid {
			return nil, &ErrStaleEtag{Expected: expectedETag, Actual: latest.ETag}
		}
	}
	return s.odb.TrackChange(ctx, kind, id, branch, content, schema.ChangeUpdate, author)
}

// DeleteResource appends a delete version and returns the commit that
// removed the resource from the tree.
func (s *Server) DeleteResource(ctx context.Context, kind schema.ResourceKind, id, branch string, author schema.Signature) (plumbing.Hash, error) {
	if err := s.admit(ctx, branch, "delete", kind, id); err != nil {
		return plumbing.ZeroHash, err
	}
	rv, err := s.odb.TrackChange(ctx, kind, id, branch, nil, schema.ChangeDelete, author)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return plumbing.NewHash(rv.CommitHash), nil
}

// GetResource returns the chain entry and content; version 0 means latest.
func (s *Server) GetResource(ctx context.Context, kind schema.ResourceKind, id, branch string, version int64) (*database.ResourceVersion, []byte, error) {
	return s.odb.ResourceVersion(ctx, kind, id, branch, version)
}

// GetDelta serves the cheapest transformation to the branch's latest
// version.
func (s *Server) GetDelta(ctx context.Context, req *odb.DeltaRequest) (*odb.DeltaResponse, error) {
	return s.odb.Delta(ctx, req)
}

// ValidateCache partitions a client's cached set into valid, stale and
// deleted.
func (s *Server) ValidateCache(ctx context.Context, branch string, etags map[string]string) (*odb.CacheValidation, error) {
	return s.odb.ValidateCache(ctx, branch, etags)
}

// CreateBranch registers a branch at fromCommit.
func (s *Server) CreateBranch(ctx context.Context, name string, fromCommit plumbing.Hash, parent, actor string) (*database.Branch, error) {
	return s.registry.Create(ctx, name, fromCommit, parent, actor)
}

// MergeBranches runs the three-way merge of source into target.
func (s *Server) MergeBranches(ctx context.Context, req *merge.Request) (*merge.Result, error) {
	if err := s.admit(ctx, req.Target, "merge", "", ""); err != nil {
		return nil, err
	}
	return s.merger.Merge(ctx, req)
}

// StartIndexBuild registers a shadow build.
func (s *Server) StartIndexBuild(ctx context.Context, branch, indexType string, resourceKinds []string, shadowPath, currentPath string) (*database.ShadowIndex, error) {
	return s.shadows.StartBuild(ctx, branch, indexType, resourceKinds, shadowPath, currentPath)
}

// SwitchIndex promotes a built shadow index.
func (s *Server) SwitchIndex(ctx context.Context, shadowID string, req *shadow.SwitchRequest) (*shadow.SwitchResult, error) {
	return s.shadows.Switch(ctx, shadowID, req)
}

// AcquireLock, ReleaseLock and Heartbeat expose the lock manager.
func (s *Server) AcquireLock(ctx context.Context, req *lock.AcquireRequest) (*database.BranchLock, error) {
	return s.locks.Acquire(ctx, req)
}

func (s *Server) ReleaseLock(ctx context.Context, id, holder string) error {
	return s.locks.Release(ctx, id, holder)
}

func (s *Server) Heartbeat(ctx context.Context, id, holder, status string, progress float64) error {
	return s.locks.Heartbeat(ctx, id, holder, status, progress)
}

// Registry, Locks, Shadows and ODB expose the components for callers that
// need the full surface (tests, admin tooling).
func (s *Server) Registry() *refs.Registry     { return s.registry }
func (s *Server) Locks() *lock.Manager         { return s.locks }
func (s *Server) Shadows() *shadow.Coordinator { return s.shadows }
func (s *Server) ODB() *odb.ODB                { return s.odb }
func (s *Server) Merger() *merge.Engine        { return s.merger }
