// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"strconv"
	"time"

	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

type PublisherOptions struct {
	// PollInterval drives the outbox drain loop. Clamped to 100ms..1s.
	PollInterval time.Duration
	// BatchSize rows per poll.
	BatchSize int
	// MaxAttempts before a row is buried in the dead table.
	MaxAttempts int
	// DeadRetention bounds how long buried rows are kept.
	DeadRetention time.Duration
}

func (o *PublisherOptions) Sanitize() {
	if o.PollInterval < 100*time.Millisecond {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.PollInterval > time.Second {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.DeadRetention <= 0 {
		o.DeadRetention = 7 * 24 * time.Hour
	}
}

// Publisher drains PENDING outbox rows to the broker in (created_at, id)
// order. One loop per process keeps per-branch publication FIFO with commit
// order.
type Publisher struct {
	db     database.DB
	broker Broker
	opts   PublisherOptions
}

func NewPublisher(db database.DB, broker Broker, opts PublisherOptions) *Publisher {
	opts.Sanitize()
	return &Publisher{db: db, broker: broker, opts: opts}
}

// Run polls until ctx is done. Errors never escape the loop; rows that keep
// failing end up in the dead table.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			if n, err := p.db.PruneDead(ctx, time.Now().Add(-p.opts.DeadRetention)); err != nil {
				logrus.Errorf("prune dead outbox rows: %v", err)
			} else if n > 0 {
				logrus.Infof("pruned %d dead outbox rows", n)
			}
		case <-ticker.C:
			if err := p.DrainOnce(ctx); err != nil {
				logrus.Errorf("outbox drain: %v", err)
			}
		}
	}
}

// DrainOnce publishes one batch. The idempotency key is the outbox row id,
// stable across redeliveries of the same row.
func (p *Publisher) DrainOnce(ctx context.Context) error {
	rows, err := p.db.PendingOutbox(ctx, p.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := p.publishRow(ctx, row); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempts := row.Attempts + 1
			if attempts >= p.opts.MaxAttempts {
				logrus.Errorf("outbox row %d exhausted after %d attempts: %v", row.ID, attempts, err)
				if berr := p.db.BuryOutbox(ctx, row, err.Error()); berr != nil {
					logrus.Errorf("bury outbox row %d: %v", row.ID, berr)
				}
				continue
			}
			if ferr := p.db.FailOutbox(ctx, row.ID, attempts, err.Error()); ferr != nil {
				logrus.Errorf("record failure for outbox row %d: %v", row.ID, ferr)
			}
			// stop the batch so per-branch order is not violated by skipping
			// ahead of a failed row
			return nil
		}
		if err := p.db.AckOutbox(ctx, row.ID); err != nil {
			return err
		}
	}
	return nil
}

// publishRow pushes one row with short exponential backoff inside the
// attempt; persistent failure is handled by the caller's attempt counter.
func (p *Publisher) publishRow(ctx context.Context, row *database.OutboxRow) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		return p.broker.Publish(ctx, Subject(row.Branch), row.Payload, map[string]string{
			"event-type":  row.EventType,
			"branch":      row.Branch,
			"commit-hash": row.CommitHash,
		}, strconv.FormatInt(row.ID, 10))
	}, policy)
}
