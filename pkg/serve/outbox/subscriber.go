// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antgroup/oms/modules/events"
	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
)

// Tagger derives regulatory labels from a resource; deployments plug their
// own policy in. Classifier labels the data sensitivity the same way.
type (
	Tagger     func(resourceKind, resourceID string, data []byte) []string
	Classifier func(resourceKind, resourceID string) string
)

type SubscriberOptions struct {
	// IdempotencyWindow is how long processed event ids are remembered. Keep
	// it at or above 1.5x the broker redelivery window.
	IdempotencyWindow time.Duration
	// MessageDeadline bounds one handler invocation.
	MessageDeadline time.Duration
	// RetryBudget is how many deliveries of one event are attempted before
	// it moves to the processing DLQ.
	RetryBudget int

	Tagger     Tagger
	Classifier Classifier
}

func (o *SubscriberOptions) Sanitize() {
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = 30 * time.Minute
	}
	if o.MessageDeadline <= 0 {
		o.MessageDeadline = 10 * time.Second
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 5
	}
	if o.Tagger == nil {
		o.Tagger = DefaultTagger
	}
	if o.Classifier == nil {
		o.Classifier = DefaultClassifier
	}
}

// Subscriber consumes published events and derives the history and audit
// projections. Handlers are idempotent by event id, so at-least-once
// delivery collapses to effectively-once derived state.
type Subscriber struct {
	db   database.DB
	opts SubscriberOptions

	seen *ristretto.Cache[string, bool]

	mu      sync.Mutex
	retries map[string]int
}

func NewSubscriber(db database.DB, opts SubscriberOptions) (*Subscriber, error) {
	opts.Sanitize()
	seen, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters: 1 << 16,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("unable initialize dedupe cache, error: %w", err)
	}
	return &Subscriber{db: db, opts: opts, seen: seen, retries: make(map[string]int)}, nil
}

// Run consumes from the broker until ctx is done. Sweep of the durable
// dedupe set rides on the same loop.
func (s *Subscriber) Run(ctx context.Context, broker Broker, pattern, durable string) error {
	msgs, err := broker.Subscribe(ctx, pattern, durable)
	if err != nil {
		return err
	}
	sweep := time.NewTicker(s.opts.IdempotencyWindow)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if _, err := s.db.SweepIngested(ctx, time.Now()); err != nil {
				logrus.Errorf("sweep ingested ids: %v", err)
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			s.Handle(ctx, msg)
		}
	}
}

// Handle processes one delivery. Ill-formed envelopes go to the parse DLQ;
// handler failures are retried up to the budget, then go to the processing
// DLQ. Both paths ack so the broker stops redelivering.
func (s *Subscriber) Handle(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.MessageDeadline)
	defer cancel()

	envelope, err := events.Unmarshal(msg.Payload)
	if err != nil {
		s.toDLQ(ctx, "parse", msg.Payload, err, 1)
		s.ack(msg)
		return
	}

	if _, hit := s.seen.Get(envelope.ID); hit {
		s.ack(msg)
		return
	}

	if err := s.process(ctx, envelope); err != nil {
		attempts := s.bumpRetry(envelope.ID)
		if attempts >= s.opts.RetryBudget {
			logrus.Errorf("event %s (%s) exhausted %d attempts: %v", envelope.ID, envelope.Type, attempts, err)
			s.toDLQ(ctx, "processing", msg.Payload, err, attempts)
			s.clearRetry(envelope.ID)
			s.ack(msg)
			return
		}
		logrus.Warnf("event %s (%s) attempt %d failed: %v", envelope.ID, envelope.Type, attempts, err)
		if err := msg.Nak(); err != nil {
			logrus.Errorf("nak event %s: %v", envelope.ID, err)
		}
		return
	}

	if _, err := s.db.MarkIngested(ctx, envelope.ID, s.opts.IdempotencyWindow); err != nil {
		logrus.Errorf("mark event %s ingested: %v", envelope.ID, err)
	}
	s.seen.SetWithTTL(envelope.ID, true, 1, s.opts.IdempotencyWindow)
	s.clearRetry(envelope.ID)
	s.ack(msg)
}

func (s *Subscriber) process(ctx context.Context, e *events.Envelope) error {
	history, audit, err := s.derive(e)
	if err != nil {
		return err
	}
	if history != nil {
		if _, err := s.db.SaveHistoryEntry(ctx, history); err != nil {
			return fmt.Errorf("save history entry: %w", err)
		}
	}
	if audit != nil {
		if _, err := s.db.SaveAuditLog(ctx, audit); err != nil {
			return fmt.Errorf("save audit log: %w", err)
		}
	}
	return nil
}

func (s *Subscriber) ack(msg *Message) {
	if err := msg.Ack(); err != nil {
		logrus.Errorf("ack message %s: %v", msg.ID, err)
	}
}

func (s *Subscriber) toDLQ(ctx context.Context, source string, payload []byte, cause error, attempts int) {
	if err := s.db.SaveDLQ(ctx, &database.DLQRow{
		Source:        source,
		Payload:       payload,
		Error:         cause.Error(),
		FirstFailedAt: time.Now(),
		Attempts:      attempts,
	}); err != nil {
		logrus.Errorf("save %s DLQ row: %v", source, err)
	}
}

func (s *Subscriber) bumpRetry(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[id]++
	return s.retries[id]
}

func (s *Subscriber) clearRetry(id string) {
	s.mu.Lock()
	delete(s.retries, id)
	s.mu.Unlock()
}
