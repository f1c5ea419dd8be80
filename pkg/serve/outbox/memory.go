// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"strings"
	"sync"
)

// MemBroker is an in-process Broker for tests and single-node deployments.
// Subjects match subscription patterns with the usual topic wildcards
// (* one token, # any tail).
type MemBroker struct {
	mu     sync.Mutex
	subs   []*memSub
	closed bool
	// Published records every accepted publish in order, for assertions.
	Published []*Message
}

type memSub struct {
	pattern string
	ch      chan *Message
}

func NewMemBroker() *MemBroker {
	return &MemBroker{}
}

func (b *MemBroker) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string, idempotencyKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return context.Canceled
	}
	msg := &Message{
		ID:      idempotencyKey,
		Subject: subject,
		Payload: payload,
		Headers: headers,
		Ack:     func() error { return nil },
		Nak:     func() error { return nil },
	}
	b.Published = append(b.Published, msg)
	for _, s := range b.subs {
		if matchSubject(s.pattern, subject) {
			select {
			case s.ch <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, pattern, durable string) (<-chan *Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memSub{pattern: pattern, ch: make(chan *Message, 64)}
	b.subs = append(b.subs, s)
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		b.mu.Unlock()
	}()
	return s.ch, nil
}

func (b *MemBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// matchSubject implements topic-style matching: '*' matches one dot token,
// '#' matches the rest.
func matchSubject(pattern, subject string) bool {
	if pattern == subject || pattern == "#" {
		return true
	}
	pp := strings.Split(pattern, ".")
	ss := strings.Split(subject, ".")
	for i, p := range pp {
		if p == "#" {
			return true
		}
		if i >= len(ss) {
			return false
		}
		if p != "*" && p != ss[i] {
			return false
		}
	}
	return len(pp) == len(ss)
}
