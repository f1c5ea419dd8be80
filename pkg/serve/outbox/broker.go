// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package outbox implements the event pipeline around the transactional
// outbox: a publisher that drains staged rows to the broker and an
// at-least-once subscriber that derives history and audit projections.
package outbox

import "context"

// Message is one delivery from the broker. Ack confirms processing; Nak
// requests redelivery.
type Message struct {
	ID      string
	Subject string
	Payload []byte
	Headers map[string]string
	Ack     func() error
	Nak     func() error
}

// Broker abstracts the messaging transport. Publish is synchronous with
// respect to broker acknowledgement; the idempotency key lets the broker or
// consumers drop duplicate publishes of the same outbox row.
type Broker interface {
	Publish(ctx context.Context, subject string, payload []byte, headers map[string]string, idempotencyKey string) error
	Subscribe(ctx context.Context, pattern, durable string) (<-chan *Message, error)
	Close() error
}

// SubjectPrefix roots every routing key.
const SubjectPrefix = "oms.events"

// Subject builds the per-branch routing key. Keeping one subject per branch
// preserves per-branch commit order through the broker.
func Subject(branch string) string {
	if branch == "" {
		return SubjectPrefix
	}
	return SubjectPrefix + "." + branch
}
