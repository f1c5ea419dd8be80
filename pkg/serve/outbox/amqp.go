// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const exchangeName = "oms.events"

// amqpBroker publishes through a confirm-mode channel so an ack from Publish
// really means the broker has the message.
type amqpBroker struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pubCh    *amqp.Channel
	confirms chan amqp.Confirmation
}

// NewAMQPBroker connects and declares the topic exchange.
func NewAMQPBroker(url string) (Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	b := &amqpBroker{conn: conn}
	if err := b.setupPublish(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *amqpBroker) setupPublish() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}
	b.pubCh = ch
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (b *amqpBroker) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string, idempotencyKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}
	if err := b.pubCh.Publish(exchangeName, subject, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    idempotencyKey,
		Headers:      table,
		Body:         payload,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	select {
	case confirm, ok := <-b.confirms:
		if !ok {
			return fmt.Errorf("publish %s: confirm channel closed", subject)
		}
		if !confirm.Ack {
			return fmt.Errorf("publish %s: broker nacked", subject)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *amqpBroker) Subscribe(ctx context.Context, pattern, durable string) (<-chan *Message, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	queue, err := ch.QueueDeclare(durable, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", durable, err)
	}
	if err := ch.QueueBind(queue.Name, pattern, exchangeName, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind %s to %s: %w", queue.Name, pattern, err)
	}
	deliveries, err := ch.Consume(queue.Name, durable, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue.Name, err)
	}

	out := make(chan *Message)
	go func() {
		defer close(out)
		defer func() {
			if err := ch.Close(); err != nil {
				logrus.Errorf("close consume channel %s: %v", durable, err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				headers := make(map[string]string, len(d.Headers))
				for k, v := range d.Headers {
					if s, ok := v.(string); ok {
						headers[k] = s
					}
				}
				msg := &Message{
					ID:      d.MessageId,
					Subject: d.RoutingKey,
					Payload: d.Body,
					Headers: headers,
					Ack:     func() error { return d.Ack(false) },
					Nak:     func() error { return d.Nack(false, true) },
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *amqpBroker) Close() error {
	return b.conn.Close()
}
