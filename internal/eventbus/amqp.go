/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/events"
)

// AMQPConfig contains RabbitMQ connection configuration.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPBus publishes events to a topic exchange keyed by event type. Each
// instance binds its own exclusive queue for the types it subscribes to.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string
	logger   zerolog.Logger
	local    *events.Bus
	nodeID   string

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu     sync.Mutex
	subCh  *amqp.Channel
	queue  string
	bound  map[events.EventType]bool
	closed chan struct{}
	wg     sync.WaitGroup
}

// NewAMQPBus dials RabbitMQ and declares the exchange.
func NewAMQPBus(cfg AMQPConfig, nodeID string, logger zerolog.Logger) (*AMQPBus, error) {
	logger = logger.With().Str("component", "eventbus").Str("backend", "amqp").Logger()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pubCh.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	subCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	q, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := subCh.Consume(q.Name, "bayline-"+nodeID, true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}

	ab := &AMQPBus{
		conn:     conn,
		exchange: cfg.Exchange,
		logger:   logger,
		local:    events.NewBus(),
		nodeID:   nodeID,
		pubCh:    pubCh,
		subCh:    subCh,
		queue:    q.Name,
		bound:    make(map[events.EventType]bool),
		closed:   make(chan struct{}),
	}

	ab.wg.Add(1)
	go ab.consume(deliveries)

	logger.Info().Str("exchange", cfg.Exchange).Str("queue", q.Name).Msg("AMQP event bus initialized")
	return ab, nil
}

func (ab *AMQPBus) consume(deliveries <-chan amqp.Delivery) {
	defer ab.wg.Done()
	for {
		select {
		case <-ab.closed:
			return
		case d, ok := <-deliveries:
			if !ok {
				ab.logger.Warn().Msg("AMQP deliveries channel closed")
				return
			}
			if _, err := deliver(ab.local, ab.nodeID, d.Body); err != nil {
				ab.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("failed to decode AMQP message")
			}
		}
	}
}

// Subscribe registers a local subscriber and binds the instance queue to the
// event type's routing key.
func (ab *AMQPBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := ab.local.Subscribe(eventType)

	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.bound[eventType] {
		return sub
	}
	if err := ab.subCh.QueueBind(ab.queue, subject(eventType), ab.exchange, false, nil); err != nil {
		ab.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("AMQP bind failed, local delivery only")
		return sub
	}
	ab.bound[eventType] = true
	return sub
}

// Publish delivers locally and to the exchange.
func (ab *AMQPBus) Publish(eventType events.EventType, payload events.Payload) {
	ab.local.Publish(eventType, payload)

	data, err := marshalMessage(eventType, payload, ab.nodeID)
	if err != nil {
		ab.logger.Error().Err(err).Msg("failed to marshal AMQP message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ab.pubMu.Lock()
	defer ab.pubMu.Unlock()
	err = ab.pubCh.PublishWithContext(ctx, ab.exchange, subject(eventType), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		AppId:       ab.nodeID,
		Body:        data,
	})
	if err != nil {
		ab.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to AMQP")
	}
}

// Unsubscribe removes a local subscriber and closes its channel.
func (ab *AMQPBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	ab.local.Unsubscribe(eventType, sub)
}

// Close stops the consumer and closes the connection.
func (ab *AMQPBus) Close() error {
	close(ab.closed)
	err := ab.conn.Close()
	ab.wg.Wait()
	if err != nil {
		return fmt.Errorf("close amqp: %w", err)
	}
	ab.logger.Info().Msg("AMQP event bus closed")
	return nil
}
