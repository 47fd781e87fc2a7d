/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string

	// StreamName, when set, makes sure a JetStream stream captures every
	// bayline subject so external consumers can replay them.
	StreamName string
	MaxAge     time.Duration

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "BAYLINE_EVENTS",
		MaxAge:        24 * time.Hour,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus fans events out to other instances over NATS subjects.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
	local  *events.Bus
	nodeID string

	mu   sync.Mutex
	subs map[events.EventType]*nats.Subscription
}

// NewNATSBus connects to NATS. Unlike the Redis bus there is no fallback: the
// client reconnects on its own once the first connection succeeded.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "eventbus").Str("backend", "nats").Logger()

	opts := []nats.Option{
		nats.Name("bayline-" + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	if cfg.StreamName != "" {
		if err := ensureStream(conn, cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS event bus initialized")

	return &NATSBus{
		conn:   conn,
		logger: logger,
		local:  events.NewBus(),
		nodeID: nodeID,
		subs:   make(map[events.EventType]*nats.Subscription),
	}, nil
}

func ensureStream(conn *nats.Conn, cfg NATSConfig) error {
	js, err := conn.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}
	if _, err := js.StreamInfo(cfg.StreamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", cfg.StreamName, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{SubjectPrefix + ">"},
		MaxAge:   cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
	}
	return nil
}

// Subscribe registers a local subscriber and relays remote events of the type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := nb.local.Subscribe(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	if _, ok := nb.subs[eventType]; ok {
		return sub
	}

	remote, err := nb.conn.Subscribe(subject(eventType), func(msg *nats.Msg) {
		if _, err := deliver(nb.local, nb.nodeID, msg.Data); err != nil {
			nb.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode NATS message")
		}
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("NATS subscribe failed, local delivery only")
		return sub
	}
	nb.subs[eventType] = remote
	return sub
}

// Publish delivers locally and to NATS.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	data, err := marshalMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS message")
		return
	}
	if err := nb.conn.Publish(subject(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
	}
}

// Unsubscribe removes a local subscriber and closes its channel.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)
}

// Close drains subscriptions and closes the connection.
func (nb *NATSBus) Close() error {
	nb.mu.Lock()
	nb.subs = make(map[events.EventType]*nats.Subscription)
	nb.mu.Unlock()

	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	nb.logger.Info().Msg("NATS event bus closed")
	return nil
}
