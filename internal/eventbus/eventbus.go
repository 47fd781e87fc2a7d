/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus connects the in-process event bus to Redis, NATS or RabbitMQ
// so queue and slot events reach every instance.
package eventbus

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/config"
	"github.com/friendsincode/bayline/internal/events"
)

// Bus is an events.Broker that owns a connection.
type Bus interface {
	events.Broker
	Close() error
}

type memoryBus struct {
	*events.Bus
}

func (memoryBus) Close() error { return nil }

// NewMemory returns a local-only Bus.
func NewMemory() Bus {
	return memoryBus{Bus: events.NewBus()}
}

// New builds the bus selected by cfg.EventBusBackend.
func New(cfg *config.Config, nodeID string, logger zerolog.Logger) (Bus, error) {
	if nodeID == "" {
		nodeID = NodeID()
	}

	switch cfg.EventBusBackend {
	case config.EventBusMemory, "":
		return NewMemory(), nil
	case config.EventBusRedis:
		rc := DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		return NewRedisBus(rc, nodeID, logger), nil
	case config.EventBusNATS:
		nc := DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		return NewNATSBus(nc, nodeID, logger)
	case config.EventBusAMQP:
		return NewAMQPBus(AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange}, nodeID, logger)
	default:
		return nil, fmt.Errorf("unsupported event bus backend %q", cfg.EventBusBackend)
	}
}
