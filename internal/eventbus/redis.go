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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/events"
)

// RedisBus fans events out to other instances over Redis pub/sub.
// Local subscribers are always served by an in-process bus; Redis only carries
// events between instances.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
	local  *events.Bus
	nodeID string

	mu       sync.Mutex
	channels map[events.EventType]*redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// circuit breaker
	useFallback   bool
	failCount     int
	maxFails      int
	checkInterval time.Duration
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// NewRedisBus creates a Redis-backed event bus. When Redis is unreachable the bus
// starts in fallback mode and keeps probing Redis every CheckInterval.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisBus {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBus{
		client:        client,
		logger:        logger.With().Str("component", "eventbus").Str("backend", "redis").Logger(),
		local:         events.NewBus(),
		nodeID:        nodeID,
		channels:      make(map[events.EventType]*redis.PubSub),
		ctx:           ctx,
		cancel:        cancel,
		maxFails:      cfg.MaxFailures,
		checkInterval: cfg.CheckInterval,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		rb.logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis connection failed, using in-memory fallback")
		rb.useFallback = true
		rb.wg.Add(1)
		go rb.reconnectLoop()
		return rb
	}

	rb.logger.Info().Str("addr", cfg.Addr).Msg("Redis event bus initialized")
	return rb
}

// Subscribe registers a local subscriber and makes sure remote events of that
// type are relayed into the local bus.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := rb.local.Subscribe(eventType)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.useFallback {
		rb.ensureChannelLocked(eventType)
	}
	return sub
}

func (rb *RedisBus) ensureChannelLocked(eventType events.EventType) {
	if _, exists := rb.channels[eventType]; exists {
		return
	}
	pubsub := rb.client.Subscribe(rb.ctx, subject(eventType))
	rb.channels[eventType] = pubsub

	rb.wg.Add(1)
	go rb.receiveMessages(eventType, pubsub)
}

func (rb *RedisBus) receiveMessages(eventType events.EventType, pubsub *redis.PubSub) {
	defer rb.wg.Done()

	ch := pubsub.Channel()
	rb.logger.Debug().Str("event_type", string(eventType)).Msg("started Redis message receiver")

	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				rb.logger.Debug().Str("event_type", string(eventType)).Msg("Redis channel closed")
				return
			}
			delivered, err := deliver(rb.local, rb.nodeID, []byte(msg.Payload))
			if err != nil {
				rb.logger.Error().Err(err).Msg("failed to decode Redis message")
				continue
			}
			if delivered {
				rb.logger.Debug().Str("event_type", string(eventType)).Msg("delivered Redis event to local subscribers")
			}
		}
	}
}

// Publish delivers to local subscribers, then to Redis unless the breaker is open.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.Publish(eventType, payload)

	rb.mu.Lock()
	fallback := rb.useFallback
	rb.mu.Unlock()
	if fallback {
		return
	}

	data, err := marshalMessage(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Msg("failed to marshal Redis message")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()
	if err := rb.client.Publish(ctx, subject(eventType), data).Err(); err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to Redis")
		rb.handleFailure()
		return
	}

	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

// Unsubscribe removes a local subscriber and closes its channel.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	rb.local.Unsubscribe(eventType, sub)
}

// Fallback reports whether the bus is currently local-only.
func (rb *RedisBus) Fallback() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.useFallback
}

// Close stops receivers and closes the Redis client.
func (rb *RedisBus) Close() error {
	rb.cancel()

	rb.mu.Lock()
	for eventType, pubsub := range rb.channels {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
	}
	rb.mu.Unlock()

	rb.wg.Wait()

	if err := rb.client.Close(); err != nil {
		return fmt.Errorf("close redis event bus: %w", err)
	}
	rb.logger.Info().Msg("Redis event bus closed")
	return nil
}

// handleFailure opens the breaker after maxFails consecutive publish errors.
func (rb *RedisBus) handleFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++
	if rb.failCount < rb.maxFails || rb.useFallback || rb.ctx.Err() != nil {
		return
	}

	rb.logger.Warn().Int("fail_count", rb.failCount).Msg("Redis failure threshold reached, switching to in-memory fallback")
	rb.useFallback = true
	for eventType, pubsub := range rb.channels {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
	}
	rb.wg.Add(1)
	go rb.reconnectLoop()
}

func (rb *RedisBus) reconnectLoop() {
	defer rb.wg.Done()

	ticker := time.NewTicker(rb.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			return
		case <-ticker.C:
			if err := rb.tryReconnect(); err != nil {
				rb.logger.Debug().Err(err).Msg("Redis still unavailable")
				continue
			}
			return
		}
	}
}

// tryReconnect closes the breaker once Redis answers a ping again and
// restores a remote subscription for every event type with local subscribers.
func (rb *RedisBus) tryReconnect() error {
	ctx, cancel := context.WithTimeout(rb.ctx, 5*time.Second)
	defer cancel()
	if err := rb.client.Ping(ctx).Err(); err != nil {
		return err
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.useFallback = false
	rb.failCount = 0
	for _, eventType := range rb.local.Types() {
		rb.ensureChannelLocked(eventType)
	}
	rb.logger.Info().Msg("reconnected to Redis, disabling fallback")
	return nil
}
