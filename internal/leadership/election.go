/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects one instance to run scheduled slot generation.
package leadership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/telemetry"
)

const (
	// Default election key in Redis
	defaultElectionKey = "bayline:leader:generation"

	// Default lease duration - leader must renew before this expires
	defaultLeaseDuration = 15 * time.Second

	// Default renewal interval - how often leader renews lease
	defaultRenewalInterval = 5 * time.Second

	// Default retry interval - how often followers check for leadership
	defaultRetryInterval = 2 * time.Second
)

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// renewScript extends the lease only while we still own it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Election manages distributed leader election using Redis
type Election struct {
	client     *redis.Client
	ownsClient bool
	logger     zerolog.Logger
	config     ElectionConfig
	instanceID string

	mu         sync.RWMutex
	isLeader   bool
	cancelFunc context.CancelFunc
	stopOnce   sync.Once
	stopCh     chan struct{}
	leaderCh   chan bool
}

// ElectionConfig configures leader election behavior
type ElectionConfig struct {
	// RedisAddr is the Redis server address
	RedisAddr string

	// RedisPassword is the Redis password (optional)
	RedisPassword string

	// RedisDB is the Redis database number
	RedisDB int

	// ElectionKey is the Redis key used for leader election
	ElectionKey string

	// LeaseDuration is how long the leader lease is valid
	LeaseDuration time.Duration

	// RenewalInterval is how often the leader renews its lease
	RenewalInterval time.Duration

	// RetryInterval is how often followers attempt to become leader
	RetryInterval time.Duration

	// InstanceID uniquely identifies this instance
	InstanceID string
}

// DefaultConfig returns default election configuration
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		RedisAddr:       "localhost:6379",
		ElectionKey:     defaultElectionKey,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
		RetryInterval:   defaultRetryInterval,
		InstanceID:      uuid.New().String(),
	}
}

func (c *ElectionConfig) applyDefaults() {
	if c.ElectionKey == "" {
		c.ElectionKey = defaultElectionKey
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.RenewalInterval == 0 {
		c.RenewalInterval = defaultRenewalInterval
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.New().String()
	}
}

// NewElection creates a new leader election manager with its own client.
func NewElection(config ElectionConfig, logger zerolog.Logger) (*Election, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().
		Str("redis_addr", config.RedisAddr).
		Msg("connected to Redis for leader election")

	e := NewElectionWithClient(client, config, logger)
	e.ownsClient = true
	return e, nil
}

// NewElectionWithClient runs the election on a shared client. The caller
// keeps ownership of the client.
func NewElectionWithClient(client *redis.Client, config ElectionConfig, logger zerolog.Logger) *Election {
	config.applyDefaults()
	return &Election{
		client:     client,
		logger:     logger.With().Str("component", "leader_election").Logger(),
		config:     config,
		instanceID: config.InstanceID,
		stopCh:     make(chan struct{}),
		leaderCh:   make(chan bool, 1),
	}
}

// Start begins the leader election process
func (e *Election) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFunc = cancel
	e.mu.Unlock()

	e.logger.Info().
		Str("instance_id", e.instanceID).
		Dur("lease_duration", e.config.LeaseDuration).
		Msg("starting leader election")

	// Campaign immediately so a single instance does not wait a full interval.
	e.attemptLeadership(ctx)
	go e.campaignLoop(ctx)

	return nil
}

// Stop stops the leader election and releases leadership if held
func (e *Election) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.logger.Info().Msg("stopping leader election")
		close(e.stopCh)

		e.mu.RLock()
		cancel := e.cancelFunc
		e.mu.RUnlock()
		if cancel != nil {
			cancel()
		}

		if e.IsLeader() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := e.releaseLock(ctx); err != nil {
				e.logger.Error().Err(err).Msg("failed to release leadership lock")
			}
			e.updateLeadershipStatus(false)
		}

		if e.ownsClient {
			err = e.client.Close()
		}
	})
	return err
}

// IsLeader returns whether this instance is currently the leader
func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// InstanceID returns the identity this instance campaigns with.
func (e *Election) InstanceID() string {
	return e.instanceID
}

// LeaderCh returns a channel that receives leadership status changes
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// GetLeader returns the current leader instance ID
func (e *Election) GetLeader(ctx context.Context) (string, error) {
	leaderID, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if err == redis.Nil {
		return "", nil // No leader
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return leaderID, nil
}

// campaignLoop continuously attempts to become/remain leader. The leader
// renews on RenewalInterval, followers retry on RetryInterval.
func (e *Election) campaignLoop(ctx context.Context) {
	for {
		wait := e.config.RetryInterval
		if e.IsLeader() {
			wait = e.config.RenewalInterval
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			e.attemptLeadership(ctx)
		}
	}
}

// attemptLeadership attempts to acquire or renew leadership
func (e *Election) attemptLeadership(ctx context.Context) {
	acquired, err := e.acquireLock(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to acquire leadership lock")
		e.updateLeadershipStatus(false)
		return
	}

	wasLeader := e.IsLeader()
	switch {
	case acquired && !wasLeader:
		e.logger.Info().Str("instance_id", e.instanceID).Msg("acquired leadership")
	case !acquired && wasLeader:
		e.logger.Warn().Str("instance_id", e.instanceID).Msg("lost leadership")
	}
	e.updateLeadershipStatus(acquired)
}

// acquireLock takes the lease with SET NX or renews it when we hold it.
func (e *Election) acquireLock(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.instanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, e.client, []string{e.config.ElectionKey},
		e.instanceID, e.config.LeaseDuration.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return renewed == 1, nil
}

// releaseLock releases the leadership lock
func (e *Election) releaseLock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, e.client, []string{e.config.ElectionKey}, e.instanceID).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	e.logger.Info().Msg("released leadership lock")
	return nil
}

// updateLeadershipStatus updates the leadership status and notifies listeners
func (e *Election) updateLeadershipStatus(isLeader bool) {
	e.mu.Lock()
	if e.isLeader == isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = isLeader
	e.mu.Unlock()

	if isLeader {
		telemetry.LeaderElectionStatus.WithLabelValues(e.instanceID).Set(1)
		telemetry.LeaderElectionChanges.WithLabelValues(e.instanceID, "acquired").Inc()
	} else {
		telemetry.LeaderElectionStatus.WithLabelValues(e.instanceID).Set(0)
		telemetry.LeaderElectionChanges.WithLabelValues(e.instanceID, "lost").Inc()
	}

	// Drop a stale value so the latest state wins.
	select {
	case <-e.leaderCh:
	default:
	}
	select {
	case e.leaderCh <- isLeader:
	default:
	}
}
