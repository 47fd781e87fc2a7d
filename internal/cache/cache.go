/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for the branch and bay
// directory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values for different cache types
const (
	DefaultBranchTTL     = 10 * time.Minute
	DefaultBranchBaysTTL = 5 * time.Minute
)

// Key prefixes for Redis cache
const (
	KeyPrefix     = "bayline:cache:"
	KeyBranch     = KeyPrefix + "branch:"      // + branch_id
	KeyBranchBays = KeyPrefix + "branch_bays:" // + branch_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BranchTTL     time.Duration
	BranchBaysTTL time.Duration

	// DisableOnError turns the cache off after the first Redis error.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		BranchTTL:      DefaultBranchTTL,
		BranchBaysTTL:  DefaultBranchBaysTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // circuit breaker state
}

// New creates a cache with its own Redis connection. An unreachable Redis
// yields a disabled cache rather than an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		_ = client.Close()
		return Disabled(logger), nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client. The caller owns the client.
func NewWithClient(client *redis.Client, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.BranchTTL <= 0 {
		cfg.BranchTTL = DefaultBranchTTL
	}
	if cfg.BranchBaysTTL <= 0 {
		cfg.BranchBaysTTL = DefaultBranchBaysTTL
	}
	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}
}

// Disabled returns a cache that always misses.
func Disabled(logger zerolog.Logger) *Cache {
	return &Cache{
		logger:   logger.With().Str("component", "cache").Logger(),
		config:   DefaultConfig(),
		disabled: true,
	}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}
	return true, nil
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}

func (c *Cache) delete(ctx context.Context, keys ...string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}
	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// SCAN instead of KEYS
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return nil
}

// CachedBranch is the cached view of a branch.
type CachedBranch struct {
	ID          string        `json:"id"`
	Code        string        `json:"code"`
	Name        string        `json:"name"`
	Timezone    string        `json:"timezone"`
	OpensAt     string        `json:"opens_at"`
	ClosesAt    string        `json:"closes_at"`
	SlotMinutes int           `json:"slot_minutes"`
	Active      bool          `json:"active"`
	Hours       []CachedHours `json:"hours,omitempty"`
}

// CachedHours is one weekday override of a cached branch.
type CachedHours struct {
	Weekday  int    `json:"weekday"`
	OpensAt  string `json:"opens_at"`
	ClosesAt string `json:"closes_at"`
	Closed   bool   `json:"closed"`
}

// CachedBay is the cached view of a service bay.
type CachedBay struct {
	ID              string   `json:"id"`
	BranchID        string   `json:"branch_id"`
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	AcceptsBookings bool     `json:"accepts_bookings"`
	ServiceTypes    []string `json:"service_types,omitempty"`
	Active          bool     `json:"active"`
}

// GetBranch retrieves a cached branch.
func (c *Cache) GetBranch(ctx context.Context, branchID string) (*CachedBranch, bool) {
	var branch CachedBranch
	found, err := c.get(ctx, KeyBranch+branchID, &branch)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("branch_id", branchID).Msg("branch cache hit")
	return &branch, true
}

// SetBranch caches a branch.
func (c *Cache) SetBranch(ctx context.Context, branch *CachedBranch) error {
	return c.set(ctx, KeyBranch+branch.ID, branch, c.config.BranchTTL)
}

// GetBranchBays retrieves the cached bay list of a branch.
func (c *Cache) GetBranchBays(ctx context.Context, branchID string) ([]CachedBay, bool) {
	var bays []CachedBay
	found, err := c.get(ctx, KeyBranchBays+branchID, &bays)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("branch_id", branchID).Int("count", len(bays)).Msg("branch bays cache hit")
	return bays, true
}

// SetBranchBays caches the bay list of a branch.
func (c *Cache) SetBranchBays(ctx context.Context, branchID string, bays []CachedBay) error {
	c.logger.Debug().Str("branch_id", branchID).Int("count", len(bays)).Msg("caching branch bays")
	return c.set(ctx, KeyBranchBays+branchID, bays, c.config.BranchBaysTTL)
}

// InvalidateBranch removes every cache entry of a branch.
func (c *Cache) InvalidateBranch(ctx context.Context, branchID string) error {
	c.logger.Debug().Str("branch_id", branchID).Msg("invalidating branch caches")
	return c.delete(ctx, KeyBranch+branchID, KeyBranchBays+branchID)
}

// FlushAll removes every bayline cache entry.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.logger.Warn().Msg("flushing all cache data")
	return c.deletePattern(ctx, KeyPrefix+"*")
}
