/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package baylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultKeyPrefix     = "bayline:lock:"
	defaultLease         = 10 * time.Second
	defaultRetryInterval = 25 * time.Millisecond
)

// releaseScript deletes the lock only while we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisConfig configures the distributed locker.
type RedisConfig struct {
	KeyPrefix     string
	Lease         time.Duration
	RetryInterval time.Duration
}

// Redis layers a Redis lease on top of a local keyed lock so that several
// instances sharing one database serialise on the same (bay, date).
type Redis struct {
	client *redis.Client
	local  *Local
	config RedisConfig
	logger zerolog.Logger
}

// NewRedis creates a Redis backed locker using an existing client.
func NewRedis(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Redis{
		client: client,
		local:  NewLocal(),
		config: cfg,
		logger: logger.With().Str("component", "bay_lock").Logger(),
	}
}

// Lock acquires the local section first, then a Redis lease per key.
func (r *Redis) Lock(ctx context.Context, keys ...Key) (func(), error) {
	keys = normalize(keys)

	releaseLocal, err := r.local.Lock(ctx, keys...)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	acquired := make([]string, 0, len(keys))

	releaseRemote := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := releaseScript.Run(ctx, r.client, []string{acquired[i]}, token).Err(); err != nil {
				r.logger.Warn().Err(err).Str("key", acquired[i]).Msg("failed to release bay lock")
			}
		}
	}

	for _, k := range keys {
		redisKey := r.config.KeyPrefix + k.String()
		if err := r.acquire(ctx, redisKey, token); err != nil {
			releaseRemote()
			releaseLocal()
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		acquired = append(acquired, redisKey)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseRemote()
			releaseLocal()
		})
	}, nil
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.config.Lease).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
