/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package baylock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// testRedis connects to BAYLINE_TEST_REDIS_ADDR (default 127.0.0.1:6379)
// and skips the test when nothing answers.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("BAYLINE_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DB:          15,
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testPrefix() string {
	return "bayline:test:lock:" + uuid.NewString() + ":"
}

func TestRedisLockFailsWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	r := NewRedis(client, RedisConfig{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.Lock(ctx, Key{BayID: "bay-1", Date: "2026-03-02"}); err == nil {
		t.Fatal("expected an error with Redis down")
	}
	if n := r.local.Len(); n != 0 {
		t.Fatalf("local section leaked %d entries", n)
	}
}

func TestRedisLockExcludesOtherInstances(t *testing.T) {
	client := testRedis(t)
	cfg := RedisConfig{KeyPrefix: testPrefix(), RetryInterval: 5 * time.Millisecond}
	a := NewRedis(client, cfg, zerolog.Nop())
	b := NewRedis(client, cfg, zerolog.Nop())
	key := Key{BayID: "bay-1", Date: "2026-03-02"}
	redisKey := cfg.KeyPrefix + key.String()

	unlock, err := a.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	if n, err := client.Exists(context.Background(), redisKey).Result(); err != nil || n != 1 {
		t.Fatalf("expected lease key while held, n=%d err=%v", n, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err = b.Lock(ctx, key)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected b to wait out its deadline, got %v", err)
	}

	unlock()
	unlock()
	if n := a.local.Len(); n != 0 {
		t.Fatalf("local section leaked %d entries", n)
	}

	unlockB, err := b.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock b after release: %v", err)
	}
	unlockB()
	if n, _ := client.Exists(context.Background(), redisKey).Result(); n != 0 {
		t.Fatalf("expected lease key removed, n=%d", n)
	}
}

func TestRedisExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	client := testRedis(t)
	prefix := testPrefix()
	a := NewRedis(client, RedisConfig{KeyPrefix: prefix, Lease: 100 * time.Millisecond}, zerolog.Nop())
	b := NewRedis(client, RedisConfig{KeyPrefix: prefix, RetryInterval: 10 * time.Millisecond}, zerolog.Nop())
	key := Key{BayID: "bay-1", Date: "2026-03-02"}

	unlockA, err := a.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlockB, err := b.Lock(ctx, key)
	if err != nil {
		t.Fatalf("expected b to take over the expired lease: %v", err)
	}
	defer unlockB()

	unlockA()
	if n, _ := client.Exists(context.Background(), prefix+key.String()).Result(); n != 1 {
		t.Fatal("old holder removed the new holder's lease")
	}
}
