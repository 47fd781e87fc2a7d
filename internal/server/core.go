/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/audit"
	"github.com/friendsincode/bayline/internal/baylock"
	"github.com/friendsincode/bayline/internal/bookingpolicy"
	"github.com/friendsincode/bayline/internal/cache"
	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/config"
	"github.com/friendsincode/bayline/internal/db"
	"github.com/friendsincode/bayline/internal/directory"
	"github.com/friendsincode/bayline/internal/eventbus"
	"github.com/friendsincode/bayline/internal/generation"
	"github.com/friendsincode/bayline/internal/patterns"
	"github.com/friendsincode/bayline/internal/queue"
	"github.com/friendsincode/bayline/internal/recommend"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/webhooks"
)

// Core holds the scheduling services shared by the HTTP server and the
// one-shot CLI commands.
type Core struct {
	DB          *gorm.DB
	Cache       *cache.Cache
	Bus         eventbus.Bus
	Store       *store.Store
	Policy      bookingpolicy.Policy
	Clock       clock.Clock
	Calendar    *slots.Calendar
	Allocator   *slots.Allocator
	Reclaimer   *slots.Reclaimer
	Queue       *queue.Manager
	Directory   *directory.Service
	Recommender *recommend.Recommender
	Audit       *audit.Service
	Runner      *generation.Runner
	Webhooks    *webhooks.Service

	closers []func() error
	logger  zerolog.Logger
}

// NewCore connects the database, migrates it and wires every service.
func NewCore(cfg *config.Config, logger zerolog.Logger) (*Core, error) {
	c := &Core{Clock: clock.NewSystem(), logger: logger}
	if err := c.init(cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) init(cfg *config.Config) error {
	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	c.DB = database
	c.deferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	c.Cache = cache.Disabled(c.logger)
	if cfg.RedisEnabled() {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = cfg.RedisAddr
		cacheCfg.RedisPassword = cfg.RedisPassword
		cacheCfg.RedisDB = cfg.RedisDB
		entityCache, err := cache.New(cacheCfg, c.logger)
		if err != nil {
			c.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
		} else {
			c.Cache = entityCache
			c.deferClose(entityCache.Close)
		}
	}

	var locker baylock.Locker
	if cfg.DistributedLocks {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
		c.deferClose(client.Close)
		locker = baylock.NewRedis(client, baylock.RedisConfig{}, c.logger)
		c.logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("distributed bay locks enabled")
	}
	c.Store = store.New(database, locker, c.logger)

	bus, err := eventbus.New(cfg, cfg.InstanceID, c.logger)
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	c.Bus = bus
	c.deferClose(bus.Close)

	policy, err := bookingpolicy.Parse(cfg.BookingMode, cfg.BookingMonthlyMode, cfg.BookingMaxAdvanceDays, cfg.Location())
	if err != nil {
		return fmt.Errorf("booking policy: %w", err)
	}
	c.Policy = policy

	c.Calendar = slots.NewCalendar(c.Store, bus, c.Clock, cfg.DefaultSlotMinutes, c.logger)
	c.Allocator = slots.NewAllocator(c.Store, policy, bus, c.Clock, c.logger)
	c.Queue = queue.NewManager(c.Store, bus, c.Clock, queue.Config{
		OvertakeEqualPriority: cfg.QueueOvertakeEqualPriority,
	}, c.logger)
	c.Reclaimer = slots.NewReclaimer(c.Store, c.Queue, bus, c.Clock, c.logger)
	c.Directory = directory.New(c.Store, c.Cache, bus, c.logger)
	c.Recommender = recommend.New(c.Store, c.Directory, c.Queue, bus, c.Clock, recommend.Weights{
		Wait:        cfg.RecommendWaitWeight,
		QueueLength: cfg.RecommendQueueWeight,
		Utilization: cfg.RecommendUtilizationWeight,
	}, c.logger)
	c.Audit = audit.NewService(database, bus, c.Clock, c.logger)
	c.Webhooks = webhooks.NewService(database, bus, c.Clock, c.logger)
	c.Runner = generation.NewRunner(c.Store, c.Calendar, c.Clock, generation.Config{
		HorizonDays: cfg.GenerationHorizonDays,
		Interval:    cfg.GenerationInterval,
	}, c.logger)

	return nil
}

// ImportPatterns loads a branch pattern file into the directory and the
// stored pattern rules.
func (c *Core) ImportPatterns(ctx context.Context, path string) (*patterns.Result, error) {
	f, err := patterns.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return patterns.NewImporter(c.Store, c.Directory, c.logger).Import(ctx, f)
}

func (c *Core) deferClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (c *Core) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}
