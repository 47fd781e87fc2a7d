/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package generation

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Elector reports leadership. leadership.Election implements it.
type Elector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// Job is a long-running loop stopped by cancelling its context.
type Job interface {
	Run(ctx context.Context) error
}

// LeaderAware runs a job only while this instance is the leader.
type LeaderAware struct {
	job      Job
	election Elector
	logger   zerolog.Logger

	mu         sync.Mutex
	ctx        context.Context
	cancelFunc context.CancelFunc
	running    bool
	stopped    bool
	runID      int
	wg         sync.WaitGroup
}

// NewLeaderAware creates a leader-aware wrapper.
func NewLeaderAware(job Job, election Elector, logger zerolog.Logger) *LeaderAware {
	return &LeaderAware{
		job:      job,
		election: election,
		logger:   logger.With().Str("component", "leader_aware_generation").Logger(),
	}
}

// Start begins monitoring leadership status and manages the job lifecycle
func (la *LeaderAware) Start(ctx context.Context) error {
	la.mu.Lock()
	la.ctx = ctx
	la.mu.Unlock()

	la.logger.Info().Msg("starting leader-aware generation")

	if err := la.election.Start(ctx); err != nil {
		return err
	}

	go la.monitorLeadership(ctx)
	return nil
}

// Stop stops the job and releases leadership
func (la *LeaderAware) Stop() error {
	la.logger.Info().Msg("stopping leader-aware generation")
	la.mu.Lock()
	la.stopped = true
	la.mu.Unlock()
	la.stopJob()
	la.wg.Wait()
	return la.election.Stop()
}

// monitorLeadership watches for leadership changes and starts/stops the job
func (la *LeaderAware) monitorLeadership(ctx context.Context) {
	leaderCh := la.election.LeaderCh()

	if la.election.IsLeader() {
		la.startJob()
	}

	for {
		select {
		case <-ctx.Done():
			la.stopJob()
			return
		case isLeader := <-leaderCh:
			if isLeader {
				la.logger.Info().Msg("became leader, starting generation")
				la.startJob()
			} else {
				la.logger.Warn().Msg("lost leadership, stopping generation")
				la.stopJob()
			}
		}
	}
}

func (la *LeaderAware) startJob() {
	la.mu.Lock()
	defer la.mu.Unlock()
	if la.running || la.stopped {
		return
	}

	ctx, cancel := context.WithCancel(la.ctx)
	la.cancelFunc = cancel
	la.running = true
	la.runID++
	id := la.runID
	la.wg.Add(1)

	go func() {
		defer la.wg.Done()
		la.logger.Info().Msg("generation started")
		if err := la.job.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			la.logger.Error().Err(err).Msg("generation error")
		}
		cancel()
		la.mu.Lock()
		if la.runID == id {
			la.running = false
			la.cancelFunc = nil
		}
		la.mu.Unlock()
		la.logger.Info().Msg("generation stopped")
	}()
}

func (la *LeaderAware) stopJob() {
	la.mu.Lock()
	cancel := la.cancelFunc
	la.cancelFunc = nil
	la.running = false
	la.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether the job loop is active.
func (la *LeaderAware) Running() bool {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.running
}

// IsLeader returns whether this instance is the leader
func (la *LeaderAware) IsLeader() bool {
	return la.election.IsLeader()
}
