/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package generation keeps slot inventory generated ahead and expires
// unused past slots.
package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/telemetry"
)

// Config controls how far ahead and how often generation runs.
type Config struct {
	HorizonDays int
	Interval    time.Duration
}

// Runner generates the rolling horizon for every active branch.
type Runner struct {
	store  *store.Store
	cal    *slots.Calendar
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a runner.
func NewRunner(st *store.Store, cal *slots.Calendar, clk clock.Clock, cfg Config, logger zerolog.Logger) *Runner {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 14
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Runner{
		store:  st,
		cal:    cal,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With().Str("component", "generation").Logger(),
	}
}

// BranchReport is the outcome for one branch.
type BranchReport struct {
	BranchID     string `json:"branch_id"`
	From         string `json:"from"`
	To           string `json:"to"`
	SlotsCreated int    `json:"slots_created"`
	SlotsUpdated int    `json:"slots_updated"`
	Error        string `json:"error,omitempty"`
}

// Report summarises one pass.
type Report struct {
	StartedAt    time.Time      `json:"started_at"`
	Branches     []BranchReport `json:"branches"`
	SlotsExpired int64          `json:"slots_expired"`
	Failed       int            `json:"failed"`
}

// Last returns the most recent report, or nil before the first pass.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run executes a pass immediately and then on every interval until ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Int("horizon_days", r.cfg.HorizonDays).
		Dur("interval", r.cfg.Interval).
		Msg("generation loop started")

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("generation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("generation pass failed")
	}
}

// RunOnce generates today plus the horizon for every active branch, applies
// stored pattern rules and expires ended slots. A failing branch does not
// stop the others.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: r.clock.Now()}

	var branches []models.Branch
	if err := r.store.DB(ctx).Where("active = ?", true).Order("code ASC").Find(&branches).Error; err != nil {
		telemetry.GenerationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load branches: %w", err)
	}

	for i := range branches {
		br := r.GenerateBranch(ctx, &branches[i])
		if br.Error != "" {
			report.Failed++
		}
		report.Branches = append(report.Branches, br)
	}

	expired, err := r.cal.ExpireSlots(ctx)
	if err != nil {
		report.Failed++
		r.logger.Warn().Err(err).Msg("slot expiry failed")
	}
	report.SlotsExpired = expired

	result := "ok"
	if report.Failed > 0 {
		result = "error"
	}
	telemetry.GenerationRunsTotal.WithLabelValues(result).Inc()

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	r.logger.Info().
		Int("branches", len(report.Branches)).
		Int("failed", report.Failed).
		Int64("expired", report.SlotsExpired).
		Msg("generation pass complete")
	return report, nil
}

// GenerateBranch covers today and the following horizon days of branch.
func (r *Runner) GenerateBranch(ctx context.Context, branch *models.Branch) BranchReport {
	today := r.clock.Now().In(branch.Location())
	from := today.Format(models.DateLayout)
	to := today.AddDate(0, 0, r.cfg.HorizonDays-1).Format(models.DateLayout)
	br := BranchReport{BranchID: branch.ID, From: from, To: to}

	daily, err := r.cal.GenerateDailySchedule(ctx, slots.GenerateRequest{BranchID: branch.ID, From: from, To: to})
	if err != nil {
		br.Error = err.Error()
		r.logger.Warn().Err(err).Str("branch_id", branch.ID).Msg("daily generation failed")
		return br
	}
	br.SlotsCreated = daily.SlotsCreated

	patterns, err := r.cal.ApplyPatternRules(ctx, branch.ID, from, to)
	if err != nil {
		br.Error = err.Error()
		r.logger.Warn().Err(err).Str("branch_id", branch.ID).Msg("pattern rules failed")
		return br
	}
	br.SlotsCreated += patterns.SlotsCreated
	br.SlotsUpdated = patterns.SlotsUpdated
	return br
}
