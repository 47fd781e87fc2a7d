/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package directory mirrors the external branch and bay directory into the
// local store and serves cached bay lookups.
package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/bayline/internal/cache"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
)

// Service reads and writes branches and bays.
type Service struct {
	store  *store.Store
	cache  *cache.Cache
	bus    events.Publisher
	logger zerolog.Logger
}

// New creates a directory service. c may be nil.
func New(st *store.Store, c *cache.Cache, bus events.Publisher, logger zerolog.Logger) *Service {
	if bus == nil {
		bus = events.Nop{}
	}
	if c == nil {
		c = cache.Disabled(logger)
	}
	return &Service{
		store:  st,
		cache:  c,
		bus:    bus,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// HoursInput overrides the opening hours for one weekday.
type HoursInput struct {
	Weekday  int    `json:"weekday" yaml:"weekday"`
	OpensAt  string `json:"opens_at" yaml:"opens_at"`
	ClosesAt string `json:"closes_at" yaml:"closes_at"`
	Closed   bool   `json:"closed" yaml:"closed"`
}

// BranchInput is the directory record of a branch.
type BranchInput struct {
	ID          string       `json:"id" yaml:"id"`
	Code        string       `json:"code" yaml:"code"`
	Name        string       `json:"name" yaml:"name"`
	Timezone    string       `json:"timezone" yaml:"timezone"`
	OpensAt     string       `json:"opens_at" yaml:"opens_at"`
	ClosesAt    string       `json:"closes_at" yaml:"closes_at"`
	SlotMinutes int          `json:"slot_minutes" yaml:"slot_minutes"`
	Active      *bool        `json:"active,omitempty" yaml:"active"`
	Hours       []HoursInput `json:"hours,omitempty" yaml:"hours"`
}

func (in BranchInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("branch name is required: %w", slots.ErrInvalidRequest)
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", in.Timezone, slots.ErrInvalidRequest)
		}
	}
	if err := checkHours(in.OpensAt, in.ClosesAt); err != nil {
		return err
	}
	if in.SlotMinutes < 0 || in.SlotMinutes > 24*60 {
		return fmt.Errorf("slot minutes %d: %w", in.SlotMinutes, slots.ErrInvalidRequest)
	}
	for _, h := range in.Hours {
		if h.Weekday < 0 || h.Weekday > 6 {
			return fmt.Errorf("weekday %d: %w", h.Weekday, slots.ErrInvalidRequest)
		}
		if h.Closed {
			continue
		}
		if err := checkHours(h.OpensAt, h.ClosesAt); err != nil {
			return err
		}
	}
	return nil
}

func checkHours(opens, closes string) error {
	o, err := models.ParseClock(opens)
	if err != nil {
		return fmt.Errorf("%v: %w", err, slots.ErrInvalidRequest)
	}
	c, err := models.ParseClock(closes)
	if err != nil {
		return fmt.Errorf("%v: %w", err, slots.ErrInvalidRequest)
	}
	if c <= o {
		return fmt.Errorf("closing %s is not after opening %s: %w", closes, opens, slots.ErrInvalidRequest)
	}
	return nil
}

// UpsertBranch creates or replaces a branch and its weekday hours.
func (s *Service) UpsertBranch(ctx context.Context, in BranchInput) (*models.Branch, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	branch := models.Branch{
		ID:          in.ID,
		Code:        in.Code,
		Name:        in.Name,
		Timezone:    in.Timezone,
		OpensAt:     in.OpensAt,
		ClosesAt:    in.ClosesAt,
		SlotMinutes: in.SlotMinutes,
		Active:      in.Active == nil || *in.Active,
	}
	if branch.Code == "" {
		branch.Code = strings.ToUpper(branch.ID[:8])
	}

	err := s.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"code", "name", "timezone", "opens_at", "closes_at", "slot_minutes", "active", "updated_at"}),
		}).Create(&branch).Error; err != nil {
			return err
		}
		if err := tx.Where("branch_id = ?", branch.ID).Delete(&models.BranchHours{}).Error; err != nil {
			return err
		}
		for _, h := range in.Hours {
			row := models.BranchHours{
				ID:       uuid.NewString(),
				BranchID: branch.ID,
				Weekday:  h.Weekday,
				OpensAt:  h.OpensAt,
				ClosesAt: h.ClosesAt,
				Closed:   h.Closed,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert branch %s: %w", in.ID, err)
	}

	s.invalidate(ctx, branch.ID)
	s.bus.Publish(events.EventBranchUpdated, events.Payload{"branch_id": branch.ID})
	s.logger.Info().Str("branch_id", branch.ID).Str("code", branch.Code).Msg("branch upserted")
	return store.GetBranch(s.store.DB(ctx), branch.ID)
}

// BayInput is the directory record of a bay.
type BayInput struct {
	ID              string           `json:"id" yaml:"id"`
	BranchID        string           `json:"branch_id" yaml:"branch_id"`
	Code            string           `json:"code" yaml:"code"`
	Name            string           `json:"name" yaml:"name"`
	Status          models.BayStatus `json:"status" yaml:"status"`
	AcceptsBookings *bool            `json:"accepts_bookings,omitempty" yaml:"accepts_bookings"`
	ServiceTypes    []string         `json:"service_types,omitempty" yaml:"service_types"`
	Active          *bool            `json:"active,omitempty" yaml:"active"`
}

// UpsertBay creates or replaces a bay of an existing branch.
func (s *Service) UpsertBay(ctx context.Context, in BayInput) (*models.ServiceBay, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Code == "" {
		return nil, fmt.Errorf("bay code is required: %w", slots.ErrInvalidRequest)
	}
	if in.Status == "" {
		in.Status = models.BayStatusOpen
	}
	in.Status = models.BayStatus(strings.ToUpper(string(in.Status)))
	if !in.Status.Valid() {
		return nil, fmt.Errorf("bay status %q: %w", in.Status, slots.ErrInvalidRequest)
	}

	db := s.store.DB(ctx)
	if _, err := store.GetBranch(db, in.BranchID); err != nil {
		return nil, err
	}
	if existing, err := store.GetBay(db, in.ID); err == nil && existing.BranchID != in.BranchID {
		return nil, fmt.Errorf("bay %s belongs to branch %s: %w", in.ID, existing.BranchID, slots.ErrInvalidRequest)
	}

	bay := models.ServiceBay{
		ID:              in.ID,
		BranchID:        in.BranchID,
		Code:            in.Code,
		Name:            in.Name,
		Status:          in.Status,
		AcceptsBookings: in.AcceptsBookings == nil || *in.AcceptsBookings,
		ServiceTypes:    in.ServiceTypes,
		Active:          in.Active == nil || *in.Active,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"code", "name", "status", "accepts_bookings", "service_types", "active", "updated_at"}),
	}).Create(&bay).Error; err != nil {
		return nil, fmt.Errorf("upsert bay %s: %w", in.ID, err)
	}

	s.invalidate(ctx, bay.BranchID)
	s.bus.Publish(events.EventBayUpdated, events.Payload{"branch_id": bay.BranchID, "bay_id": bay.ID})
	s.logger.Info().Str("bay_id", bay.ID).Str("branch_id", bay.BranchID).Str("code", bay.Code).Msg("bay upserted")
	return store.GetBay(db, bay.ID)
}

// SetBayStatus changes the operational status of a bay.
func (s *Service) SetBayStatus(ctx context.Context, bayID string, status models.BayStatus) (*models.ServiceBay, error) {
	status = models.BayStatus(strings.ToUpper(string(status)))
	if !status.Valid() {
		return nil, fmt.Errorf("bay status %q: %w", status, slots.ErrInvalidRequest)
	}

	db := s.store.DB(ctx)
	bay, err := store.GetBay(db, bayID)
	if err != nil {
		return nil, err
	}
	previous := bay.Status
	if previous == status {
		return bay, nil
	}
	if err := db.Model(&models.ServiceBay{}).Where("id = ?", bayID).Update("status", status).Error; err != nil {
		return nil, fmt.Errorf("update bay %s status: %w", bayID, err)
	}
	bay.Status = status

	s.invalidate(ctx, bay.BranchID)
	s.bus.Publish(events.EventBayStatusChanged, events.Payload{
		"branch_id": bay.BranchID,
		"bay_id":    bay.ID,
		"from":      string(previous),
		"to":        string(status),
	})
	s.logger.Info().Str("bay_id", bay.ID).Str("from", string(previous)).Str("to", string(status)).Msg("bay status changed")
	return bay, nil
}

// Branch loads a branch with its hours, served from cache when possible.
func (s *Service) Branch(ctx context.Context, branchID string) (*models.Branch, error) {
	if cached, ok := s.cache.GetBranch(ctx, branchID); ok {
		return branchFromCache(cached), nil
	}
	branch, err := store.GetBranch(s.store.DB(ctx), branchID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetBranch(ctx, branchToCache(branch)); err != nil {
		s.logger.Debug().Err(err).Str("branch_id", branchID).Msg("failed to cache branch")
	}
	return branch, nil
}

// FlushCache drops every cached branch and bay list.
func (s *Service) FlushCache(ctx context.Context) error {
	return s.cache.FlushAll(ctx)
}

// ListBranches returns every branch ordered by code.
func (s *Service) ListBranches(ctx context.Context) ([]models.Branch, error) {
	var branches []models.Branch
	err := s.store.DB(ctx).Preload("Hours").Order("code ASC").Find(&branches).Error
	return branches, err
}

// BranchBays returns the active bays of a branch ordered by code, served
// from cache when possible.
func (s *Service) BranchBays(ctx context.Context, branchID string) ([]models.ServiceBay, error) {
	if cached, ok := s.cache.GetBranchBays(ctx, branchID); ok {
		return fromCache(cached), nil
	}

	db := s.store.DB(ctx)
	if _, err := store.GetBranch(db, branchID); err != nil {
		return nil, err
	}
	bays, err := store.BranchBays(db, branchID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetBranchBays(ctx, branchID, toCache(bays)); err != nil {
		s.logger.Debug().Err(err).Str("branch_id", branchID).Msg("failed to cache branch bays")
	}
	return bays, nil
}

func (s *Service) invalidate(ctx context.Context, branchID string) {
	if err := s.cache.InvalidateBranch(ctx, branchID); err != nil {
		s.logger.Debug().Err(err).Str("branch_id", branchID).Msg("failed to invalidate branch cache")
	}
}

func toCache(bays []models.ServiceBay) []cache.CachedBay {
	out := make([]cache.CachedBay, 0, len(bays))
	for _, b := range bays {
		out = append(out, cache.CachedBay{
			ID:              b.ID,
			BranchID:        b.BranchID,
			Code:            b.Code,
			Name:            b.Name,
			Status:          string(b.Status),
			AcceptsBookings: b.AcceptsBookings,
			ServiceTypes:    b.ServiceTypes,
			Active:          b.Active,
		})
	}
	return out
}

func fromCache(cached []cache.CachedBay) []models.ServiceBay {
	out := make([]models.ServiceBay, 0, len(cached))
	for _, c := range cached {
		out = append(out, models.ServiceBay{
			ID:              c.ID,
			BranchID:        c.BranchID,
			Code:            c.Code,
			Name:            c.Name,
			Status:          models.BayStatus(c.Status),
			AcceptsBookings: c.AcceptsBookings,
			ServiceTypes:    c.ServiceTypes,
			Active:          c.Active,
		})
	}
	return out
}

func branchToCache(b *models.Branch) *cache.CachedBranch {
	out := &cache.CachedBranch{
		ID:          b.ID,
		Code:        b.Code,
		Name:        b.Name,
		Timezone:    b.Timezone,
		OpensAt:     b.OpensAt,
		ClosesAt:    b.ClosesAt,
		SlotMinutes: b.SlotMinutes,
		Active:      b.Active,
	}
	for _, h := range b.Hours {
		out.Hours = append(out.Hours, cache.CachedHours{
			Weekday:  h.Weekday,
			OpensAt:  h.OpensAt,
			ClosesAt: h.ClosesAt,
			Closed:   h.Closed,
		})
	}
	return out
}

func branchFromCache(c *cache.CachedBranch) *models.Branch {
	out := &models.Branch{
		ID:          c.ID,
		Code:        c.Code,
		Name:        c.Name,
		Timezone:    c.Timezone,
		OpensAt:     c.OpensAt,
		ClosesAt:    c.ClosesAt,
		SlotMinutes: c.SlotMinutes,
		Active:      c.Active,
	}
	for _, h := range c.Hours {
		out.Hours = append(out.Hours, models.BranchHours{
			BranchID: c.ID,
			Weekday:  h.Weekday,
			OpensAt:  h.OpensAt,
			ClosesAt: h.ClosesAt,
			Closed:   h.Closed,
		})
	}
	return out
}
