/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package slots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/telemetry"
)

const tracerName = "bayline/slots"

// Calendar generates and maintains slot inventory.
type Calendar struct {
	store              *store.Store
	bus                events.Publisher
	clock              clock.Clock
	defaultSlotMinutes int
	logger             zerolog.Logger
}

// NewCalendar creates a calendar. defaultSlotMinutes applies to branches
// without their own granularity.
func NewCalendar(st *store.Store, bus events.Publisher, clk clock.Clock, defaultSlotMinutes int, logger zerolog.Logger) *Calendar {
	if bus == nil {
		bus = events.Nop{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if defaultSlotMinutes <= 0 {
		defaultSlotMinutes = 30
	}
	return &Calendar{
		store:              st,
		bus:                bus,
		clock:              clk,
		defaultSlotMinutes: defaultSlotMinutes,
		logger:             logger.With().Str("component", "calendar").Logger(),
	}
}

// GenerateRequest selects the branch, inclusive date range and optionally a
// subset of bays to generate.
type GenerateRequest struct {
	BranchID string   `json:"branch_id"`
	From     string   `json:"from"`
	To       string   `json:"to,omitempty"`
	BayIDs   []string `json:"bay_ids,omitempty"`
}

// GenerationResult summarises a generation run.
type GenerationResult struct {
	BranchID     string `json:"branch_id"`
	SlotsCreated int    `json:"slots_created"`
	SlotsUpdated int    `json:"slots_updated"`
	DaysSkipped  int    `json:"days_skipped"`
	BayDays      int    `json:"bay_days"`
}

func (c *Calendar) granularity(branch *models.Branch) time.Duration {
	if branch.SlotMinutes > 0 {
		return time.Duration(branch.SlotMinutes) * time.Minute
	}
	return time.Duration(c.defaultSlotMinutes) * time.Minute
}

// GenerateDailySchedule creates OPEN slots covering the branch opening
// hours of every selected bay and date. A (bay, date) that already has
// slots is skipped, so reruns are harmless.
func (c *Calendar) GenerateDailySchedule(ctx context.Context, req GenerateRequest) (result *GenerationResult, err error) {
	ctx, finish := telemetry.Track(ctx, tracerName, "calendar.generate_daily", map[string]any{
		"branch_id": req.BranchID, "from": req.From, "to": req.To,
	})
	defer func() { finish(err) }()

	branch, bays, err := c.loadTargets(ctx, req.BranchID, req.BayIDs)
	if err != nil {
		return nil, err
	}
	days, err := dateRange(req.From, req.To, branch.Location())
	if err != nil {
		return nil, err
	}

	step := c.granularity(branch)
	result = &GenerationResult{BranchID: branch.ID}

	for _, day := range days {
		opens, closes, ok := branch.HoursFor(day)
		if !ok {
			result.DaysSkipped += len(bays)
			continue
		}
		window, err := dayWindow(day, opens, closes)
		if err != nil {
			return result, fmt.Errorf("branch %s hours: %w", branch.ID, err)
		}
		date := day.Format(models.DateLayout)

		for _, bay := range bays {
			created := 0
			err := c.store.WithBayDay(ctx, bay.ID, date, func(tx *gorm.DB) error {
				var existing int64
				if err := tx.Model(&models.ServiceSlot{}).
					Where("bay_id = ? AND slot_date = ?", bay.ID, date).
					Count(&existing).Error; err != nil {
					return err
				}
				if existing > 0 {
					return nil
				}

				rows := make([]models.ServiceSlot, 0)
				for _, piece := range chop(window, step) {
					rows = append(rows, newSlot(&bay, date, piece, models.CategoryNormal, 0))
				}
				if len(rows) == 0 {
					return nil
				}
				created = len(rows)
				return tx.Create(&rows).Error
			})
			if err != nil {
				return result, fmt.Errorf("generate bay %s on %s: %w", bay.ID, date, err)
			}
			result.BayDays++
			if created == 0 {
				result.DaysSkipped++
				continue
			}
			result.SlotsCreated += created
		}
	}

	telemetry.SlotsGeneratedTotal.WithLabelValues(branch.ID, "daily").Add(float64(result.SlotsCreated))
	if result.SlotsCreated > 0 {
		c.bus.Publish(events.EventSlotsGenerated, events.Payload{
			"branch_id":     branch.ID,
			"from":          req.From,
			"to":            req.To,
			"slots_created": result.SlotsCreated,
		})
	}
	c.logger.Info().
		Str("branch_id", branch.ID).
		Str("from", req.From).
		Str("to", req.To).
		Int("slots_created", result.SlotsCreated).
		Int("days_skipped", result.DaysSkipped).
		Msg("daily schedule generated")

	return result, nil
}

// PatternRequest describes a recurring window applied across a date range.
type PatternRequest struct {
	BranchID      string          `json:"branch_id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	StartTime     string          `json:"start_time"`
	EndTime       string          `json:"end_time"`
	Category      models.Category `json:"category"`
	PriorityOrder int             `json:"priority_order"`
	RRule         string          `json:"rrule,omitempty"`
	BayIDs        []string        `json:"bay_ids,omitempty"`
}

// GeneratePattern applies a category/priority window to every date in the
// range matched by the optional RRULE. OPEN slots lying fully inside the
// window are re-categorised, uncovered time inside the window gets new
// OPEN slots, and BOOKED or CLOSED slots are left alone.
func (c *Calendar) GeneratePattern(ctx context.Context, req PatternRequest) (result *GenerationResult, err error) {
	ctx, finish := telemetry.Track(ctx, tracerName, "calendar.generate_pattern", map[string]any{
		"branch_id": req.BranchID, "from": req.From, "to": req.To, "category": string(req.Category),
	})
	defer func() { finish(err) }()

	branch, bays, err := c.loadTargets(ctx, req.BranchID, req.BayIDs)
	if err != nil {
		return nil, err
	}
	loc := branch.Location()
	days, err := dateRange(req.From, req.To, loc)
	if err != nil {
		return nil, err
	}
	days, err = matchRule(req.RRule, days)
	if err != nil {
		return nil, err
	}

	category := req.Category.Normalize()
	step := c.granularity(branch)
	result = &GenerationResult{BranchID: branch.ID}

	for _, day := range days {
		window, err := dayWindow(day, req.StartTime, req.EndTime)
		if err != nil {
			return nil, err
		}
		date := day.Format(models.DateLayout)

		for _, bay := range bays {
			var created, updated int
			err := c.store.WithBayDay(ctx, bay.ID, date, func(tx *gorm.DB) error {
				existing, err := store.LockedDaySlots(tx, bay.ID, date)
				if err != nil {
					return err
				}

				for _, s := range existing {
					if s.Status != models.SlotStatusOpen {
						continue
					}
					if s.StartsAt.Before(window.start) || s.EndsAt.After(window.end) {
						continue
					}
					if s.Category == category && s.PriorityOrder == req.PriorityOrder {
						continue
					}
					res := tx.Model(&models.ServiceSlot{}).
						Where("id = ? AND status = ?", s.ID, models.SlotStatusOpen).
						Updates(map[string]any{
							"category":       category,
							"priority_order": req.PriorityOrder,
							"version":        gorm.Expr("version + 1"),
						})
					if res.Error != nil {
						return res.Error
					}
					updated += int(res.RowsAffected)
				}

				var rows []models.ServiceSlot
				for _, gap := range gaps(window, existing) {
					for _, piece := range chop(gap, step) {
						rows = append(rows, newSlot(&bay, date, piece, category, req.PriorityOrder))
					}
				}
				if len(rows) == 0 {
					return nil
				}
				created = len(rows)
				return tx.Create(&rows).Error
			})
			if err != nil {
				return result, fmt.Errorf("apply pattern to bay %s on %s: %w", bay.ID, date, err)
			}
			result.BayDays++
			result.SlotsCreated += created
			result.SlotsUpdated += updated
		}
	}

	telemetry.SlotsGeneratedTotal.WithLabelValues(branch.ID, "pattern").Add(float64(result.SlotsCreated))
	c.bus.Publish(events.EventPatternRuleApplied, events.Payload{
		"branch_id":     branch.ID,
		"from":          req.From,
		"to":            req.To,
		"category":      string(category),
		"slots_created": result.SlotsCreated,
		"slots_updated": result.SlotsUpdated,
	})
	c.logger.Info().
		Str("branch_id", branch.ID).
		Str("category", string(category)).
		Int("slots_created", result.SlotsCreated).
		Int("slots_updated", result.SlotsUpdated).
		Msg("slot pattern applied")

	return result, nil
}

// ApplyPatternRules runs every active stored rule of the branch over the
// date range.
func (c *Calendar) ApplyPatternRules(ctx context.Context, branchID, from, to string) (*GenerationResult, error) {
	var rules []models.PatternRule
	if err := c.store.DB(ctx).
		Where("branch_id = ? AND active = ?", branchID, true).
		Order("priority_order ASC, created_at ASC").
		Find(&rules).Error; err != nil {
		return nil, err
	}

	total := &GenerationResult{BranchID: branchID}
	for _, rule := range rules {
		res, err := c.GeneratePattern(ctx, PatternRequest{
			BranchID:      branchID,
			From:          from,
			To:            to,
			StartTime:     rule.StartTime,
			EndTime:       rule.EndTime,
			Category:      rule.Category,
			PriorityOrder: rule.PriorityOrder,
			RRule:         rule.RRule,
			BayIDs:        rule.BayIDs,
		})
		if err != nil {
			return total, fmt.Errorf("pattern rule %s: %w", rule.ID, err)
		}
		total.SlotsCreated += res.SlotsCreated
		total.SlotsUpdated += res.SlotsUpdated
		total.BayDays += res.BayDays
	}
	return total, nil
}

// matchRule keeps the days on which rule has an occurrence. An empty rule
// keeps every day.
func matchRule(rule string, days []time.Time) ([]time.Time, error) {
	rule = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:"))
	if rule == "" || len(days) == 0 {
		return days, nil
	}

	rr, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("rrule %q: %v: %w", rule, err, ErrInvalidRequest)
	}
	first := days[0]
	last := days[len(days)-1]
	rr.DTStart(first)

	hit := make(map[string]bool)
	for _, occ := range rr.Between(first, last.AddDate(0, 0, 1), true) {
		hit[occ.In(first.Location()).Format(models.DateLayout)] = true
	}

	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		if hit[d.Format(models.DateLayout)] {
			out = append(out, d)
		}
	}
	return out, nil
}

// loadTargets returns the branch and the active bays to generate for.
func (c *Calendar) loadTargets(ctx context.Context, branchID string, bayIDs []string) (*models.Branch, []models.ServiceBay, error) {
	db := c.store.DB(ctx)
	branch, err := store.GetBranch(db, branchID)
	if err != nil {
		return nil, nil, err
	}
	bays, err := store.BranchBays(db, branch.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(bayIDs) == 0 {
		return branch, bays, nil
	}

	wanted := make(map[string]bool, len(bayIDs))
	for _, id := range bayIDs {
		wanted[id] = true
	}
	filtered := bays[:0]
	for _, b := range bays {
		if wanted[b.ID] {
			filtered = append(filtered, b)
			delete(wanted, b.ID)
		}
	}
	for id := range wanted {
		return nil, nil, fmt.Errorf("bay %s in branch %s: %w", id, branch.ID, ErrNotFound)
	}
	return branch, filtered, nil
}

func newSlot(bay *models.ServiceBay, date string, span interval, category models.Category, priority int) models.ServiceSlot {
	return models.ServiceSlot{
		ID:            uuid.NewString(),
		BranchID:      bay.BranchID,
		BayID:         bay.ID,
		SlotDate:      date,
		StartsAt:      span.start,
		EndsAt:        span.end,
		Category:      category,
		PriorityOrder: priority,
		Status:        models.SlotStatusOpen,
	}
}

// ListSlots returns every slot of a bay/date in start order.
func (c *Calendar) ListSlots(ctx context.Context, bayID, date string) ([]models.ServiceSlot, error) {
	db := c.store.DB(ctx)
	if _, err := store.GetBay(db, bayID); err != nil {
		return nil, err
	}
	return store.DaySlots(db, bayID, date)
}

// getSlot loads a slot by ID.
func getSlot(tx *gorm.DB, slotID string) (*models.ServiceSlot, error) {
	var slot models.ServiceSlot
	if err := tx.First(&slot, "id = ?", slotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
		}
		return nil, err
	}
	return &slot, nil
}

// CloseSlot takes an OPEN slot out of inventory. Closing a CLOSED slot is a
// no-op; BOOKED slots cannot be closed.
func (c *Calendar) CloseSlot(ctx context.Context, slotID, reason string) (*models.ServiceSlot, error) {
	return c.transition(ctx, slotID, func(s *models.ServiceSlot) (map[string]any, error) {
		switch s.Status {
		case models.SlotStatusClosed:
			return nil, nil
		case models.SlotStatusOpen:
			return map[string]any{"status": models.SlotStatusClosed, "closed_reason": reason}, nil
		default:
			return nil, fmt.Errorf("slot %s is %s: %w", s.ID, s.Status, ErrSlotConflict)
		}
	}, events.EventSlotClosed)
}

// ReopenSlot returns a CLOSED slot to inventory. Slots already over cannot
// be reopened.
func (c *Calendar) ReopenSlot(ctx context.Context, slotID string) (*models.ServiceSlot, error) {
	now := c.clock.Now()
	return c.transition(ctx, slotID, func(s *models.ServiceSlot) (map[string]any, error) {
		switch s.Status {
		case models.SlotStatusOpen:
			return nil, nil
		case models.SlotStatusClosed:
			if !s.EndsAt.After(now) {
				return nil, fmt.Errorf("slot %s already ended: %w", s.ID, ErrInvalidRequest)
			}
			return map[string]any{"status": models.SlotStatusOpen, "closed_reason": ""}, nil
		default:
			return nil, fmt.Errorf("slot %s is %s: %w", s.ID, s.Status, ErrSlotConflict)
		}
	}, events.EventSlotReopened)
}

func (c *Calendar) transition(ctx context.Context, slotID string, decide func(*models.ServiceSlot) (map[string]any, error), eventType events.EventType) (*models.ServiceSlot, error) {
	slot, err := getSlot(c.store.DB(ctx), slotID)
	if err != nil {
		return nil, err
	}

	changed := false
	err = c.store.WithBayDay(ctx, slot.BayID, slot.SlotDate, func(tx *gorm.DB) error {
		current, err := getSlot(store.ForUpdate(tx), slotID)
		if err != nil {
			return err
		}
		updates, err := decide(current)
		if err != nil || updates == nil {
			*slot = *current
			return err
		}
		updates["version"] = gorm.Expr("version + 1")
		res := tx.Model(&models.ServiceSlot{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("slot %s changed concurrently: %w", slotID, ErrSlotConflict)
		}
		changed = true
		reloaded, err := getSlot(tx, slotID)
		if err != nil {
			return err
		}
		*slot = *reloaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		c.bus.Publish(eventType, events.Payload{
			"slot_id":   slot.ID,
			"bay_id":    slot.BayID,
			"branch_id": slot.BranchID,
			"slot_date": slot.SlotDate,
			"status":    string(slot.Status),
		})
	}
	return slot, nil
}

// ExpireSlots marks OPEN and CLOSED slots that have ended as EXPIRED. Each
// affected bay/date is updated inside its own critical section.
func (c *Calendar) ExpireSlots(ctx context.Context) (int64, error) {
	now := c.clock.Now()
	expirable := []models.SlotStatus{models.SlotStatusOpen, models.SlotStatusClosed}

	var keys []struct {
		BayID    string
		SlotDate string
	}
	if err := c.store.DB(ctx).Model(&models.ServiceSlot{}).
		Distinct("bay_id", "slot_date").
		Where("status IN ? AND ends_at <= ?", expirable, now).
		Order("slot_date ASC, bay_id ASC").
		Find(&keys).Error; err != nil {
		return 0, fmt.Errorf("find expirable slots: %w", err)
	}

	var total int64
	for _, k := range keys {
		err := c.store.WithBayDay(ctx, k.BayID, k.SlotDate, func(tx *gorm.DB) error {
			res := tx.Model(&models.ServiceSlot{}).
				Where("bay_id = ? AND slot_date = ? AND status IN ? AND ends_at <= ?", k.BayID, k.SlotDate, expirable, now).
				Updates(map[string]any{
					"status":  models.SlotStatusExpired,
					"version": gorm.Expr("version + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			total += res.RowsAffected
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("expire slots of bay %s on %s: %w", k.BayID, k.SlotDate, err)
		}
	}
	if total > 0 {
		telemetry.SlotsExpiredTotal.Add(float64(total))
		c.logger.Info().Int64("expired", total).Int("bay_days", len(keys)).Msg("expired unused slots")
	}
	return total, nil
}

// SlotStatistics summarises one bay/date.
type SlotStatistics struct {
	BayID            string                    `json:"bay_id"`
	Date             string                    `json:"date"`
	TotalSlots       int                       `json:"total_slots"`
	BookedSlots      int                       `json:"booked_slots"`
	OpenSlots        int                       `json:"open_slots"`
	ClosedSlots      int                       `json:"closed_slots"`
	ExpiredSlots     int                       `json:"expired_slots"`
	ByStatus         map[models.SlotStatus]int `json:"by_status"`
	ByCategory       map[models.Category]int   `json:"by_category"`
	TotalMinutes     int                       `json:"total_minutes"`
	BookedMinutes    int                       `json:"booked_minutes"`
	OpenMinutes      int                       `json:"open_minutes"`
	ReclaimedMinutes int                       `json:"reclaimed_minutes"`
	UtilizationPct   float64                   `json:"utilization_pct"`
	Consistent       bool                      `json:"consistent"`
}

// GetBaySlotStatistics computes counts, minutes and utilisation for a
// bay/date. Utilisation is booked minutes over total minutes.
func (c *Calendar) GetBaySlotStatistics(ctx context.Context, bayID, date string) (*SlotStatistics, error) {
	db := c.store.DB(ctx)
	if _, err := store.GetBay(db, bayID); err != nil {
		return nil, err
	}
	daySlots, err := store.DaySlots(db, bayID, date)
	if err != nil {
		return nil, err
	}
	stats := Summarize(daySlots)
	stats.BayID = bayID
	stats.Date = date
	return stats, nil
}

// Summarize computes statistics over an ordered slice of one bay/date.
func Summarize(daySlots []models.ServiceSlot) *SlotStatistics {
	stats := &SlotStatistics{
		ByStatus:   make(map[models.SlotStatus]int),
		ByCategory: make(map[models.Category]int),
		TotalSlots: len(daySlots),
		Consistent: len(CheckDay(daySlots)) == 0,
	}
	for i := range daySlots {
		s := &daySlots[i]
		m := minutes(s.Duration())
		stats.ByStatus[s.Status]++
		stats.ByCategory[s.Category]++
		stats.TotalMinutes += m
		switch s.Status {
		case models.SlotStatusBooked:
			stats.BookedSlots++
			stats.BookedMinutes += m
		case models.SlotStatusOpen:
			stats.OpenSlots++
			stats.OpenMinutes += m
			if s.ReclaimedAt != nil {
				stats.ReclaimedMinutes += m
			}
		case models.SlotStatusClosed:
			stats.ClosedSlots++
		case models.SlotStatusExpired:
			stats.ExpiredSlots++
		}
	}
	if stats.TotalMinutes > 0 {
		stats.UtilizationPct = float64(stats.BookedMinutes) * 100 / float64(stats.TotalMinutes)
	}
	return stats
}
