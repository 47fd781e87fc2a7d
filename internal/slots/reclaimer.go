/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/telemetry"
)

// QueueRecalculator recomputes walk-in ETAs of a bay/date inside an open
// transaction. The queue manager implements it.
type QueueRecalculator interface {
	RecalculateTx(tx *gorm.DB, bayID, date string, now time.Time) error
}

// Reclaimer returns time to inventory when work finishes early.
type Reclaimer struct {
	store  *store.Store
	queue  QueueRecalculator
	bus    events.Publisher
	clock  clock.Clock
	logger zerolog.Logger
}

// NewReclaimer creates a reclaimer. queue may be nil when no walk-in queue
// is kept.
func NewReclaimer(st *store.Store, queue QueueRecalculator, bus events.Publisher, clk clock.Clock, logger zerolog.Logger) *Reclaimer {
	if bus == nil {
		bus = events.Nop{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Reclaimer{
		store:  st,
		queue:  queue,
		bus:    bus,
		clock:  clk,
		logger: logger.With().Str("component", "reclaimer").Logger(),
	}
}

// CompletionResult reports what early completion gave back.
type CompletionResult struct {
	BookingID        string               `json:"booking_id"`
	BranchID         string               `json:"branch_id"`
	BayID            string               `json:"bay_id"`
	Date             string               `json:"date"`
	CompletedAt      time.Time            `json:"completed_at"`
	ReclaimedMinutes int                  `json:"reclaimed_minutes"`
	Released         []models.ServiceSlot `json:"released"`
	JobCompleted     bool                 `json:"job_completed"`
}

// CompleteEarlyAndReleaseSlots truncates a booking at actual and reopens
// the rest of its span. The slot containing actual is split; slots after it
// become OPEN with ReclaimedAt set. A walk-in job of the booking is
// completed as well, and the queue ETAs of the bay/date are recomputed in
// the same transaction. Other bookings never move.
func (r *Reclaimer) CompleteEarlyAndReleaseSlots(ctx context.Context, bookingID string, actual time.Time) (result *CompletionResult, err error) {
	ctx, finish := telemetry.Track(ctx, tracerName, "reclaimer.complete", map[string]any{
		"booking_id": bookingID, "actual": actual,
	})
	defer func() { finish(err) }()

	if bookingID == "" || actual.IsZero() {
		return nil, fmt.Errorf("booking id and completion time are required: %w", ErrInvalidRequest)
	}
	actual = actual.UTC()

	db := r.store.DB(ctx)
	held, err := store.BookingSlots(db, bookingID)
	if err != nil {
		return nil, err
	}
	job, err := store.ActiveJob(db, bookingID)
	if err != nil {
		return nil, err
	}

	result = &CompletionResult{BookingID: bookingID, CompletedAt: actual}
	switch {
	case len(held) > 0:
		result.BranchID, result.BayID, result.Date = held[0].BranchID, held[0].BayID, held[0].SlotDate
	case job != nil:
		result.BranchID, result.BayID, result.Date = job.BranchID, job.BayID, job.JobDate
	default:
		return nil, fmt.Errorf("booking %s has no booked slots or running job: %w", bookingID, ErrNotFound)
	}

	now := r.clock.Now()
	err = r.store.WithBayDay(ctx, result.BayID, result.Date, func(tx *gorm.DB) error {
		current, err := store.BookingSlots(store.ForUpdate(tx), bookingID)
		if err != nil {
			return err
		}
		if len(current) > 0 {
			released, err := truncate(tx, current, actual, now)
			if err != nil {
				return err
			}
			result.Released = released
			for i := range released {
				result.ReclaimedMinutes += minutes(released[i].Duration())
			}
		}

		active, err := store.ActiveJob(tx, bookingID)
		if err != nil {
			return err
		}
		if active != nil {
			if !actual.After(active.StartedAt) {
				return fmt.Errorf("completion %s precedes job start: %w", actual.Format(time.RFC3339), ErrInvalidRequest)
			}
			res := tx.Model(&models.ServiceJob{}).
				Where("id = ? AND status = ?", active.ID, models.JobStatusInProgress).
				Updates(map[string]any{
					"status":       models.JobStatusCompleted,
					"completed_at": actual,
				})
			if res.Error != nil {
				return res.Error
			}
			result.JobCompleted = res.RowsAffected == 1
		}

		if r.queue != nil {
			return r.queue.RecalculateTx(tx, result.BayID, result.Date, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.ReclaimedMinutes > 0 {
		telemetry.ReclaimedMinutesTotal.WithLabelValues(result.BranchID).Add(float64(result.ReclaimedMinutes))
	}
	r.bus.Publish(events.EventSlotsReclaimed, events.Payload{
		"booking_id":        bookingID,
		"branch_id":         result.BranchID,
		"bay_id":            result.BayID,
		"slot_date":         result.Date,
		"completed_at":      actual,
		"reclaimed_minutes": result.ReclaimedMinutes,
	})
	r.logger.Info().
		Str("booking_id", bookingID).
		Str("bay_id", result.BayID).
		Int("reclaimed_minutes", result.ReclaimedMinutes).
		Bool("job_completed", result.JobCompleted).
		Msg("early completion processed")
	return result, nil
}

// truncate cuts the ordered booked span at actual and returns the reopened
// pieces. Completion at or after the span end releases nothing.
func truncate(tx *gorm.DB, booked []models.ServiceSlot, actual, now time.Time) ([]models.ServiceSlot, error) {
	spanStart := booked[0].StartsAt
	if !actual.After(spanStart) {
		return nil, fmt.Errorf("completion %s is not after booking start %s: %w",
			actual.Format(time.RFC3339), spanStart.Format(time.RFC3339), ErrInvalidRequest)
	}

	stamp := now
	var released []models.ServiceSlot
	for _, s := range booked {
		switch {
		case !s.EndsAt.After(actual):
			continue
		case !s.StartsAt.Before(actual):
			res := tx.Model(&models.ServiceSlot{}).
				Where("id = ? AND status = ?", s.ID, models.SlotStatusBooked).
				Updates(map[string]any{
					"status":       models.SlotStatusOpen,
					"booking_id":   nil,
					"reclaimed_at": stamp,
					"version":      gorm.Expr("version + 1"),
				})
			if res.Error != nil {
				return nil, res.Error
			}
			s.Status = models.SlotStatusOpen
			s.BookingID = nil
			s.ReclaimedAt = &stamp
			released = append(released, s)
		default:
			tail, err := splitAt(tx, s, actual, &stamp)
			if err != nil {
				return nil, err
			}
			released = append(released, *tail)
		}
	}
	return released, nil
}

// GetExpandableSlots lists reclaimed OPEN slots of a branch/date starting
// at or after from. A zero from means now.
func (r *Reclaimer) GetExpandableSlots(ctx context.Context, branchID, date string, from time.Time) ([]models.ServiceSlot, error) {
	if from.IsZero() {
		from = r.clock.Now()
	}
	db := r.store.DB(ctx)
	if _, err := store.GetBranch(db, branchID); err != nil {
		return nil, err
	}

	var out []models.ServiceSlot
	err := db.Where("branch_id = ? AND slot_date = ? AND status = ? AND reclaimed_at IS NOT NULL AND starts_at >= ?",
		branchID, date, models.SlotStatusOpen, from.UTC()).
		Order("starts_at ASC, bay_id ASC").
		Find(&out).Error
	return out, err
}
