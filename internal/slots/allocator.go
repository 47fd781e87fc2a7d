/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package slots

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/bookingpolicy"
	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/telemetry"
)

// Allocator searches for and commits contiguous bookable time.
type Allocator struct {
	store  *store.Store
	policy bookingpolicy.Policy
	bus    events.Publisher
	clock  clock.Clock
	logger zerolog.Logger
}

// NewAllocator creates an allocator enforcing policy on every date.
func NewAllocator(st *store.Store, policy bookingpolicy.Policy, bus events.Publisher, clk clock.Clock, logger zerolog.Logger) *Allocator {
	if bus == nil {
		bus = events.Nop{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Allocator{
		store:  st,
		policy: policy,
		bus:    bus,
		clock:  clk,
		logger: logger.With().Str("component", "allocator").Logger(),
	}
}

// SearchRequest asks for start points with enough contiguous OPEN time.
// FromHour and ToHour bound the whole booking in branch local time.
type SearchRequest struct {
	BranchID        string
	Date            string
	DurationMinutes int
	BayID           string
	FromHour        *int
	ToHour          *int
}

// Availability is one bookable start point.
type Availability struct {
	BayID    string    `json:"bay_id"`
	BayCode  string    `json:"bay_code"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	nextCommitted time.Time
}

func (a *Allocator) checkDate(date string) error {
	day, err := a.policy.ParseDate(date)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}
	return a.policy.ValidateBookingDate(day, a.clock.Now())
}

// FindAvailableSlots returns every start point on the date from which
// DurationMinutes of contiguous OPEN time exists. Results are ordered by
// start; equal starts prefer the bay whose next committed job comes first,
// then the lowest bay code. The list is advisory until BookSlot succeeds.
func (a *Allocator) FindAvailableSlots(ctx context.Context, req SearchRequest) (out []Availability, err error) {
	ctx, finish := telemetry.Track(ctx, tracerName, "allocator.find", map[string]any{
		"branch_id": req.BranchID, "date": req.Date, "duration_minutes": req.DurationMinutes,
	})
	defer func() { finish(err) }()

	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("duration must be positive: %w", ErrInvalidRequest)
	}
	if err := a.checkDate(req.Date); err != nil {
		return nil, err
	}

	db := a.store.DB(ctx)
	branch, err := store.GetBranch(db, req.BranchID)
	if err != nil {
		return nil, err
	}
	day, err := parseDay(req.Date, branch.Location())
	if err != nil {
		return nil, err
	}
	bounds, err := hourBounds(day, req.FromHour, req.ToHour)
	if err != nil {
		return nil, err
	}

	var candidates []models.ServiceBay
	if req.BayID != "" {
		bay, err := store.GetBay(db, req.BayID)
		if err != nil {
			return nil, err
		}
		if bay.BranchID != branch.ID {
			return nil, fmt.Errorf("bay %s in branch %s: %w", bay.ID, branch.ID, ErrNotFound)
		}
		if !bay.Eligible() {
			return nil, fmt.Errorf("bay %s: %w", bay.ID, ErrBayUnavailable)
		}
		candidates = []models.ServiceBay{*bay}
	} else {
		bays, err := store.BranchBays(db, branch.ID)
		if err != nil {
			return nil, err
		}
		for _, b := range bays {
			if b.Eligible() {
				candidates = append(candidates, b)
			}
		}
	}

	need := time.Duration(req.DurationMinutes) * time.Minute
	now := a.clock.Now()
	out = []Availability{}

	for _, bay := range candidates {
		daySlots, err := store.DaySlots(db, bay.ID, req.Date)
		if err != nil {
			return nil, err
		}
		jobs, err := store.RunningJobs(db, bay.ID, req.Date)
		if err != nil {
			return nil, err
		}
		for _, start := range startPoints(daySlots, need, bounds, now) {
			if jobOverlap(jobs, start, start.Add(need)) != nil {
				continue
			}
			out = append(out, Availability{
				BayID:         bay.ID,
				BayCode:       bay.Code,
				StartsAt:      start,
				EndsAt:        start.Add(need),
				nextCommitted: nextBooked(daySlots, start.Add(need)),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		x, y := out[i], out[j]
		if !x.StartsAt.Equal(y.StartsAt) {
			return x.StartsAt.Before(y.StartsAt)
		}
		if !x.nextCommitted.Equal(y.nextCommitted) {
			if x.nextCommitted.IsZero() {
				return false
			}
			if y.nextCommitted.IsZero() {
				return true
			}
			return x.nextCommitted.Before(y.nextCommitted)
		}
		return x.BayCode < y.BayCode
	})
	return out, nil
}

// hourBounds converts the optional hour filter into an interval on day.
func hourBounds(day time.Time, from, to *int) (interval, error) {
	lo, hi := 0, 24
	if from != nil {
		lo = *from
	}
	if to != nil {
		hi = *to
	}
	if lo < 0 || hi > 24 || lo >= hi {
		return interval{}, fmt.Errorf("hour range %d-%d: %w", lo, hi, ErrInvalidRequest)
	}
	return interval{start: wallClock(day, lo*60).UTC(), end: wallClock(day, hi*60).UTC()}, nil
}

// startPoints walks ordered slots and returns each OPEN slot start from
// which need of contiguous OPEN time exists inside bounds and after now.
func startPoints(daySlots []models.ServiceSlot, need time.Duration, bounds interval, now time.Time) []time.Time {
	var out []time.Time
	for i := range daySlots {
		s := &daySlots[i]
		if s.Status != models.SlotStatusOpen {
			continue
		}
		start := s.StartsAt
		end := start.Add(need)
		if start.Before(now) || start.Before(bounds.start) || end.After(bounds.end) {
			continue
		}
		if _, ok := coverage(daySlots, i, end); ok {
			out = append(out, start)
		}
	}
	return out
}

// coverage returns the slots from index i that contiguously cover up to end
// while all OPEN.
func coverage(daySlots []models.ServiceSlot, i int, end time.Time) ([]models.ServiceSlot, bool) {
	var covered []models.ServiceSlot
	reach := daySlots[i].StartsAt
	for j := i; j < len(daySlots); j++ {
		s := daySlots[j]
		if s.Status != models.SlotStatusOpen || !s.StartsAt.Equal(reach) {
			return nil, false
		}
		covered = append(covered, s)
		reach = s.EndsAt
		if !reach.Before(end) {
			return covered, true
		}
	}
	return nil, false
}

// jobOverlap returns the first running job whose expected span
// [StartedAt, ExpectedEndAt) overlaps [start, end).
func jobOverlap(jobs []models.ServiceJob, start, end time.Time) *models.ServiceJob {
	for i := range jobs {
		if jobs[i].StartedAt.Before(end) && jobs[i].ExpectedEndAt.After(start) {
			return &jobs[i]
		}
	}
	return nil
}

// nextBooked returns the start of the first BOOKED slot at or after t.
func nextBooked(daySlots []models.ServiceSlot, t time.Time) time.Time {
	for _, s := range daySlots {
		if s.Status == models.SlotStatusBooked && !s.StartsAt.Before(t) {
			return s.StartsAt
		}
	}
	return time.Time{}
}

// BookRequest commits a booking to a bay starting exactly at StartTime.
type BookRequest struct {
	BayID           string    `json:"bay_id"`
	Date            string    `json:"date"`
	StartTime       time.Time `json:"start_time"`
	BookingID       string    `json:"booking_id"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Reservation is the committed result of BookSlot.
type Reservation struct {
	BookingID string               `json:"booking_id"`
	BranchID  string               `json:"branch_id"`
	BayID     string               `json:"bay_id"`
	Date      string               `json:"date"`
	StartsAt  time.Time            `json:"starts_at"`
	EndsAt    time.Time            `json:"ends_at"`
	Slots     []models.ServiceSlot `json:"slots"`
}

// BookSlot re-validates and commits the span inside the bay/date critical
// section. The span must start at an OPEN slot boundary and be covered by
// contiguous OPEN slots; the last slot is split when the booking ends
// inside it. Any failure leaves the inventory unchanged.
func (a *Allocator) BookSlot(ctx context.Context, req BookRequest) (res *Reservation, err error) {
	ctx, finish := telemetry.Track(ctx, tracerName, "allocator.book", map[string]any{
		"bay_id": req.BayID, "date": req.Date, "booking_id": req.BookingID,
	})
	defer func() {
		finish(err)
		telemetry.BookingAttemptsTotal.WithLabelValues(bookingOutcome(err)).Inc()
	}()

	if req.BookingID == "" || req.DurationMinutes <= 0 || req.StartTime.IsZero() {
		return nil, fmt.Errorf("booking id, start time and positive duration are required: %w", ErrInvalidRequest)
	}
	if err := a.checkDate(req.Date); err != nil {
		return nil, err
	}
	start := req.StartTime.UTC()
	end := start.Add(time.Duration(req.DurationMinutes) * time.Minute)
	if start.Before(a.clock.Now()) {
		return nil, fmt.Errorf("start %s is in the past: %w", start.Format(time.RFC3339), ErrInvalidRequest)
	}

	res = &Reservation{BookingID: req.BookingID, BayID: req.BayID, Date: req.Date, StartsAt: start, EndsAt: end}
	err = a.store.WithBayDay(ctx, req.BayID, req.Date, func(tx *gorm.DB) error {
		bay, err := store.GetBay(tx, req.BayID)
		if err != nil {
			return err
		}
		if !bay.Eligible() {
			return fmt.Errorf("bay %s is %s: %w", bay.ID, bay.Status, ErrBayUnavailable)
		}
		res.BranchID = bay.BranchID

		held, err := store.BookingSlots(tx, req.BookingID)
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return fmt.Errorf("booking %s: %w", req.BookingID, ErrAlreadyAllocated)
		}

		jobs, err := store.RunningJobs(tx, req.BayID, req.Date)
		if err != nil {
			return err
		}
		if job := jobOverlap(jobs, start, end); job != nil {
			return fmt.Errorf("walk-in %s runs until %s: %w", job.BookingID, job.ExpectedEndAt.Format("15:04"), ErrSlotConflict)
		}

		daySlots, err := store.LockedDaySlots(tx, req.BayID, req.Date)
		if err != nil {
			return err
		}
		first := -1
		for i := range daySlots {
			if daySlots[i].StartsAt.Equal(start) {
				first = i
				break
			}
		}
		if first < 0 {
			return fmt.Errorf("no slot starts at %s: %w", start.Format(time.RFC3339), ErrSlotConflict)
		}
		covered, ok := coverage(daySlots, first, end)
		if !ok {
			return fmt.Errorf("span %s-%s is not free: %w", start.Format("15:04"), end.Format("15:04"), ErrSlotConflict)
		}

		last := covered[len(covered)-1]
		if last.EndsAt.After(end) {
			if _, err := splitAt(tx, last, end, nil); err != nil {
				return err
			}
			covered[len(covered)-1].EndsAt = end
		}

		for i := range covered {
			s := &covered[i]
			updated := tx.Model(&models.ServiceSlot{}).
				Where("id = ? AND status = ? AND version = ?", s.ID, models.SlotStatusOpen, s.Version).
				Updates(map[string]any{
					"status":     models.SlotStatusBooked,
					"booking_id": req.BookingID,
					"version":    gorm.Expr("version + 1"),
				})
			if updated.Error != nil {
				return updated.Error
			}
			if updated.RowsAffected != 1 {
				return fmt.Errorf("slot %s changed concurrently: %w", s.ID, ErrSlotConflict)
			}
		}

		booked, err := store.BookingSlots(tx, req.BookingID)
		if err != nil {
			return err
		}
		res.Slots = booked
		return nil
	})
	if err != nil {
		a.logger.Debug().Err(err).Str("bay_id", req.BayID).Str("booking_id", req.BookingID).Msg("booking rejected")
		return nil, err
	}

	a.bus.Publish(events.EventSlotBooked, events.Payload{
		"booking_id": res.BookingID,
		"branch_id":  res.BranchID,
		"bay_id":     res.BayID,
		"slot_date":  res.Date,
		"starts_at":  res.StartsAt,
		"ends_at":    res.EndsAt,
	})
	a.logger.Info().
		Str("booking_id", res.BookingID).
		Str("bay_id", res.BayID).
		Time("starts_at", res.StartsAt).
		Time("ends_at", res.EndsAt).
		Msg("slots booked")
	return res, nil
}

// HoldTx marks the OPEN slots of a bay/date overlapping [start, end) as
// BOOKED for bookingID, splitting slots that cross either edge. A BOOKED or
// CLOSED slot inside the span fails with ErrSlotConflict and nothing is
// written. Time not covered by any slot lies outside opening hours and is
// not held. Callers hold the bay/date section.
func HoldTx(tx *gorm.DB, bayID, date, bookingID string, start, end time.Time) ([]models.ServiceSlot, error) {
	if bookingID == "" || !end.After(start) {
		return nil, fmt.Errorf("booking id and a positive span are required: %w", ErrInvalidRequest)
	}
	held, err := store.BookingSlots(tx, bookingID)
	if err != nil {
		return nil, err
	}
	if len(held) > 0 {
		return nil, fmt.Errorf("booking %s: %w", bookingID, ErrAlreadyAllocated)
	}

	daySlots, err := store.LockedDaySlots(tx, bayID, date)
	if err != nil {
		return nil, err
	}
	var span []models.ServiceSlot
	for _, s := range daySlots {
		if !s.EndsAt.After(start) || !s.StartsAt.Before(end) {
			continue
		}
		switch s.Status {
		case models.SlotStatusBooked, models.SlotStatusClosed:
			return nil, fmt.Errorf("slot %s-%s is %s: %w", s.StartsAt.Format("15:04"), s.EndsAt.Format("15:04"), s.Status, ErrSlotConflict)
		case models.SlotStatusOpen:
			span = append(span, s)
		}
	}

	for _, s := range span {
		if s.StartsAt.Before(start) {
			tail, err := splitAt(tx, s, start, nil)
			if err != nil {
				return nil, err
			}
			s = *tail
		}
		if s.EndsAt.After(end) {
			if _, err := splitAt(tx, s, end, nil); err != nil {
				return nil, err
			}
			s.EndsAt = end
		}
		updated := tx.Model(&models.ServiceSlot{}).
			Where("id = ? AND status = ? AND version = ?", s.ID, models.SlotStatusOpen, s.Version).
			Updates(map[string]any{
				"status":     models.SlotStatusBooked,
				"booking_id": bookingID,
				"version":    gorm.Expr("version + 1"),
			})
		if updated.Error != nil {
			return nil, updated.Error
		}
		if updated.RowsAffected != 1 {
			return nil, fmt.Errorf("slot %s changed concurrently: %w", s.ID, ErrSlotConflict)
		}
	}
	return store.BookingSlots(tx, bookingID)
}

// splitAt shrinks slot to end at cut and inserts the remainder as a new
// OPEN slot. The shrink happens first so the two never overlap. The tail
// inherits the reclaim stamp of slot unless reclaimedAt is given.
func splitAt(tx *gorm.DB, slot models.ServiceSlot, cut time.Time, reclaimedAt *time.Time) (*models.ServiceSlot, error) {
	if !cut.After(slot.StartsAt) || !cut.Before(slot.EndsAt) {
		return nil, fmt.Errorf("cut %s outside slot %s: %w", cut.Format(time.RFC3339), slot.ID, ErrInvalidRequest)
	}
	shrunk := tx.Model(&models.ServiceSlot{}).
		Where("id = ? AND version = ?", slot.ID, slot.Version).
		Updates(map[string]any{"ends_at": cut})
	if shrunk.Error != nil {
		return nil, shrunk.Error
	}
	if shrunk.RowsAffected != 1 {
		return nil, fmt.Errorf("slot %s changed concurrently: %w", slot.ID, ErrSlotConflict)
	}

	tail := models.ServiceSlot{
		ID:            uuid.NewString(),
		BranchID:      slot.BranchID,
		BayID:         slot.BayID,
		SlotDate:      slot.SlotDate,
		StartsAt:      cut,
		EndsAt:        slot.EndsAt,
		Category:      slot.Category,
		PriorityOrder: slot.PriorityOrder,
		Status:        models.SlotStatusOpen,
		ReclaimedAt:   slot.ReclaimedAt,
	}
	if reclaimedAt != nil {
		tail.ReclaimedAt = reclaimedAt
	}
	if err := tx.Create(&tail).Error; err != nil {
		return nil, err
	}
	return &tail, nil
}

// ReleaseBooking returns every slot of a cancelled booking to OPEN.
func (a *Allocator) ReleaseBooking(ctx context.Context, bookingID string) ([]models.ServiceSlot, error) {
	held, err := store.BookingSlots(a.store.DB(ctx), bookingID)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, fmt.Errorf("booking %s holds no slots: %w", bookingID, ErrNotFound)
	}
	bayID, date := held[0].BayID, held[0].SlotDate

	var released []models.ServiceSlot
	err = a.store.WithBayDay(ctx, bayID, date, func(tx *gorm.DB) error {
		current, err := store.BookingSlots(store.ForUpdate(tx), bookingID)
		if err != nil {
			return err
		}
		for _, s := range current {
			res := tx.Model(&models.ServiceSlot{}).
				Where("id = ? AND status = ? AND booking_id = ?", s.ID, models.SlotStatusBooked, bookingID).
				Updates(map[string]any{
					"status":     models.SlotStatusOpen,
					"booking_id": nil,
					"version":    gorm.Expr("version + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			s.Status = models.SlotStatusOpen
			s.BookingID = nil
			released = append(released, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return nil, fmt.Errorf("booking %s holds no slots: %w", bookingID, ErrNotFound)
	}

	a.bus.Publish(events.EventSlotReleased, events.Payload{
		"booking_id": bookingID,
		"branch_id":  released[0].BranchID,
		"bay_id":     bayID,
		"slot_date":  date,
		"slots":      len(released),
	})
	a.logger.Info().Str("booking_id", bookingID).Str("bay_id", bayID).Int("slots", len(released)).Msg("booking released")
	return released, nil
}

func bookingOutcome(err error) string {
	switch {
	case err == nil:
		return "booked"
	case isAny(err, ErrSlotConflict, ErrAlreadyAllocated):
		return "conflict"
	case isAny(err, bookingpolicy.ErrOutOfWindow, ErrInvalidRequest, ErrBayUnavailable, ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}
