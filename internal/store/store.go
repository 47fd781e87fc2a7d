/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store holds the shared slot and queue state of every bay and
// the critical section used to mutate it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/bayline/internal/baylock"
	"github.com/friendsincode/bayline/internal/models"
)

// ErrNotFound is returned when a referenced bay, branch, slot, booking or
// queue entry does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the database and the per-(bay, date) locker.
type Store struct {
	db     *gorm.DB
	locker baylock.Locker
	logger zerolog.Logger
}

// New creates a store. A nil locker falls back to an in-process keyed lock.
func New(db *gorm.DB, locker baylock.Locker, logger zerolog.Logger) *Store {
	if locker == nil {
		locker = baylock.NewLocal()
	}
	return &Store{
		db:     db,
		locker: locker,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// DB returns the underlying handle for read-only queries.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Key builds the lock key for a bay and calendar date.
func Key(bayID, date string) baylock.Key {
	return baylock.Key{BayID: bayID, Date: date}
}

// WithBayDays runs fn in one transaction while holding the exclusive
// section of every key. Keys are acquired in a stable order.
func (s *Store) WithBayDays(ctx context.Context, keys []baylock.Key, fn func(tx *gorm.DB) error) error {
	unlock, err := s.locker.Lock(ctx, keys...)
	if err != nil {
		return fmt.Errorf("acquire bay lock: %w", err)
	}
	defer unlock()

	return s.db.WithContext(ctx).Transaction(fn)
}

// WithBayDay is WithBayDays for a single key.
func (s *Store) WithBayDay(ctx context.Context, bayID, date string, fn func(tx *gorm.DB) error) error {
	return s.WithBayDays(ctx, []baylock.Key{Key(bayID, date)}, fn)
}

// ForUpdate adds a row lock on dialects that support it. SQLite
// serialises writers itself and has no FOR UPDATE.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// GetBay loads a bay by ID.
func GetBay(tx *gorm.DB, bayID string) (*models.ServiceBay, error) {
	var bay models.ServiceBay
	if err := tx.First(&bay, "id = ?", bayID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("bay %s: %w", bayID, ErrNotFound)
		}
		return nil, err
	}
	return &bay, nil
}

// GetBranch loads a branch with its weekday hours.
func GetBranch(tx *gorm.DB, branchID string) (*models.Branch, error) {
	var branch models.Branch
	if err := tx.Preload("Hours").First(&branch, "id = ?", branchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
		}
		return nil, err
	}
	return &branch, nil
}

// BranchBays lists the active bays of a branch ordered by code.
func BranchBays(tx *gorm.DB, branchID string) ([]models.ServiceBay, error) {
	var bays []models.ServiceBay
	err := tx.Where("branch_id = ? AND active = ?", branchID, true).
		Order("code ASC").
		Find(&bays).Error
	return bays, err
}

// DaySlots returns the slots of a bay/date ordered by start.
func DaySlots(tx *gorm.DB, bayID, date string) ([]models.ServiceSlot, error) {
	var slots []models.ServiceSlot
	err := tx.Where("bay_id = ? AND slot_date = ?", bayID, date).
		Order("starts_at ASC").
		Find(&slots).Error
	return slots, err
}

// LockedDaySlots is DaySlots with row locks where supported.
func LockedDaySlots(tx *gorm.DB, bayID, date string) ([]models.ServiceSlot, error) {
	return DaySlots(ForUpdate(tx), bayID, date)
}

// BookingSlots returns the BOOKED slots of a booking ordered by start.
func BookingSlots(tx *gorm.DB, bookingID string) ([]models.ServiceSlot, error) {
	var slots []models.ServiceSlot
	err := tx.Where("booking_id = ? AND status = ?", bookingID, models.SlotStatusBooked).
		Order("starts_at ASC").
		Find(&slots).Error
	return slots, err
}

// QueueEntries returns the queue of a bay/date in position order.
func QueueEntries(tx *gorm.DB, bayID, date string) ([]models.BayQueueEntry, error) {
	var entries []models.BayQueueEntry
	err := tx.Where("bay_id = ? AND queue_date = ?", bayID, date).
		Order("position ASC").
		Find(&entries).Error
	return entries, err
}

// QueueEntryByBooking finds the queue entry holding a booking.
func QueueEntryByBooking(tx *gorm.DB, bookingID string) (*models.BayQueueEntry, error) {
	var entry models.BayQueueEntry
	if err := tx.First(&entry, "booking_id = ?", bookingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("queue entry for booking %s: %w", bookingID, ErrNotFound)
		}
		return nil, err
	}
	return &entry, nil
}

// ActiveJob returns the in-progress service job of a booking, if any.
func ActiveJob(tx *gorm.DB, bookingID string) (*models.ServiceJob, error) {
	var job models.ServiceJob
	err := tx.Where("booking_id = ? AND status = ?", bookingID, models.JobStatusInProgress).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// RunningJobs returns the in-progress walk-in jobs of a bay/date.
func RunningJobs(tx *gorm.DB, bayID, date string) ([]models.ServiceJob, error) {
	var jobs []models.ServiceJob
	err := tx.Where("bay_id = ? AND job_date = ? AND status = ?", bayID, date, models.JobStatusInProgress).
		Order("started_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// BusyUntil returns when the bay is free of its current job: the later of
// now, the expected end of an in-progress walk-in job, and the end of the
// booked span covering now.
func BusyUntil(tx *gorm.DB, bayID, date string, now time.Time) (time.Time, error) {
	busy := now

	jobs, err := RunningJobs(tx, bayID, date)
	if err != nil {
		return time.Time{}, err
	}
	for _, job := range jobs {
		if !job.StartedAt.After(now) && job.ExpectedEndAt.After(busy) {
			busy = job.ExpectedEndAt
		}
	}

	slots, err := DaySlots(tx, bayID, date)
	if err != nil {
		return time.Time{}, err
	}
	if end, ok := BookedSpanEnd(slots, now); ok && end.After(busy) {
		busy = end
	}
	return busy, nil
}

// BookedSpanEnd finds the BOOKED slot containing at and follows contiguous
// slots of the same booking to the end of its span. slots must be ordered.
func BookedSpanEnd(slots []models.ServiceSlot, at time.Time) (time.Time, bool) {
	for i := range slots {
		s := &slots[i]
		if s.Status != models.SlotStatusBooked || s.BookingID == nil {
			continue
		}
		if at.Before(s.StartsAt) || !at.Before(s.EndsAt) {
			continue
		}
		end := s.EndsAt
		for j := i + 1; j < len(slots); j++ {
			next := &slots[j]
			if next.Status != models.SlotStatusBooked || next.BookingID == nil ||
				*next.BookingID != *s.BookingID || !next.StartsAt.Equal(end) {
				break
			}
			end = next.EndsAt
		}
		return end, true
	}
	return time.Time{}, false
}

// NextFit returns the earliest instant at or after from where need fits
// without touching a BOOKED or CLOSED slot. slots must be ordered.
func NextFit(slots []models.ServiceSlot, from time.Time, need time.Duration) time.Time {
	at := from
	for _, s := range slots {
		if s.Status != models.SlotStatusBooked && s.Status != models.SlotStatusClosed {
			continue
		}
		if !s.EndsAt.After(at) {
			continue
		}
		if !s.StartsAt.Before(at.Add(need)) {
			break
		}
		at = s.EndsAt
	}
	return at
}
