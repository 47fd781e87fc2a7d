/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue keeps the per-bay walk-in queues and their time estimates.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/baylock"
	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/telemetry"
)

var (
	// ErrInvalidTransfer means the booking is not queued on the source bay
	// or cannot move to the target.
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrBayBusy means the bay already has a job in progress.
	ErrBayBusy = errors.New("bay busy")
)

const tracerName = "bayline/queue"

// Config tunes queue ordering.
type Config struct {
	// OvertakeEqualPriority lets FLEET and VIP arrivals go ahead of waiting
	// entries of the same rank.
	OvertakeEqualPriority bool
}

// Manager owns the walk-in queues.
type Manager struct {
	store  *store.Store
	bus    events.Publisher
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger
}

// NewManager creates a queue manager.
func NewManager(st *store.Store, bus events.Publisher, clk clock.Clock, cfg Config, logger zerolog.Logger) *Manager {
	if bus == nil {
		bus = events.Nop{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Manager{
		store:  st,
		bus:    bus,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// OvertakeEqualPriority reports the configured ordering rule.
func (m *Manager) OvertakeEqualPriority() bool {
	return m.cfg.OvertakeEqualPriority
}

// Snapshot is a bay queue with estimates computed at read time.
type Snapshot struct {
	BayID            string                 `json:"bay_id"`
	Date             string                 `json:"date"`
	BusyUntil        time.Time              `json:"busy_until"`
	ComputedAt       time.Time              `json:"computed_at"`
	TotalWaitMinutes int                    `json:"total_wait_minutes"`
	Entries          []models.BayQueueEntry `json:"entries"`
}

// GetBayQueue returns the queue of a bay/date in position order with fresh
// estimates. Nothing is written.
func (m *Manager) GetBayQueue(ctx context.Context, bayID, date string) (*Snapshot, error) {
	if date == "" {
		return nil, fmt.Errorf("date is required: %w", slots.ErrInvalidRequest)
	}
	db := m.store.DB(ctx)
	if _, err := store.GetBay(db, bayID); err != nil {
		return nil, err
	}
	return m.snapshot(db, bayID, date, m.clock.Now())
}

func (m *Manager) snapshot(tx *gorm.DB, bayID, date string, now time.Time) (*Snapshot, error) {
	entries, err := store.QueueEntries(tx, bayID, date)
	if err != nil {
		return nil, err
	}
	busy, err := store.BusyUntil(tx, bayID, date, now)
	if err != nil {
		return nil, err
	}
	ComputeETAs(entries, now, busy)
	return &Snapshot{
		BayID:            bayID,
		Date:             date,
		BusyUntil:        busy,
		ComputedAt:       now,
		TotalWaitMinutes: int(WaitAhead(entries, len(entries)) / time.Minute),
		Entries:          entries,
	}, nil
}

// RecalculateTx renumbers the queue of a bay/date and persists fresh
// estimates. Callers hold the bay/date section.
func (m *Manager) RecalculateTx(tx *gorm.DB, bayID, date string, now time.Time) error {
	snap, err := m.snapshot(tx, bayID, date, now)
	if err != nil {
		return err
	}
	if err := persist(tx, snap.Entries); err != nil {
		return err
	}
	telemetry.QueueLength.WithLabelValues(bayID).Set(float64(len(snap.Entries)))
	return nil
}

func persist(tx *gorm.DB, entries []models.BayQueueEntry) error {
	for i := range entries {
		e := &entries[i]
		if err := tx.Model(&models.BayQueueEntry{}).
			Where("id = ?", e.ID).
			Updates(map[string]any{
				"bay_id":                  e.BayID,
				"position":                e.Position,
				"estimated_start_at":      e.EstimatedStartAt,
				"estimated_completion_at": e.EstimatedCompletionAt,
			}).Error; err != nil {
			return fmt.Errorf("update queue entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// EnqueueRequest adds a walk-in to a bay queue.
type EnqueueRequest struct {
	BayID           string          `json:"bay_id"`
	Date            string          `json:"date"`
	BookingID       string          `json:"booking_id"`
	DurationMinutes int             `json:"duration_minutes"`
	Priority        models.Category `json:"priority"`
	ServiceType     string          `json:"service_type,omitempty"`
}

// Enqueue inserts the walk-in honouring priority and recomputes the queue.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (entry *models.BayQueueEntry, err error) {
	ctx, finish := telemetry.Track(ctx, tracerName, "queue.enqueue", map[string]any{
		"bay_id": req.BayID, "date": req.Date, "booking_id": req.BookingID,
	})
	defer func() { finish(err) }()

	if req.BookingID == "" || req.Date == "" || req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("booking id, date and positive duration are required: %w", slots.ErrInvalidRequest)
	}

	now := m.clock.Now()
	var length int
	err = m.store.WithBayDay(ctx, req.BayID, req.Date, func(tx *gorm.DB) error {
		bay, err := store.GetBay(tx, req.BayID)
		if err != nil {
			return err
		}
		if !bay.AcceptsWalkIns() {
			return fmt.Errorf("bay %s is %s: %w", bay.ID, bay.Status, slots.ErrBayUnavailable)
		}
		if !bay.Supports(req.ServiceType) {
			return fmt.Errorf("bay %s does not handle %q: %w", bay.ID, req.ServiceType, slots.ErrBayUnavailable)
		}

		if _, err := store.QueueEntryByBooking(tx, req.BookingID); err == nil {
			return fmt.Errorf("booking %s already queued: %w", req.BookingID, slots.ErrAlreadyAllocated)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		entries, err := store.QueueEntries(store.ForUpdate(tx), req.BayID, req.Date)
		if err != nil {
			return err
		}
		idx := InsertIndex(entries, req.Priority, m.cfg.OvertakeEqualPriority)

		created := models.BayQueueEntry{
			ID:              uuid.NewString(),
			BranchID:        bay.BranchID,
			BayID:           bay.ID,
			QueueDate:       req.Date,
			BookingID:       req.BookingID,
			Position:        idx + 1,
			DurationMinutes: req.DurationMinutes,
			Priority:        req.Priority.Normalize(),
			ServiceType:     req.ServiceType,
			EnqueuedAt:      now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}

		ordered := make([]models.BayQueueEntry, 0, len(entries)+1)
		ordered = append(ordered, entries[:idx]...)
		ordered = append(ordered, created)
		ordered = append(ordered, entries[idx:]...)

		busy, err := store.BusyUntil(tx, bay.ID, req.Date, now)
		if err != nil {
			return err
		}
		ComputeETAs(ordered, now, busy)
		if err := persist(tx, ordered); err != nil {
			return err
		}
		entry = &ordered[idx]
		length = len(ordered)
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.QueueLength.WithLabelValues(req.BayID).Set(float64(length))
	m.publishUpdated(entry.BranchID, req.BayID, req.Date, length)
	m.logger.Info().
		Str("booking_id", req.BookingID).
		Str("bay_id", req.BayID).
		Int("position", entry.Position).
		Time("estimated_start_at", entry.EstimatedStartAt).
		Msg("walk-in queued")
	return entry, nil
}

// TransferRequest moves a queued booking to another bay. Position is
// 1-based; nil appends.
type TransferRequest struct {
	FromBayID string `json:"from_bay_id"`
	ToBayID   string `json:"to_bay_id"`
	BookingID string `json:"booking_id"`
	Position  *int   `json:"position,omitempty"`
}

// TransferResult reports both queues after a transfer.
type TransferResult struct {
	Entry  models.BayQueueEntry   `json:"entry"`
	Source []models.BayQueueEntry `json:"source"`
	Target []models.BayQueueEntry `json:"target"`
}

// TransferBooking removes the booking from the source queue and inserts it
// into the target, recomputing both queues in one transaction.
func (m *Manager) TransferBooking(ctx context.Context, req TransferRequest) (result *TransferResult, err error) {
	ctx, finish := telemetry.Track(ctx, tracerName, "queue.transfer", map[string]any{
		"from_bay_id": req.FromBayID, "to_bay_id": req.ToBayID, "booking_id": req.BookingID,
	})
	defer func() { finish(err) }()

	entry, err := store.QueueEntryByBooking(m.store.DB(ctx), req.BookingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("booking %s is not queued: %w", req.BookingID, ErrInvalidTransfer)
		}
		return nil, err
	}
	if entry.BayID != req.FromBayID {
		return nil, fmt.Errorf("booking %s is not queued on bay %s: %w", req.BookingID, req.FromBayID, ErrInvalidTransfer)
	}
	date := entry.QueueDate
	keys := []baylock.Key{store.Key(req.FromBayID, date), store.Key(req.ToBayID, date)}

	now := m.clock.Now()
	result = &TransferResult{}
	err = m.store.WithBayDays(ctx, keys, func(tx *gorm.DB) error {
		current, err := store.QueueEntryByBooking(tx, req.BookingID)
		if err != nil || current.BayID != req.FromBayID {
			return fmt.Errorf("booking %s left bay %s: %w", req.BookingID, req.FromBayID, ErrInvalidTransfer)
		}

		target, err := store.GetBay(tx, req.ToBayID)
		if err != nil {
			return err
		}
		if target.BranchID != current.BranchID {
			return fmt.Errorf("bay %s belongs to another branch: %w", target.ID, ErrInvalidTransfer)
		}
		if !target.AcceptsWalkIns() || !target.Supports(current.ServiceType) {
			return fmt.Errorf("bay %s cannot take the booking: %w", target.ID, slots.ErrBayUnavailable)
		}

		targetEntries, err := store.QueueEntries(store.ForUpdate(tx), target.ID, date)
		if err != nil {
			return err
		}
		others := targetEntries[:0]
		for _, e := range targetEntries {
			if e.ID != current.ID {
				others = append(others, e)
			}
		}

		idx := len(others)
		if req.Position != nil {
			if *req.Position < 1 {
				return fmt.Errorf("position %d: %w", *req.Position, slots.ErrInvalidRequest)
			}
			if *req.Position-1 < idx {
				idx = *req.Position - 1
			}
		}

		moved := *current
		moved.BayID = target.ID
		ordered := make([]models.BayQueueEntry, 0, len(others)+1)
		ordered = append(ordered, others[:idx]...)
		ordered = append(ordered, moved)
		ordered = append(ordered, others[idx:]...)

		busy, err := store.BusyUntil(tx, target.ID, date, now)
		if err != nil {
			return err
		}
		ComputeETAs(ordered, now, busy)
		if err := persist(tx, ordered); err != nil {
			return err
		}

		if req.FromBayID != req.ToBayID {
			if err := m.RecalculateTx(tx, req.FromBayID, date, now); err != nil {
				return err
			}
		}

		result.Entry = ordered[idx]
		result.Target = ordered
		if result.Source, err = store.QueueEntries(tx, req.FromBayID, date); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.QueueLength.WithLabelValues(req.ToBayID).Set(float64(len(result.Target)))
	m.bus.Publish(events.EventQueueTransfer, events.Payload{
		"booking_id":  req.BookingID,
		"branch_id":   result.Entry.BranchID,
		"from_bay_id": req.FromBayID,
		"to_bay_id":   req.ToBayID,
		"queue_date":  date,
		"position":    result.Entry.Position,
	})
	m.publishUpdated(result.Entry.BranchID, req.FromBayID, date, len(result.Source))
	if req.FromBayID != req.ToBayID {
		m.publishUpdated(result.Entry.BranchID, req.ToBayID, date, len(result.Target))
	}
	m.logger.Info().
		Str("booking_id", req.BookingID).
		Str("from_bay_id", req.FromBayID).
		Str("to_bay_id", req.ToBayID).
		Int("position", result.Entry.Position).
		Msg("walk-in transferred")
	return result, nil
}

// Remove drops a queued booking, for example on cancellation.
func (m *Manager) Remove(ctx context.Context, bookingID string) (*models.BayQueueEntry, error) {
	entry, err := store.QueueEntryByBooking(m.store.DB(ctx), bookingID)
	if err != nil {
		return nil, err
	}

	var length int
	err = m.store.WithBayDay(ctx, entry.BayID, entry.QueueDate, func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND bay_id = ?", entry.ID, entry.BayID).Delete(&models.BayQueueEntry{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("queue entry for booking %s: %w", bookingID, store.ErrNotFound)
		}
		if err := m.RecalculateTx(tx, entry.BayID, entry.QueueDate, m.clock.Now()); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.BayQueueEntry{}).
			Where("bay_id = ? AND queue_date = ?", entry.BayID, entry.QueueDate).
			Count(&n).Error; err != nil {
			return err
		}
		length = int(n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publishUpdated(entry.BranchID, entry.BayID, entry.QueueDate, length)
	m.logger.Info().Str("booking_id", bookingID).Str("bay_id", entry.BayID).Msg("walk-in removed")
	return entry, nil
}

// StartNext turns the head of the queue into an in-progress service job.
// The job books the bay's OPEN slots from now until its expected end, so
// the allocator stops offering that time. It fails with ErrBayBusy when
// another job runs or a booked or closed slot falls inside that span.
func (m *Manager) StartNext(ctx context.Context, bayID, date string) (*models.ServiceJob, error) {
	if date == "" {
		return nil, fmt.Errorf("date is required: %w", slots.ErrInvalidRequest)
	}

	now := m.clock.Now().Truncate(time.Second)
	var job *models.ServiceJob
	var length int
	err := m.store.WithBayDay(ctx, bayID, date, func(tx *gorm.DB) error {
		if _, err := store.GetBay(tx, bayID); err != nil {
			return err
		}
		running, err := store.RunningJobs(tx, bayID, date)
		if err != nil {
			return err
		}
		if len(running) > 0 {
			return fmt.Errorf("bay %s: %w", bayID, ErrBayBusy)
		}

		entries, err := store.QueueEntries(store.ForUpdate(tx), bayID, date)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("queue of bay %s on %s is empty: %w", bayID, date, store.ErrNotFound)
		}
		head := entries[0]

		job = &models.ServiceJob{
			ID:            uuid.NewString(),
			BranchID:      head.BranchID,
			BayID:         bayID,
			JobDate:       date,
			BookingID:     head.BookingID,
			StartedAt:     now,
			ExpectedEndAt: now.Add(head.Duration()),
			Status:        models.JobStatusInProgress,
		}
		if _, err := slots.HoldTx(tx, bayID, date, head.BookingID, job.StartedAt, job.ExpectedEndAt); err != nil {
			if errors.Is(err, slots.ErrSlotConflict) {
				return fmt.Errorf("bay %s: %w: %w", bayID, ErrBayBusy, err)
			}
			return err
		}
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.BayQueueEntry{}, "id = ?", head.ID).Error; err != nil {
			return err
		}
		length = len(entries) - 1
		return m.RecalculateTx(tx, bayID, date, now)
	})
	if err != nil {
		return nil, err
	}

	m.bus.Publish(events.EventQueueStarted, events.Payload{
		"booking_id":      job.BookingID,
		"branch_id":       job.BranchID,
		"bay_id":          bayID,
		"queue_date":      date,
		"expected_end_at": job.ExpectedEndAt,
	})
	m.publishUpdated(job.BranchID, bayID, date, length)
	m.logger.Info().Str("booking_id", job.BookingID).Str("bay_id", bayID).Msg("walk-in service started")
	return job, nil
}

func (m *Manager) publishUpdated(branchID, bayID, date string, length int) {
	m.bus.Publish(events.EventQueueUpdated, events.Payload{
		"branch_id":  branchID,
		"bay_id":     bayID,
		"queue_date": date,
		"length":     length,
	})
}
