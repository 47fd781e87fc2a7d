/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package recommend picks the bay that serves a walk-in soonest.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/queue"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/telemetry"
)

// ErrNoBayAvailable means no bay of the branch can take the walk-in.
var ErrNoBayAvailable = errors.New("no bay available")

const tracerName = "bayline/recommend"

// Weights scale the terms of a bay score. Lower scores win.
type Weights struct {
	Wait        float64 `json:"wait"`
	QueueLength float64 `json:"queue_length"`
	Utilization float64 `json:"utilization"`
}

// DefaultWeights ranks purely by estimated wait.
func DefaultWeights() Weights {
	return Weights{Wait: 1}
}

// BayLister returns the active bays of a branch.
type BayLister interface {
	BranchBays(ctx context.Context, branchID string) ([]models.ServiceBay, error)
}

// Recommender scores eligible bays for walk-ins.
type Recommender struct {
	store   *store.Store
	bays    BayLister
	queue   *queue.Manager
	bus     events.Publisher
	clock   clock.Clock
	weights Weights
	logger  zerolog.Logger
}

// New creates a recommender.
func New(st *store.Store, bays BayLister, q *queue.Manager, bus events.Publisher, clk clock.Clock, weights Weights, logger zerolog.Logger) *Recommender {
	if bus == nil {
		bus = events.Nop{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Recommender{
		store:   st,
		bays:    bays,
		queue:   q,
		bus:     bus,
		clock:   clk,
		weights: weights,
		logger:  logger.With().Str("component", "recommender").Logger(),
	}
}

// Request describes a walk-in looking for a bay. Date defaults to today in
// the branch timezone.
type Request struct {
	BranchID        string          `json:"branch_id"`
	ServiceType     string          `json:"service_type,omitempty"`
	DurationMinutes int             `json:"duration_minutes"`
	Priority        models.Category `json:"priority,omitempty"`
	Date            string          `json:"date,omitempty"`
}

// Candidate is the estimate for one bay.
type Candidate struct {
	BayID                 string    `json:"bay_id"`
	BayCode               string    `json:"bay_code"`
	BusyUntil             time.Time `json:"busy_until"`
	QueueLength           int       `json:"queue_length"`
	EntriesAhead          int       `json:"entries_ahead"`
	EstimatedStartAt      time.Time `json:"estimated_start_at"`
	EstimatedCompletionAt time.Time `json:"estimated_completion_at"`
	WaitMinutes           int       `json:"wait_minutes"`
	UtilizationPct        float64   `json:"utilization_pct"`
	Score                 float64   `json:"score"`

	queue []models.BayQueueEntry
}

// Recommendation is the chosen bay plus ranked alternatives.
type Recommendation struct {
	BranchID              string                 `json:"branch_id"`
	Date                  string                 `json:"date"`
	NoBayAvailable        bool                   `json:"no_bay_available"`
	BayID                 string                 `json:"bay_id,omitempty"`
	BayCode               string                 `json:"bay_code,omitempty"`
	EstimatedStartAt      time.Time              `json:"estimated_start_at,omitempty"`
	EstimatedCompletionAt time.Time              `json:"estimated_completion_at,omitempty"`
	EstimatedWaitMinutes  int                    `json:"estimated_wait_minutes"`
	Queue                 []models.BayQueueEntry `json:"queue,omitempty"`
	Reason                string                 `json:"reason"`
	Alternatives          []Candidate            `json:"alternatives,omitempty"`
}

// RecommendBay estimates every eligible bay and returns the lowest score.
// Ties go to the earlier estimated start, then the lower bay code. When no
// bay qualifies the result has NoBayAvailable set and a nil error.
func (r *Recommender) RecommendBay(ctx context.Context, req Request) (rec *Recommendation, err error) {
	ctx, finish := telemetry.Track(ctx, tracerName, "recommender.recommend", map[string]any{
		"branch_id": req.BranchID, "service_type": req.ServiceType, "duration_minutes": req.DurationMinutes,
	})
	defer func() {
		finish(err)
		telemetry.RecommendationsTotal.WithLabelValues(outcome(rec, err)).Inc()
	}()

	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("duration must be positive: %w", slots.ErrInvalidRequest)
	}

	db := r.store.DB(ctx)
	branch, err := store.GetBranch(db, req.BranchID)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	date := req.Date
	if date == "" {
		date = now.In(branch.Location()).Format(models.DateLayout)
	}

	bays, err := r.bays.BranchBays(ctx, branch.ID)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, bay := range bays {
		if !bay.AcceptsWalkIns() || !bay.Supports(req.ServiceType) {
			continue
		}
		c, err := r.estimate(ctx, bay, date, req, now)
		if err != nil {
			return nil, fmt.Errorf("estimate bay %s: %w", bay.ID, err)
		}
		candidates = append(candidates, c)
	}

	rec = &Recommendation{BranchID: branch.ID, Date: date}
	if len(candidates) == 0 {
		rec.NoBayAvailable = true
		rec.Reason = "no open bay in the branch handles this service"
		if req.ServiceType == "" {
			rec.Reason = "no open bay in the branch"
		}
		return rec, nil
	}

	Rank(candidates)
	best := candidates[0]
	rec.BayID = best.BayID
	rec.BayCode = best.BayCode
	rec.EstimatedStartAt = best.EstimatedStartAt
	rec.EstimatedCompletionAt = best.EstimatedCompletionAt
	rec.EstimatedWaitMinutes = best.WaitMinutes
	rec.Queue = best.queue
	rec.Reason = reason(best, candidates)
	rec.Alternatives = candidates[1:]
	return rec, nil
}

// estimate computes the wait on one bay for the request.
func (r *Recommender) estimate(ctx context.Context, bay models.ServiceBay, date string, req Request, now time.Time) (Candidate, error) {
	db := r.store.DB(ctx)
	entries, err := store.QueueEntries(db, bay.ID, date)
	if err != nil {
		return Candidate{}, err
	}
	busy, err := store.BusyUntil(db, bay.ID, date, now)
	if err != nil {
		return Candidate{}, err
	}
	daySlots, err := store.DaySlots(db, bay.ID, date)
	if err != nil {
		return Candidate{}, err
	}

	queue.ComputeETAs(entries, now, busy)
	ahead := queue.InsertIndex(entries, req.Priority, r.queue != nil && r.queue.OvertakeEqualPriority())
	need := time.Duration(req.DurationMinutes) * time.Minute
	// The walk-in cannot start where it would run into a booked or closed slot.
	start := store.NextFit(daySlots, queue.StartAfter(now, busy).Add(queue.WaitAhead(entries, ahead)), need)
	wait := int(start.Sub(now) / time.Minute)
	util := slots.Summarize(daySlots).UtilizationPct

	return Candidate{
		BayID:                 bay.ID,
		BayCode:               bay.Code,
		BusyUntil:             busy,
		QueueLength:           len(entries),
		EntriesAhead:          ahead,
		EstimatedStartAt:      start,
		EstimatedCompletionAt: start.Add(need),
		WaitMinutes:           wait,
		UtilizationPct:        util,
		Score:                 r.weights.Wait*float64(wait) + r.weights.QueueLength*float64(ahead) + r.weights.Utilization*util,
		queue:                 entries,
	}, nil
}

// Rank orders candidates best first.
func Rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if !a.EstimatedStartAt.Equal(b.EstimatedStartAt) {
			return a.EstimatedStartAt.Before(b.EstimatedStartAt)
		}
		return a.BayCode < b.BayCode
	})
}

func reason(best Candidate, all []Candidate) string {
	if len(all) == 1 {
		return fmt.Sprintf("bay %s is the only eligible bay; estimated wait %d min", best.BayCode, best.WaitMinutes)
	}
	if best.EntriesAhead == 0 && best.WaitMinutes == 0 {
		return fmt.Sprintf("bay %s is free now", best.BayCode)
	}
	return fmt.Sprintf("bay %s has the best score with an estimated wait of %d min and %d ahead",
		best.BayCode, best.WaitMinutes, best.EntriesAhead)
}

func outcome(rec *Recommendation, err error) string {
	switch {
	case err != nil:
		return "error"
	case rec != nil && rec.NoBayAvailable:
		return "no_bay"
	default:
		return "recommended"
	}
}

// AssignRequest recommends (or takes BayID) and queues the walk-in.
type AssignRequest struct {
	Request
	BookingID string `json:"booking_id"`
	BayID     string `json:"bay_id,omitempty"`
}

// Assignment is the queued walk-in plus the recommendation behind it.
type Assignment struct {
	Recommendation *Recommendation       `json:"recommendation,omitempty"`
	Entry          *models.BayQueueEntry `json:"entry"`
}

// AssignWalkIn queues the walk-in on the recommended or requested bay.
func (r *Recommender) AssignWalkIn(ctx context.Context, req AssignRequest) (*Assignment, error) {
	if req.BookingID == "" {
		return nil, fmt.Errorf("booking id is required: %w", slots.ErrInvalidRequest)
	}
	if r.queue == nil {
		return nil, fmt.Errorf("walk-in queue is not configured: %w", slots.ErrInvalidRequest)
	}

	out := &Assignment{}
	bayID := req.BayID
	date := req.Date
	if bayID == "" {
		rec, err := r.RecommendBay(ctx, req.Request)
		if err != nil {
			return nil, err
		}
		if rec.NoBayAvailable {
			return nil, fmt.Errorf("%s: %w", rec.Reason, ErrNoBayAvailable)
		}
		out.Recommendation = rec
		bayID = rec.BayID
		date = rec.Date
	} else {
		db := r.store.DB(ctx)
		bay, err := store.GetBay(db, bayID)
		if err != nil {
			return nil, err
		}
		if req.BranchID != "" && bay.BranchID != req.BranchID {
			return nil, fmt.Errorf("bay %s in branch %s: %w", bayID, req.BranchID, store.ErrNotFound)
		}
		if date == "" {
			branch, err := store.GetBranch(db, bay.BranchID)
			if err != nil {
				return nil, err
			}
			date = r.clock.Now().In(branch.Location()).Format(models.DateLayout)
		}
	}

	entry, err := r.queue.Enqueue(ctx, queue.EnqueueRequest{
		BayID:           bayID,
		Date:            date,
		BookingID:       req.BookingID,
		DurationMinutes: req.DurationMinutes,
		Priority:        req.Priority,
		ServiceType:     req.ServiceType,
	})
	if err != nil {
		if req.BayID == "" && errors.Is(err, slots.ErrBayUnavailable) {
			return nil, fmt.Errorf("%v: %w", err, ErrNoBayAvailable)
		}
		return nil, err
	}
	out.Entry = entry

	r.bus.Publish(events.EventWalkInAssigned, events.Payload{
		"booking_id":         req.BookingID,
		"branch_id":          entry.BranchID,
		"bay_id":             entry.BayID,
		"queue_date":         entry.QueueDate,
		"position":           entry.Position,
		"estimated_start_at": entry.EstimatedStartAt,
	})
	r.logger.Info().
		Str("booking_id", req.BookingID).
		Str("bay_id", entry.BayID).
		Int("position", entry.Position).
		Msg("walk-in assigned")
	return out, nil
}
