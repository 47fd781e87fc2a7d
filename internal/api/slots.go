/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
)

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	duration, err := queryInt(r, "duration")
	if err != nil || duration == nil {
		writeError(w, http.StatusBadRequest, "duration_required")
		return
	}
	fromHour, err := queryInt(r, "from_hour")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from_hour")
		return
	}
	toHour, err := queryInt(r, "to_hour")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to_hour")
		return
	}

	req := slots.SearchRequest{
		BranchID:        chi.URLParam(r, "branchID"),
		Date:            q.Get("date"),
		DurationMinutes: *duration,
		BayID:           q.Get("bay_id"),
		FromHour:        fromHour,
		ToHour:          toHour,
	}
	if req.Date == "" {
		writeError(w, http.StatusBadRequest, "date_required")
		return
	}

	results, err := a.svc.Allocator.FindAvailableSlots(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if results == nil {
		results = []slots.Availability{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"branch_id":        req.BranchID,
		"date":             req.Date,
		"duration_minutes": req.DurationMinutes,
		"slots":            results,
	})
}

func (a *API) handleBook(w http.ResponseWriter, r *http.Request) {
	var req slots.BookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BayID = chi.URLParam(r, "bayID")

	res, err := a.svc.Allocator.BookSlot(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleRelease cancels a booking: its slots reopen and any queue entry is dropped.
func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")

	released, err := a.svc.Allocator.ReleaseBooking(r.Context(), bookingID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.writeServiceError(w, err)
		return
	}

	removed := false
	if a.svc.Queue != nil {
		if _, qerr := a.svc.Queue.Remove(r.Context(), bookingID); qerr == nil {
			removed = true
		} else if !errors.Is(qerr, store.ErrNotFound) {
			a.writeServiceError(w, qerr)
			return
		}
	}

	if len(released) == 0 && !removed {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"booking_id":          bookingID,
		"released_slots":      len(released),
		"queue_entry_removed": removed,
	})
}

type completeRequest struct {
	CompletedAt *time.Time `json:"completed_at"`
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	actual := a.svc.Clock.Now()
	if req.CompletedAt != nil {
		actual = *req.CompletedAt
	}

	res, err := a.svc.Reclaimer.CompleteEarlyAndReleaseSlots(r.Context(), chi.URLParam(r, "bookingID"), actual)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req slots.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BranchID = chi.URLParam(r, "branchID")

	res, err := a.svc.Calendar.GenerateDailySchedule(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGeneratePattern(w http.ResponseWriter, r *http.Request) {
	var req slots.PatternRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BranchID = chi.URLParam(r, "branchID")

	res, err := a.svc.Calendar.GeneratePattern(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type applyRulesRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (a *API) handleApplyRules(w http.ResponseWriter, r *http.Request) {
	var req applyRulesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.svc.Calendar.ApplyPatternRules(r.Context(), chi.URLParam(r, "branchID"), req.From, req.To)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleListSlots(w http.ResponseWriter, r *http.Request) {
	bayID := chi.URLParam(r, "bayID")
	date, err := a.dateOrToday(r, r.URL.Query().Get("date"), bayID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	list, err := a.svc.Calendar.ListSlots(r.Context(), bayID, date)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bay_id": bayID, "date": date, "slots": list})
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	bayID := chi.URLParam(r, "bayID")
	date, err := a.dateOrToday(r, r.URL.Query().Get("date"), bayID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	stats, err := a.svc.Calendar.GetBaySlotStatistics(r.Context(), bayID, date)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type closeSlotRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleSlotClose(w http.ResponseWriter, r *http.Request) {
	var req closeSlotRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	slot, err := a.svc.Calendar.CloseSlot(r.Context(), chi.URLParam(r, "slotID"), req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (a *API) handleSlotReopen(w http.ResponseWriter, r *http.Request) {
	slot, err := a.svc.Calendar.ReopenSlot(r.Context(), chi.URLParam(r, "slotID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (a *API) handleExpandableSlots(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "date_required")
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from")
		return
	}
	start := a.svc.Clock.Now()
	if from != nil {
		start = *from
	}

	list, err := a.svc.Reclaimer.GetExpandableSlots(r.Context(), chi.URLParam(r, "branchID"), date, start)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "slots": list})
}
