/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/bayline/internal/queue"
	"github.com/friendsincode/bayline/internal/recommend"
)

func (a *API) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	var req recommend.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BranchID = chi.URLParam(r, "branchID")

	rec, err := a.svc.Recommender.RecommendBay(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleWalkIn queues a walk-in. Running out of bays is an answer, not a failure.
func (a *API) handleWalkIn(w http.ResponseWriter, r *http.Request) {
	var req recommend.AssignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BranchID = chi.URLParam(r, "branchID")

	assignment, err := a.svc.Recommender.AssignWalkIn(r.Context(), req)
	if errors.Is(err, recommend.ErrNoBayAvailable) {
		writeJSON(w, http.StatusOK, map[string]any{
			"no_bay_available": true,
			"booking_id":       req.BookingID,
			"reason":           err.Error(),
		})
		return
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleBayQueue(w http.ResponseWriter, r *http.Request) {
	bayID := chi.URLParam(r, "bayID")
	date, err := a.dateOrToday(r, r.URL.Query().Get("date"), bayID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	snap, err := a.svc.Queue.GetBayQueue(r.Context(), bayID, date)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type startNextRequest struct {
	Date string `json:"date"`
}

func (a *API) handleStartNext(w http.ResponseWriter, r *http.Request) {
	var req startNextRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	bayID := chi.URLParam(r, "bayID")
	date, err := a.dateOrToday(r, req.Date, bayID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	job, err := a.svc.Queue.StartNext(r.Context(), bayID, date)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req queue.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.svc.Queue.TransferBooking(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
