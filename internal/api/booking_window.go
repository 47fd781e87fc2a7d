/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/friendsincode/bayline/internal/bookingpolicy"
)

type windowResponse struct {
	Mode        bookingpolicy.Mode        `json:"mode"`
	MonthlyMode bookingpolicy.MonthlyMode `json:"monthly_mode,omitempty"`
	Today       string                    `json:"today"`
	From        string                    `json:"from"`
	To          string                    `json:"to"`
}

func (a *API) window() windowResponse {
	p := a.svc.Policy
	now := a.svc.Clock.Now()
	win := p.Window(now)
	resp := windowResponse{
		Mode:  p.Mode,
		Today: bookingpolicy.FormatDate(p.DateOf(now)),
		From:  bookingpolicy.FormatDate(win.From),
		To:    bookingpolicy.FormatDate(win.To),
	}
	if resp.Mode == "" {
		resp.Mode = bookingpolicy.ModeMonthly
	}
	if resp.Mode == bookingpolicy.ModeMonthly {
		resp.MonthlyMode = p.MonthlyMode
		if resp.MonthlyMode == "" {
			resp.MonthlyMode = bookingpolicy.MonthlyCurrentAndNext
		}
	}
	return resp
}

func (a *API) handleBookingWindow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.window())
}

// handleBookingWindowCheck answers whether a date is bookable today.
func (a *API) handleBookingWindowCheck(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "date_required")
		return
	}
	date, err := a.svc.Policy.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return
	}

	win := a.window()
	resp := map[string]any{
		"date":      raw,
		"available": a.svc.Policy.IsDateAvailableForBooking(date, a.svc.Clock.Now()),
		"from":      win.From,
		"to":        win.To,
	}
	if err := a.svc.Policy.ValidateBookingDate(date, a.svc.Clock.Now()); err != nil {
		resp["reason"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
