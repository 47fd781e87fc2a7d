/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/friendsincode/bayline/internal/audit"
	"github.com/friendsincode/bayline/internal/models"
)

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if a.svc.Audit == nil {
		writeError(w, http.StatusNotFound, "audit_disabled")
		return
	}

	filters, ok := parseAuditFilters(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_filters")
		return
	}

	logs, total, err := a.svc.Audit.Query(r.Context(), filters)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to query audit logs")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"audit_logs": logs,
		"total":      total,
		"limit":      filters.Limit,
		"offset":     filters.Offset,
	})
}

func parseAuditFilters(r *http.Request) (audit.QueryFilters, bool) {
	q := r.URL.Query()
	filters := audit.QueryFilters{Limit: 100}

	if branchID := q.Get("branch_id"); branchID != "" {
		filters.BranchID = &branchID
	}
	if bayID := q.Get("bay_id"); bayID != "" {
		filters.BayID = &bayID
	}
	if action := q.Get("action"); action != "" {
		act := models.AuditAction(action)
		filters.Action = &act
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filters, false
		}
		filters.StartTime = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filters, false
		}
		filters.EndTime = &t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return filters, false
		}
		if n > 1000 {
			n = 1000
		}
		filters.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filters, false
		}
		filters.Offset = n
	}
	return filters, true
}

func (a *API) handleGenerationLast(w http.ResponseWriter, r *http.Request) {
	if a.svc.Runner == nil {
		writeError(w, http.StatusNotFound, "generation_disabled")
		return
	}
	report := a.svc.Runner.Last()
	if report == nil {
		writeError(w, http.StatusNotFound, "no_run_yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
