/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (a *API) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	if a.svc.Webhooks == nil {
		writeError(w, http.StatusNotFound, "webhooks_disabled")
		return
	}
	targets, err := a.svc.Webhooks.List(r.Context(), chi.URLParam(r, "branchID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": targets})
}

// handleWebhookCreate returns the signing secret once; it is never listed.
func (a *API) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	if a.svc.Webhooks == nil {
		writeError(w, http.StatusNotFound, "webhooks_disabled")
		return
	}
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	target, err := a.svc.Webhooks.Register(r.Context(), chi.URLParam(r, "branchID"), req.URL, req.Events)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"webhook": target,
		"secret":  target.Secret,
	})
}

func (a *API) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if a.svc.Webhooks == nil {
		writeError(w, http.StatusNotFound, "webhooks_disabled")
		return
	}
	if err := a.svc.Webhooks.Delete(r.Context(), chi.URLParam(r, "webhookID")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	if a.svc.Webhooks == nil {
		writeError(w, http.StatusNotFound, "webhooks_disabled")
		return
	}
	target, err := a.svc.Webhooks.Get(r.Context(), chi.URLParam(r, "webhookID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if err := a.svc.Webhooks.TestWebhook(r.Context(), target); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "delivery_failed", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}
