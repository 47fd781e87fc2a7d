/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/bayline/internal/auth"
	"github.com/friendsincode/bayline/internal/directory"
	"github.com/friendsincode/bayline/internal/models"
)

func (a *API) handleBranchesList(w http.ResponseWriter, r *http.Request) {
	branches, err := a.svc.Directory.ListBranches(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		visible := branches[:0]
		for _, b := range branches {
			if claims.CanAccessBranch(b.ID) {
				visible = append(visible, b)
			}
		}
		branches = visible
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (a *API) handleBranchGet(w http.ResponseWriter, r *http.Request) {
	branch, err := a.svc.Directory.Branch(r.Context(), chi.URLParam(r, "branchID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branch)
}

func (a *API) handleBranchBays(w http.ResponseWriter, r *http.Request) {
	bays, err := a.svc.Directory.BranchBays(r.Context(), chi.URLParam(r, "branchID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bays": bays})
}

func (a *API) handleBranchUpsert(w http.ResponseWriter, r *http.Request) {
	var in directory.BranchInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.ID = chi.URLParam(r, "branchID")

	branch, err := a.svc.Directory.UpsertBranch(r.Context(), in)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branch)
}

func (a *API) handleBayUpsert(w http.ResponseWriter, r *http.Request) {
	var in directory.BayInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.BranchID = chi.URLParam(r, "branchID")
	in.ID = chi.URLParam(r, "bayID")

	bay, err := a.svc.Directory.UpsertBay(r.Context(), in)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bay)
}

type bayStatusRequest struct {
	Status models.BayStatus `json:"status"`
}

func (a *API) handleBayStatus(w http.ResponseWriter, r *http.Request) {
	var req bayStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	bay, err := a.svc.Directory.SetBayStatus(r.Context(), chi.URLParam(r, "bayID"), req.Status)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bay)
}
