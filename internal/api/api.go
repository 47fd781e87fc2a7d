/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/audit"
	"github.com/friendsincode/bayline/internal/auth"
	"github.com/friendsincode/bayline/internal/bookingpolicy"
	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/directory"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/generation"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/queue"
	"github.com/friendsincode/bayline/internal/recommend"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/webhooks"
)

// Services are the collaborators behind the HTTP handlers. Audit, Runner and
// Webhooks are optional; their routes answer 404 when nil.
type Services struct {
	Store       *store.Store
	Calendar    *slots.Calendar
	Allocator   *slots.Allocator
	Reclaimer   *slots.Reclaimer
	Queue       *queue.Manager
	Recommender *recommend.Recommender
	Directory   *directory.Service
	Audit       *audit.Service
	Runner      *generation.Runner
	Policy      bookingpolicy.Policy
	Clock       clock.Clock
	Bus         events.Broker
	Webhooks    *webhooks.Service
}

// API exposes HTTP handlers.
type API struct {
	svc       Services
	jwtSecret []byte
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(svc Services, jwtSecret []byte, logger zerolog.Logger) *API {
	if svc.Clock == nil {
		svc.Clock = clock.NewSystem()
	}
	if svc.Bus == nil {
		svc.Bus = events.NewBus()
	}
	return &API{
		svc:       svc,
		jwtSecret: jwtSecret,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts every handler under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))

			pr.Get("/booking-window", a.handleBookingWindow)
			pr.Get("/booking-window/check", a.handleBookingWindowCheck)

			pr.Get("/branches", a.handleBranchesList)
			pr.Route("/branches/{branchID}", func(r chi.Router) {
				r.Use(a.branchScope)

				r.Get("/", a.handleBranchGet)
				r.Get("/bays", a.handleBranchBays)
				r.With(auth.RequireRole(auth.RoleAdmin)).Put("/", a.handleBranchUpsert)
				r.With(auth.RequireRole(auth.RoleAdmin)).Put("/bays/{bayID}", a.handleBayUpsert)
				r.With(auth.RequireRole(auth.RoleAdmin)).Get("/webhooks", a.handleWebhookList)
				r.With(auth.RequireRole(auth.RoleAdmin)).Post("/webhooks", a.handleWebhookCreate)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleDispatcher))
					r.Get("/availability", a.handleAvailability)
					r.Get("/expandable-slots", a.handleExpandableSlots)
					r.Post("/schedule/generate", a.handleGenerate)
					r.Post("/schedule/patterns", a.handleGeneratePattern)
					r.Post("/schedule/rules/apply", a.handleApplyRules)
					r.Post("/recommendation", a.handleRecommendation)
					r.Post("/walk-ins", a.handleWalkIn)
					r.Get("/queue/stream", a.handleQueueStream)
				})
			})

			pr.Route("/bays/{bayID}", func(r chi.Router) {
				r.Use(a.bayScope, auth.RequireRole(auth.RoleDispatcher))

				r.Post("/bookings", a.handleBook)
				r.Get("/slots", a.handleListSlots)
				r.Get("/statistics", a.handleStatistics)
				r.Get("/queue", a.handleBayQueue)
				r.Post("/queue/start", a.handleStartNext)
				r.With(auth.RequireRole(auth.RoleAdmin)).Patch("/status", a.handleBayStatus)
			})

			pr.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleDispatcher))
				r.Delete("/bookings/{bookingID}", a.handleRelease)
				r.Post("/bookings/{bookingID}/complete", a.handleComplete)
				r.Post("/slots/{slotID}/close", a.handleSlotClose)
				r.Post("/slots/{slotID}/reopen", a.handleSlotReopen)
				r.Post("/queue/transfers", a.handleTransfer)
			})

			pr.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/audit", a.handleAuditList)
				r.Get("/generation/last", a.handleGenerationLast)
				r.Delete("/webhooks/{webhookID}", a.handleWebhookDelete)
				r.Post("/webhooks/{webhookID}/test", a.handleWebhookTest)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// branchScope rejects tokens scoped to other branches.
func (a *API) branchScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := auth.ClaimsFromContext(r.Context()); ok && !claims.CanAccessBranch(chi.URLParam(r, "branchID")) {
			writeError(w, http.StatusForbidden, "branch_forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bayScope resolves the bay's branch and applies the same check.
func (a *API) bayScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok || len(claims.BranchIDs) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		bay, err := store.GetBay(a.svc.Store.DB(r.Context()), chi.URLParam(r, "bayID"))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		if !claims.CanAccessBranch(bay.BranchID) {
			writeError(w, http.StatusForbidden, "branch_forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// today returns the current date in the timezone of the bay's branch.
func (a *API) bayToday(r *http.Request, bayID string) (string, error) {
	db := a.svc.Store.DB(r.Context())
	bay, err := store.GetBay(db, bayID)
	if err != nil {
		return "", err
	}
	branch, err := store.GetBranch(db, bay.BranchID)
	if err != nil {
		return "", err
	}
	return a.svc.Clock.Now().In(branch.Location()).Format(models.DateLayout), nil
}

func (a *API) dateOrToday(r *http.Request, value, bayID string) (string, error) {
	if value != "" {
		return value, nil
	}
	return a.bayToday(r, bayID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

// writeServiceError maps domain errors onto status codes and snake_case codes.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var window *bookingpolicy.OutOfWindowError
	switch {
	case errors.As(err, &window):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  "out_of_window",
			"date":   bookingpolicy.FormatDate(window.Date),
			"from":   bookingpolicy.FormatDate(window.From),
			"to":     bookingpolicy.FormatDate(window.To),
			"detail": err.Error(),
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, queue.ErrBayBusy):
		writeError(w, http.StatusConflict, "bay_busy")
	case errors.Is(err, slots.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict")
	case errors.Is(err, slots.ErrAlreadyAllocated):
		writeError(w, http.StatusConflict, "already_allocated")
	case errors.Is(err, queue.ErrInvalidTransfer):
		writeError(w, http.StatusConflict, "invalid_transfer")
	case errors.Is(err, slots.ErrBayUnavailable):
		writeError(w, http.StatusConflict, "bay_unavailable")
	case errors.Is(err, slots.ErrInvalidRequest), errors.Is(err, webhooks.ErrInvalidTarget):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "detail": err.Error()})
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func queryInt(r *http.Request, key string) (*int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
