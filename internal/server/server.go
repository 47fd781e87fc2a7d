/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/api"
	"github.com/friendsincode/bayline/internal/config"
	"github.com/friendsincode/bayline/internal/db"
	"github.com/friendsincode/bayline/internal/generation"
	"github.com/friendsincode/bayline/internal/leadership"
	"github.com/friendsincode/bayline/internal/telemetry"
	"github.com/friendsincode/bayline/internal/version"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	core              *Core
	api               *api.API
	leaderGeneration  *generation.LeaderAware
	election          leaderStatus
	updateChecker     *version.Checker
	connMetricsPeriod time.Duration

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// leaderStatus is the part of the election reported by /healthz.
type leaderStatus interface {
	IsLeader() bool
	InstanceID() string
	GetLeader(ctx context.Context) (string, error)
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("bayline-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(timeoutUnlessStreaming(60 * time.Second))

	srv := &Server{
		cfg:               cfg,
		logger:            logger,
		router:            router,
		connMetricsPeriod: 30 * time.Second,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// The queue stream is long lived; the middleware timeout covers the rest.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

// timeoutUnlessStreaming applies chi's timeout to everything except
// websocket upgrades.
func timeoutUnlessStreaming(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(d)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			timeout.ServeHTTP(w, r)
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	core, err := NewCore(s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.core = core
	s.DeferClose(core.Close)

	if s.cfg.PatternFile != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res, err := core.ImportPatterns(ctx, s.cfg.PatternFile)
		cancel()
		if err != nil {
			return fmt.Errorf("import pattern file %s: %w", s.cfg.PatternFile, err)
		}
		s.logger.Info().
			Str("path", s.cfg.PatternFile).
			Int("branches", res.Branches).
			Int("bays", res.Bays).
			Int("rules", res.Rules).
			Msg("pattern file imported")
	}

	// Setup leader-aware generation if leader election is enabled
	if s.cfg.LeaderElectionEnabled {
		electionConfig := leadership.ElectionConfig{
			RedisAddr:       s.cfg.RedisAddr,
			RedisPassword:   s.cfg.RedisPassword,
			RedisDB:         s.cfg.RedisDB,
			ElectionKey:     "bayline:leader:generation",
			LeaseDuration:   15 * time.Second,
			RenewalInterval: 5 * time.Second,
			RetryInterval:   2 * time.Second,
			InstanceID:      s.cfg.InstanceID,
		}

		election, err := leadership.NewElection(electionConfig, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}

		s.election = election
		s.leaderGeneration = generation.NewLeaderAware(core.Runner, election, s.logger)
		s.DeferClose(s.leaderGeneration.Stop)

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", electionConfig.InstanceID).
			Msg("leader election enabled for generation")
	}

	if s.cfg.UpdateCheckEnabled {
		s.updateChecker = version.NewChecker(version.CheckerConfig{}, s.logger)
	}

	s.api = api.New(api.Services{
		Store:       core.Store,
		Calendar:    core.Calendar,
		Allocator:   core.Allocator,
		Reclaimer:   core.Reclaimer,
		Queue:       core.Queue,
		Recommender: core.Recommender,
		Directory:   core.Directory,
		Audit:       core.Audit,
		Runner:      core.Runner,
		Policy:      core.Policy,
		Clock:       core.Clock,
		Bus:         core.Bus,
		Webhooks:    core.Webhooks,
	}, []byte(s.cfg.JWTSigningKey), s.logger)

	return nil
}

// HTTPServer returns the configured HTTP server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases resources.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// DeferClose registers a closer executed during shutdown.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.core.Audit.Start(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.core.Webhooks.Start(ctx)
	}()

	if s.leaderGeneration != nil {
		if err := s.leaderGeneration.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to start leader-aware generation")
		}
	} else {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.core.Runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("generation loop exited")
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(s.connMetricsPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.core.DB)
			}
		}
	}()

	if s.updateChecker != nil {
		s.updateChecker.Start(ctx)
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	if s.updateChecker != nil {
		s.updateChecker.Stop()
	}
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", telemetry.Handler())
	s.api.Routes(s.router)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := fmt.Sprintf(`{"status":"ok","version":%q`, version.Version)

	// Add leader status if leader election is enabled
	if s.election != nil {
		response += fmt.Sprintf(`,"leader":%t,"instance_id":%q`, s.election.IsLeader(), s.election.InstanceID())
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		leaderID, err := s.election.GetLeader(ctx)
		cancel()
		if err != nil {
			s.logger.Debug().Err(err).Msg("leader lookup failed")
		} else if leaderID != "" {
			response += fmt.Sprintf(`,"leader_id":%q`, leaderID)
		}
	}

	if s.updateChecker != nil {
		if rel := s.updateChecker.Latest(); rel.Newer {
			response += fmt.Sprintf(`,"latest_version":%q`, rel.Latest)
		}
	}

	response += `}`
	_, _ = w.Write([]byte(response))
}
