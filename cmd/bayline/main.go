/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/bayline/internal/config"
	"github.com/friendsincode/bayline/internal/logging"
	"github.com/friendsincode/bayline/internal/server"
	"github.com/friendsincode/bayline/internal/telemetry"
	"github.com/friendsincode/bayline/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bayline",
	Short: "bayline - service bay scheduling",
	Long:  "bayline keeps the slot calendar, bookings and walk-in queues of service bays across branches.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bayline server",
	Long:  "Start the HTTP API server and the scheduled slot generation loop",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bayline version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

// openCore wires the scheduling services for one-shot commands.
func openCore() (*server.Core, error) {
	if err := loadConfig(); err != nil {
		return nil, err
	}
	core, err := server.NewCore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize services: %w", err)
	}
	return core, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Msg("bayline starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "bayline",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	httpServer := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("bayline stopped")
	return nil
}
