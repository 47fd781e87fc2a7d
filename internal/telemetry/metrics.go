/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bayline"

// HTTP API metrics.
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_active_connections",
		Help:      "In-flight HTTP requests.",
	})

	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_websocket_connections",
		Help:      "Open queue stream websockets.",
	})
)

// Database metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "database_query_duration_seconds",
		Help:      "Database operation latency by operation and table.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "database_errors_total",
		Help:      "Database errors by operation.",
	}, []string{"operation", "kind"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_connections_active",
		Help:      "Open database connections.",
	})
)

// Leader election metrics.
var (
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader_election_status",
		Help:      "1 when this instance holds generation leadership.",
	}, []string{"instance_id"})

	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_election_changes_total",
		Help:      "Leadership acquisitions and losses.",
	}, []string{"instance_id", "change"})
)

// Scheduling metrics.
var (
	SlotsGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slots_generated_total",
		Help:      "Slots created by daily or pattern generation.",
	}, []string{"branch_id", "source"})

	BookingAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "booking_attempts_total",
		Help:      "bookSlot outcomes.",
	}, []string{"result"})

	ReclaimedMinutesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaimed_minutes_total",
		Help:      "Minutes returned to the calendar by early completion.",
	}, []string{"branch_id"})

	SlotsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slots_expired_total",
		Help:      "Slots moved to EXPIRED by the sweeper.",
	})

	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Walk-in queue length per bay for the current date.",
	}, []string{"bay_id"})

	RecommendationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recommendations_total",
		Help:      "recommendBay outcomes.",
	}, []string{"outcome"})

	GenerationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_runs_total",
		Help:      "Scheduled generation passes by result.",
	}, []string{"result"})
)

// Webhook metrics.
var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Outbound webhook deliveries by event and result.",
	}, []string{"event", "result"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
