/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/telemetry"
)

const startTimeKey = "telemetry:start_time"

// RegisterCallbacks records latency and error metrics for the CRUD and raw
// operations gorm executes.
func RegisterCallbacks(database *gorm.DB) error {
	cb := database.Callback()

	hooks := []struct {
		operation string
		before    func(name string, fn func(*gorm.DB)) error
		after     func(name string, fn func(*gorm.DB)) error
	}{
		{"query",
			func(n string, fn func(*gorm.DB)) error { return cb.Query().Before("gorm:query").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Query().After("gorm:query").Register(n, fn) }},
		{"create",
			func(n string, fn func(*gorm.DB)) error { return cb.Create().Before("gorm:create").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Create().After("gorm:create").Register(n, fn) }},
		{"update",
			func(n string, fn func(*gorm.DB)) error { return cb.Update().Before("gorm:update").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Update().After("gorm:update").Register(n, fn) }},
		{"delete",
			func(n string, fn func(*gorm.DB)) error { return cb.Delete().Before("gorm:delete").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Delete().After("gorm:delete").Register(n, fn) }},
		{"raw",
			func(n string, fn func(*gorm.DB)) error { return cb.Raw().Before("gorm:raw").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Raw().After("gorm:raw").Register(n, fn) }},
	}

	for _, h := range hooks {
		if err := h.before("telemetry:before_"+h.operation, beforeCallback); err != nil {
			return err
		}
		if err := h.after("telemetry:after_"+h.operation, afterCallback(h.operation)); err != nil {
			return err
		}
	}
	return nil
}

func beforeCallback(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func afterCallback(operation string) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		v, ok := tx.InstanceGet(startTimeKey)
		if !ok {
			return
		}
		started, ok := v.(time.Time)
		if !ok {
			return
		}

		table := tx.Statement.Table
		if table == "" {
			table = "unknown"
		}
		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(started).Seconds())

		if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, "query_error").Inc()
		}
	}
}

// UpdateConnectionMetrics publishes connection pool gauges. The server calls
// it on a ticker.
func UpdateConnectionMetrics(database *gorm.DB) {
	sqlDB, err := database.DB()
	if err != nil {
		return
	}
	telemetry.DatabaseConnectionsActive.Set(float64(sqlDB.Stats().OpenConnections))
}
