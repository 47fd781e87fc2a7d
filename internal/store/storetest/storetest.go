/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storetest provides in-memory databases and fixtures for tests.
package storetest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/bayline/internal/db"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/store"
)

// OpenDB returns a migrated in-memory sqlite database.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Every :memory: connection is its own database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

// Open returns a store over a fresh in-memory database.
func Open(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()
	database := OpenDB(t)
	return store.New(database, nil, zerolog.Nop()), database
}

// Branch creates a UTC branch open 08:00-12:00 with 30 minute slots.
func Branch(t *testing.T, database *gorm.DB, mutate ...func(*models.Branch)) *models.Branch {
	t.Helper()
	b := &models.Branch{
		ID:          uuid.NewString(),
		Code:        "BR-" + uuid.NewString()[:8],
		Name:        "Harbour Road",
		Timezone:    "UTC",
		OpensAt:     "08:00",
		ClosesAt:    "12:00",
		SlotMinutes: 30,
		Active:      true,
	}
	for _, fn := range mutate {
		fn(b)
	}
	if err := database.Create(b).Error; err != nil {
		t.Fatalf("create branch: %v", err)
	}
	return b
}

// Bay creates an open bay at branch with the given code.
func Bay(t *testing.T, database *gorm.DB, branchID, code string, mutate ...func(*models.ServiceBay)) *models.ServiceBay {
	t.Helper()
	bay := &models.ServiceBay{
		ID:              uuid.NewString(),
		BranchID:        branchID,
		Code:            code,
		Name:            "Bay " + code,
		Status:          models.BayStatusOpen,
		AcceptsBookings: true,
		Active:          true,
	}
	for _, fn := range mutate {
		fn(bay)
	}
	if err := database.Create(bay).Error; err != nil {
		t.Fatalf("create bay: %v", err)
	}
	return bay
}

// Slot inserts a slot directly, bypassing the calendar.
func Slot(t *testing.T, database *gorm.DB, bay *models.ServiceBay, start, end time.Time, status models.SlotStatus) *models.ServiceSlot {
	t.Helper()
	s := &models.ServiceSlot{
		ID:       uuid.NewString(),
		BranchID: bay.BranchID,
		BayID:    bay.ID,
		SlotDate: start.UTC().Format(models.DateLayout),
		StartsAt: start.UTC(),
		EndsAt:   end.UTC(),
		Category: models.CategoryNormal,
		Status:   status,
	}
	if err := database.Create(s).Error; err != nil {
		t.Fatalf("create slot: %v", err)
	}
	return s
}

// At builds a UTC instant on date at HH:MM.
func At(t *testing.T, date, clock string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", date+" "+clock)
	if err != nil {
		t.Fatalf("parse %s %s: %v", date, clock, err)
	}
	return ts.UTC()
}
