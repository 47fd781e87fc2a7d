/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/bayline/internal/config"
)

// Connect establishes a gorm DB connection for the configured backend.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.DBBackend {
	case config.DatabasePostgres:
		dialector = postgres.Open(cfg.DBDSN)
	case config.DatabaseMySQL:
		dialector = mysql.Open(cfg.DBDSN)
	case config.DatabaseSQLite:
		dialector = sqlite.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unknown database backend: %s", cfg.DBBackend)
	}

	logLevel := logger.Warn
	if cfg.Environment == "development" {
		logLevel = logger.Info
	}

	database, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}

	if cfg.DBBackend == config.DatabaseSQLite {
		// One writer at a time; also keeps :memory: databases on a single connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := RegisterCallbacks(database); err != nil {
		return nil, fmt.Errorf("register db callbacks: %w", err)
	}

	return database, nil
}

// Close releases database resources.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
