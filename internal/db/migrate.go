/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/models"
)

// Models lists every persisted model in migration order.
func Models() []any {
	return []any{
		// Branch directory mirror
		&models.Branch{},
		&models.BranchHours{},
		&models.ServiceBay{},

		// Calendar
		&models.ServiceSlot{},
		&models.PatternRule{},

		// Walk-ins
		&models.BayQueueEntry{},
		&models.ServiceJob{},

		&models.AuditLog{},

		// Outbound notifications
		&models.WebhookTarget{},
		&models.WebhookLog{},
	}
}

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyPostgresSlotOverlapGuard(database)
}

// applyPostgresSlotOverlapGuard rejects overlapping slots for one bay and
// date at the database level. Callers shrink a slot before inserting the
// piece split off it.
func applyPostgresSlotOverlapGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION prevent_bay_slot_overlap()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  IF NEW.ends_at <= NEW.starts_at THEN
    RAISE EXCEPTION 'slot end must be after start'
      USING ERRCODE = '23514';
  END IF;

  IF EXISTS (
    SELECT 1
    FROM service_slots s
    WHERE s.bay_id = NEW.bay_id
      AND s.slot_date = NEW.slot_date
      AND s.id <> NEW.id
      AND tstzrange(s.starts_at, s.ends_at, '[)') && tstzrange(NEW.starts_at, NEW.ends_at, '[)')
  ) THEN
    RAISE EXCEPTION 'overlapping slots are not allowed for bay % on %', NEW.bay_id, NEW.slot_date
      USING ERRCODE = '23514';
  END IF;

  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_bay_slot_overlap ON service_slots;

CREATE TRIGGER trg_prevent_bay_slot_overlap
BEFORE INSERT OR UPDATE OF bay_id, slot_date, starts_at, ends_at
ON service_slots
FOR EACH ROW
EXECUTE FUNCTION prevent_bay_slot_overlap();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres slot overlap guard: %w", err)
	}
	return nil
}
