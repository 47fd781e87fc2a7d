/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"strings"
	"time"
)

// DateLayout is the calendar date format used for slot and queue keys.
const DateLayout = "2006-01-02"

// SlotStatus is the lifecycle state of a ServiceSlot.
type SlotStatus string

const (
	SlotStatusOpen    SlotStatus = "OPEN"
	SlotStatusBooked  SlotStatus = "BOOKED"
	SlotStatusClosed  SlotStatus = "CLOSED"
	SlotStatusExpired SlotStatus = "EXPIRED"
)

// Category is the priority class of a slot or a walk-in.
type Category string

const (
	CategoryNormal Category = "NORMAL"
	CategoryFleet  Category = "FLEET"
	CategoryVIP    Category = "VIP"
)

// Rank orders categories; higher ranks are served first.
func (c Category) Rank() int {
	switch Category(strings.ToUpper(string(c))) {
	case CategoryVIP:
		return 20
	case CategoryFleet:
		return 10
	default:
		return 0
	}
}

// Normalize returns the canonical upper-case category, defaulting to NORMAL.
func (c Category) Normalize() Category {
	if c == "" {
		return CategoryNormal
	}
	return Category(strings.ToUpper(string(c)))
}

// ServiceSlot is a bookable interval on one bay for one calendar date.
type ServiceSlot struct {
	ID            string     `gorm:"type:uuid;primaryKey" json:"id"`
	BranchID      string     `gorm:"type:uuid;index:idx_service_slots_branch_date;not null" json:"branch_id"`
	BayID         string     `gorm:"type:uuid;index:idx_service_slots_bay_date;not null" json:"bay_id"`
	SlotDate      string     `gorm:"type:varchar(10);index:idx_service_slots_bay_date;index:idx_service_slots_branch_date;not null" json:"slot_date"`
	StartsAt      time.Time  `gorm:"not null" json:"starts_at"`
	EndsAt        time.Time  `gorm:"not null" json:"ends_at"`
	Category      Category   `gorm:"type:varchar(16);not null;default:'NORMAL'" json:"category"`
	PriorityOrder int        `gorm:"not null;default:0" json:"priority_order"`
	Status        SlotStatus `gorm:"type:varchar(16);index;not null;default:'OPEN'" json:"status"`
	BookingID     *string    `gorm:"type:varchar(64);index:idx_service_slots_booking" json:"booking_id,omitempty"`
	ReclaimedAt   *time.Time `json:"reclaimed_at,omitempty"` // set when early completion reopened this interval
	ClosedReason  string     `gorm:"type:varchar(255)" json:"closed_reason"`
	Version       int        `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ServiceSlot) TableName() string {
	return "service_slots"
}

// Duration returns the slot length.
func (s *ServiceSlot) Duration() time.Duration {
	return s.EndsAt.Sub(s.StartsAt)
}

// Overlaps reports whether the slot intersects [start, end).
func (s *ServiceSlot) Overlaps(start, end time.Time) bool {
	return s.StartsAt.Before(end) && start.Before(s.EndsAt)
}

// PatternRule is a stored recurring generation rule for a branch.
type PatternRule struct {
	ID            string   `gorm:"type:uuid;primaryKey" json:"id"`
	BranchID      string   `gorm:"type:uuid;index:idx_pattern_rules_branch;not null" json:"branch_id"`
	Name          string   `gorm:"type:varchar(255)" json:"name"`
	RRule         string   `gorm:"type:text" json:"rrule"` // empty means every day
	StartTime     string   `gorm:"type:varchar(5);not null" json:"start_time"`
	EndTime       string   `gorm:"type:varchar(5);not null" json:"end_time"`
	Category      Category `gorm:"type:varchar(16);not null;default:'NORMAL'" json:"category"`
	PriorityOrder int      `gorm:"not null;default:0" json:"priority_order"`
	BayIDs        []string `gorm:"type:jsonb;serializer:json" json:"bay_ids,omitempty"` // empty means every active bay
	Active        bool     `gorm:"not null" json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (PatternRule) TableName() string {
	return "pattern_rules"
}
