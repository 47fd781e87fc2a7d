/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BayStatus describes whether a bay can take work.
type BayStatus string

const (
	BayStatusOpen             BayStatus = "OPEN"
	BayStatusClosed           BayStatus = "CLOSED"
	BayStatusUnderMaintenance BayStatus = "UNDER_MAINTENANCE"
)

// Valid reports whether s is a known bay status.
func (s BayStatus) Valid() bool {
	switch s {
	case BayStatusOpen, BayStatusClosed, BayStatusUnderMaintenance:
		return true
	}
	return false
}

// Branch is a service centre location mirrored from the branch directory.
type Branch struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"id"`
	Code        string `gorm:"type:varchar(32);uniqueIndex" json:"code"`
	Name        string `gorm:"type:varchar(255);not null" json:"name"`
	Timezone    string `gorm:"type:varchar(64);not null;default:'UTC'" json:"timezone"`
	OpensAt     string `gorm:"type:varchar(5);not null;default:'08:00'" json:"opens_at"`  // HH:MM local
	ClosesAt    string `gorm:"type:varchar(5);not null;default:'18:00'" json:"closes_at"` // HH:MM local
	SlotMinutes int    `gorm:"not null;default:0" json:"slot_minutes"`                    // 0 uses the process default
	Active      bool   `gorm:"not null" json:"active"`

	Bays  []ServiceBay  `gorm:"foreignKey:BranchID" json:"bays,omitempty"`
	Hours []BranchHours `gorm:"foreignKey:BranchID" json:"hours,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Branch) TableName() string {
	return "branches"
}

// Location resolves the branch timezone, falling back to UTC.
func (b *Branch) Location() *time.Location {
	if b == nil || b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HoursFor returns the operating window for the weekday of date.
// ok is false when the branch is closed that day.
func (b *Branch) HoursFor(date time.Time) (opens, closes string, ok bool) {
	opens, closes = b.OpensAt, b.ClosesAt
	for _, h := range b.Hours {
		if h.Weekday != int(date.Weekday()) {
			continue
		}
		if h.Closed {
			return "", "", false
		}
		opens, closes = h.OpensAt, h.ClosesAt
		break
	}
	if opens == "" || closes == "" {
		return "", "", false
	}
	return opens, closes, true
}

// BranchHours overrides the default opening hours for one weekday.
type BranchHours struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"id"`
	BranchID string `gorm:"type:uuid;uniqueIndex:idx_branch_hours_day;not null" json:"branch_id"`
	Weekday  int    `gorm:"uniqueIndex:idx_branch_hours_day;not null" json:"weekday"` // 0 = Sunday
	OpensAt  string `gorm:"type:varchar(5)" json:"opens_at"`
	ClosesAt string `gorm:"type:varchar(5)" json:"closes_at"`
	Closed   bool   `gorm:"not null" json:"closed"`
}

// TableName returns the table name for GORM.
func (BranchHours) TableName() string {
	return "branch_hours"
}

// ServiceBay is a physical work position at a branch.
type ServiceBay struct {
	ID              string    `gorm:"type:uuid;primaryKey" json:"id"`
	BranchID        string    `gorm:"type:uuid;index:idx_service_bays_branch;not null" json:"branch_id"`
	Code            string    `gorm:"type:varchar(32);not null" json:"code"`
	Name            string    `gorm:"type:varchar(255)" json:"name"`
	Status          BayStatus `gorm:"type:varchar(32);not null;default:'OPEN'" json:"status"`
	AcceptsBookings bool      `gorm:"not null" json:"accepts_bookings"`
	ServiceTypes    []string  `gorm:"type:jsonb;serializer:json" json:"service_types,omitempty"` // empty means every service type
	Active          bool      `gorm:"not null" json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ServiceBay) TableName() string {
	return "service_bays"
}

// Eligible reports whether the bay may receive new work.
func (b *ServiceBay) Eligible() bool {
	return b.Active && b.Status == BayStatusOpen && b.AcceptsBookings
}

// AcceptsWalkIns reports whether the bay may take queued walk-ins. Walk-ins
// do not depend on the reservation flag.
func (b *ServiceBay) AcceptsWalkIns() bool {
	return b.Active && b.Status == BayStatusOpen
}

// Supports reports whether the bay handles the given service type.
func (b *ServiceBay) Supports(serviceType string) bool {
	if serviceType == "" || len(b.ServiceTypes) == 0 {
		return true
	}
	for _, t := range b.ServiceTypes {
		if strings.EqualFold(t, serviceType) {
			return true
		}
	}
	return false
}

// ParseClock parses an "HH:MM" wall clock value into minutes after midnight.
func ParseClock(value string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", value)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return h*60 + m, nil
}
