/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited scheduling action.
type AuditAction string

const (
	AuditActionScheduleGenerate AuditAction = "schedule.generate"
	AuditActionPatternApply     AuditAction = "schedule.pattern"
	AuditActionSlotBook         AuditAction = "slot.book"
	AuditActionSlotRelease      AuditAction = "slot.release"
	AuditActionSlotReclaim      AuditAction = "slot.reclaim"
	AuditActionSlotClose        AuditAction = "slot.close"
	AuditActionSlotReopen       AuditAction = "slot.reopen"
	AuditActionQueueEnqueue     AuditAction = "queue.enqueue"
	AuditActionQueueTransfer    AuditAction = "queue.transfer"
	AuditActionQueueStart       AuditAction = "queue.start"
	AuditActionBayStatus        AuditAction = "bay.status"
)

// AuditLog records a scheduling action for later review.
type AuditLog struct {
	ID           string         `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp    time.Time      `gorm:"index:idx_audit_timestamp;not null" json:"timestamp"`
	UserID       *string        `gorm:"type:varchar(64);index:idx_audit_user" json:"user_id,omitempty"` // NULL for system actions
	BranchID     *string        `gorm:"type:uuid;index:idx_audit_branch" json:"branch_id,omitempty"`
	BayID        *string        `gorm:"type:uuid;index:idx_audit_bay" json:"bay_id,omitempty"`
	Action       AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null" json:"action"`
	ResourceType string         `gorm:"type:varchar(64)" json:"resource_type"`
	ResourceID   string         `gorm:"type:varchar(64)" json:"resource_id"`
	Details      map[string]any `gorm:"type:jsonb;serializer:json" json:"details"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
