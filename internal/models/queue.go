/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// BayQueueEntry is a walk-in waiting on a specific bay for a specific date.
type BayQueueEntry struct {
	ID                    string    `gorm:"type:uuid;primaryKey" json:"id"`
	BranchID              string    `gorm:"type:uuid;index;not null" json:"branch_id"`
	BayID                 string    `gorm:"type:uuid;index:idx_bay_queue_bay_date;not null" json:"bay_id"`
	QueueDate             string    `gorm:"type:varchar(10);index:idx_bay_queue_bay_date;not null" json:"queue_date"`
	BookingID             string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"booking_id"`
	Position              int       `gorm:"not null" json:"position"`
	DurationMinutes       int       `gorm:"not null" json:"duration_minutes"`
	Priority              Category  `gorm:"type:varchar(16);not null;default:'NORMAL'" json:"priority"`
	ServiceType           string    `gorm:"type:varchar(64)" json:"service_type"`
	EnqueuedAt            time.Time `gorm:"not null" json:"enqueued_at"`
	EstimatedStartAt      time.Time `json:"estimated_start_at"`
	EstimatedCompletionAt time.Time `json:"estimated_completion_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (BayQueueEntry) TableName() string {
	return "bay_queue_entries"
}

// Duration returns the expected service time of the entry.
func (e *BayQueueEntry) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// JobStatus tracks a walk-in that has left the queue.
type JobStatus string

const (
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// ServiceJob is a walk-in currently (or previously) being worked on at a bay.
type ServiceJob struct {
	ID            string     `gorm:"type:uuid;primaryKey" json:"id"`
	BranchID      string     `gorm:"type:uuid;index;not null" json:"branch_id"`
	BayID         string     `gorm:"type:uuid;index:idx_service_jobs_bay_date;not null" json:"bay_id"`
	JobDate       string     `gorm:"type:varchar(10);index:idx_service_jobs_bay_date;not null" json:"job_date"`
	BookingID     string     `gorm:"type:varchar(64);index;not null" json:"booking_id"`
	StartedAt     time.Time  `gorm:"not null" json:"started_at"`
	ExpectedEndAt time.Time  `gorm:"not null" json:"expected_end_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Status        JobStatus  `gorm:"type:varchar(16);index;not null" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ServiceJob) TableName() string {
	return "service_jobs"
}
