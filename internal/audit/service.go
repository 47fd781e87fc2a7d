/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
)

// Actions maps each audited event type to the action stored for it.
var Actions = map[events.EventType]models.AuditAction{
	events.EventSlotsGenerated:     models.AuditActionScheduleGenerate,
	events.EventPatternRuleApplied: models.AuditActionPatternApply,
	events.EventSlotBooked:         models.AuditActionSlotBook,
	events.EventSlotReleased:       models.AuditActionSlotRelease,
	events.EventSlotsReclaimed:     models.AuditActionSlotReclaim,
	events.EventSlotClosed:         models.AuditActionSlotClose,
	events.EventSlotReopened:       models.AuditActionSlotReopen,
	events.EventWalkInAssigned:     models.AuditActionQueueEnqueue,
	events.EventQueueTransfer:      models.AuditActionQueueTransfer,
	events.EventQueueStarted:       models.AuditActionQueueStart,
	events.EventBayStatusChanged:   models.AuditActionBayStatus,
}

// resourceKeys picks the identifier recorded as the entry's resource, first match wins.
var resourceKeys = []struct {
	key, kind string
}{
	{"booking_id", "booking"},
	{"slot_id", "slot"},
	{"bay_id", "bay"},
	{"branch_id", "branch"},
}

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    events.Broker
	clock  clock.Clock
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus events.Broker, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{
		db:     db,
		bus:    bus,
		clock:  clk,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to every audited event and blocks until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	var wg sync.WaitGroup
	for eventType, action := range Actions {
		sub := s.bus.Subscribe(eventType)
		wg.Add(1)
		go func(eventType events.EventType, action models.AuditAction, sub events.Subscriber) {
			defer wg.Done()
			defer s.bus.Unsubscribe(eventType, sub)
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					s.logAuditEntry(ctx, action, payload)
				}
			}
		}(eventType, action, sub)
	}

	s.logger.Info().Int("event_types", len(Actions)).Msg("audit service started")
	wg.Wait()
	s.logger.Info().Msg("audit service stopping")
}

// logAuditEntry creates an audit log entry from an event payload.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditLog{
		Action:  action,
		Details: make(map[string]any, len(payload)),
	}

	if userID, ok := payload["user_id"].(string); ok && userID != "" {
		entry.UserID = &userID
	}
	if branchID, ok := payload["branch_id"].(string); ok && branchID != "" {
		entry.BranchID = &branchID
	}
	if bayID, ok := payload["bay_id"].(string); ok && bayID != "" {
		entry.BayID = &bayID
	}
	for _, rk := range resourceKeys {
		if id, ok := payload[rk.key].(string); ok && id != "" {
			entry.ResourceType = rk.kind
			entry.ResourceID = id
			break
		}
	}

	for k, v := range payload {
		switch k {
		case "user_id", "branch_id", "bay_id":
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly (for non-event-bus actions).
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	now := s.clock.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	BranchID  *string
	BayID     *string
	Action    *models.AuditAction
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Query retrieves audit logs with filters, most recent first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.BranchID != nil {
		query = query.Where("branch_id = ?", *filters.BranchID)
	}
	if filters.BayID != nil {
		query = query.Where("bay_id = ?", *filters.BayID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("timestamp DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
