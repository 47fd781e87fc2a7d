/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webhooks forwards a branch's scheduling events to the HTTP
// endpoints registered for it.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/telemetry"
	"github.com/friendsincode/bayline/internal/version"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Bayline-Event"
	HeaderTimestamp = "X-Bayline-Timestamp"
	HeaderSignature = "X-Bayline-Signature"
)

// EventTest is sent by TestWebhook.
const EventTest = "test"

// Forwarded lists the event types delivered to webhook targets.
var Forwarded = []events.EventType{
	events.EventSlotBooked,
	events.EventSlotReleased,
	events.EventSlotsReclaimed,
	events.EventSlotClosed,
	events.EventSlotReopened,
	events.EventQueueUpdated,
	events.EventQueueTransfer,
	events.EventQueueStarted,
	events.EventWalkInAssigned,
	events.EventBayStatusChanged,
}

// ErrInvalidTarget is returned for a target without a usable URL.
var ErrInvalidTarget = errors.New("invalid webhook target")

// WebhookPayload is the body sent to webhook endpoints.
type WebhookPayload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	BranchID  string         `json:"branch_id"`
	Data      events.Payload `json:"data,omitempty"`
}

// Service handles webhook delivery.
type Service struct {
	db     *gorm.DB
	bus    events.Broker
	clock  clock.Clock
	logger zerolog.Logger
	client *http.Client

	inflight sync.WaitGroup
}

// NewService creates a new webhook service.
func NewService(db *gorm.DB, bus events.Broker, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{
		db:     db,
		bus:    bus,
		clock:  clk,
		logger: logger.With().Str("component", "webhooks").Logger(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Start forwards events until ctx is cancelled, then waits for in-flight
// deliveries.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("webhook service starting")

	var wg sync.WaitGroup
	for _, eventType := range Forwarded {
		sub := s.bus.Subscribe(eventType)
		wg.Add(1)
		go func(eventType events.EventType, sub events.Subscriber) {
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
					s.handleEvent(ctx, string(eventType), payload)
				}
			}
		}(eventType, sub)
	}

	wg.Wait()
	s.inflight.Wait()
	s.logger.Info().Msg("webhook service stopped")
}

// handleEvent fans one event out to the branch's subscribed targets.
func (s *Service) handleEvent(ctx context.Context, eventType string, payload events.Payload) {
	branchID, _ := payload["branch_id"].(string)
	if branchID == "" {
		return
	}

	var targets []models.WebhookTarget
	if err := s.db.WithContext(ctx).Where("branch_id = ? AND active = ?", branchID, true).Find(&targets).Error; err != nil {
		s.logger.Error().Err(err).Str("branch_id", branchID).Msg("failed to fetch webhooks")
		return
	}

	body, err := json.Marshal(WebhookPayload{
		Event:     eventType,
		Timestamp: s.clock.Now().UTC(),
		BranchID:  branchID,
		Data:      payload,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("failed to marshal webhook payload")
		return
	}

	for _, target := range targets {
		if !target.Handles(eventType) {
			continue
		}
		s.inflight.Add(1)
		go func(target models.WebhookTarget) {
			defer s.inflight.Done()
			_ = s.deliver(ctx, target, eventType, body)
		}(target)
	}
}

// deliver posts body to target and records the attempt.
func (s *Service) deliver(ctx context.Context, target models.WebhookTarget, eventType string, body []byte) error {
	started := time.Now()
	status, err := s.post(ctx, target, eventType, body)
	elapsed := int(time.Since(started).Milliseconds())

	result := "ok"
	if err == nil && (status < 200 || status >= 300) {
		err = fmt.Errorf("webhook returned status %d", status)
	}
	if err != nil {
		result = "error"
		s.logger.Warn().Err(err).Str("webhook", target.ID).Str("event", eventType).Msg("webhook delivery failed")
	} else {
		s.logger.Debug().Str("webhook", target.ID).Str("event", eventType).Int("status", status).Msg("webhook delivered")
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues(eventType, result).Inc()

	entry := &models.WebhookLog{
		ID:         uuid.NewString(),
		TargetID:   target.ID,
		Event:      eventType,
		Payload:    string(body),
		StatusCode: status,
		Duration:   elapsed,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	// The delivery context may already be cancelled during shutdown.
	if dbErr := s.db.WithContext(context.WithoutCancel(ctx)).Create(entry).Error; dbErr != nil {
		s.logger.Error().Err(dbErr).Msg("failed to log webhook delivery")
	}
	return err
}

func (s *Service) post(ctx context.Context, target models.WebhookTarget, eventType string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bayline-webhook/"+version.Version)
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", s.clock.Now().Unix()))
	if target.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, target.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Sign returns the HMAC-SHA256 signature of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Register stores a new target for a branch.
func (s *Service) Register(ctx context.Context, branchID, rawURL string, eventTypes []string) (*models.WebhookTarget, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be absolute http(s)", ErrInvalidTarget)
	}
	for _, e := range eventTypes {
		if !forwarded(e) {
			return nil, fmt.Errorf("%w: event %q is not forwarded", ErrInvalidTarget, e)
		}
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Branch{}).Where("id = ?", branchID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("branch %s: %w", branchID, store.ErrNotFound)
	}

	target := models.NewWebhookTarget(branchID, u.String(), eventTypes)
	if err := s.db.WithContext(ctx).Create(target).Error; err != nil {
		return nil, fmt.Errorf("create webhook target: %w", err)
	}
	return target, nil
}

func forwarded(eventType string) bool {
	for _, e := range Forwarded {
		if string(e) == eventType {
			return true
		}
	}
	return false
}

// List returns the targets of a branch.
func (s *Service) List(ctx context.Context, branchID string) ([]models.WebhookTarget, error) {
	var targets []models.WebhookTarget
	err := s.db.WithContext(ctx).Where("branch_id = ?", branchID).Order("created_at ASC").Find(&targets).Error
	return targets, err
}

// Get loads one target.
func (s *Service) Get(ctx context.Context, id string) (*models.WebhookTarget, error) {
	var target models.WebhookTarget
	err := s.db.WithContext(ctx).First(&target, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("webhook %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// Delete removes a target and its delivery log.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.WebhookTarget{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("webhook %s: %w", id, store.ErrNotFound)
		}
		return tx.Delete(&models.WebhookLog{}, "target_id = ?", id).Error
	})
}

// TestWebhook sends a test payload to a target synchronously.
func (s *Service) TestWebhook(ctx context.Context, target *models.WebhookTarget) error {
	body, err := json.Marshal(WebhookPayload{
		Event:     EventTest,
		Timestamp: s.clock.Now().UTC(),
		BranchID:  target.BranchID,
		Data:      events.Payload{"message": "This is a test webhook delivery"},
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.deliver(ctx, *target, EventTest, body)
}
