/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/telemetry"
)

// streamEvents are forwarded to queue board clients.
var streamEvents = []events.EventType{
	events.EventQueueUpdated,
	events.EventQueueTransfer,
	events.EventQueueStarted,
	events.EventWalkInAssigned,
	events.EventSlotBooked,
	events.EventSlotReleased,
	events.EventSlotsReclaimed,
	events.EventBayStatusChanged,
}

type streamMessage struct {
	Type    events.EventType `json:"type"`
	Payload events.Payload   `json:"payload"`
}

// handleQueueStream pushes queue and slot events of one branch over a websocket.
func (a *API) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchID")

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	// Clients never send; CloseRead cancels ctx once they disconnect.
	ctx := conn.CloseRead(r.Context())

	merged := make(chan streamMessage, 64)
	for _, eventType := range streamEvents {
		sub := a.svc.Bus.Subscribe(eventType)
		defer a.svc.Bus.Unsubscribe(eventType, sub)
		go forward(ctx, eventType, sub, merged)
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case msg := <-merged:
			if id, _ := msg.Payload["branch_id"].(string); id != branchID {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				a.logger.Error().Err(err).Msg("encode stream event")
				continue
			}
			if err := conn.Write(ctx, ws.MessageText, data); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func forward(ctx context.Context, eventType events.EventType, sub events.Subscriber, out chan<- streamMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			select {
			case out <- streamMessage{Type: eventType, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}
