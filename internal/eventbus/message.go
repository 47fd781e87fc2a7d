/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/bayline/internal/events"
)

// SubjectPrefix namespaces every remote channel, subject and routing key.
const SubjectPrefix = "bayline.events."

// message is the envelope carried between instances.
type message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	msg := message{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	}
	return json.Marshal(msg)
}

func unmarshalMessage(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event message: %w", err)
	}
	if msg.EventType == "" {
		return nil, fmt.Errorf("unmarshal event message: missing event_type")
	}
	return &msg, nil
}

func subject(eventType events.EventType) string {
	return SubjectPrefix + string(eventType)
}

// NodeID returns hostname plus a random suffix, so two processes on one host never
// mistake each other's messages for their own echo.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bayline"
	}
	return host + "-" + uuid.NewString()[:8]
}

// deliver republishes a remote message on the local bus unless it is our own echo.
func deliver(local *events.Bus, nodeID string, data []byte) (bool, error) {
	msg, err := unmarshalMessage(data)
	if err != nil {
		return false, err
	}
	if msg.NodeID == nodeID {
		return false, nil
	}
	local.Publish(msg.EventType, msg.Payload)
	return true, nil
}
