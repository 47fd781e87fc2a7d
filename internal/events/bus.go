/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventSlotsGenerated     EventType = "slots.generated"
	EventSlotBooked         EventType = "slot.booked"
	EventSlotReleased       EventType = "slot.released"
	EventSlotsReclaimed     EventType = "slot.reclaimed"
	EventSlotClosed         EventType = "slot.closed"
	EventSlotReopened       EventType = "slot.reopened"
	EventQueueUpdated       EventType = "queue.updated"
	EventQueueTransfer      EventType = "queue.transfer"
	EventQueueStarted       EventType = "queue.started"
	EventWalkInAssigned     EventType = "walkin.assigned"
	EventBayStatusChanged   EventType = "bay.status_changed"
	EventBranchUpdated      EventType = "cache.branch_updated"
	EventBayUpdated         EventType = "cache.bay_updated"
	EventPatternRuleApplied EventType = "schedule.pattern_applied"
)

// All lists every event type, used by bridges that forward the whole stream.
var All = []EventType{
	EventSlotsGenerated,
	EventSlotBooked,
	EventSlotReleased,
	EventSlotsReclaimed,
	EventSlotClosed,
	EventSlotReopened,
	EventQueueUpdated,
	EventQueueTransfer,
	EventQueueStarted,
	EventWalkInAssigned,
	EventBayStatusChanged,
	EventBranchUpdated,
	EventBayUpdated,
	EventPatternRuleApplied,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is implemented by every bus flavour.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Broker is a Publisher that also supports subscriptions.
type Broker interface {
	Publisher
	Subscribe(eventType EventType) Subscriber
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 32)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers without blocking on slow readers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}

// Types lists event types that currently have at least one subscriber.
func (b *Bus) Types() []EventType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]EventType, 0, len(b.subs))
	for eventType, subs := range b.subs {
		if len(subs) > 0 {
			types = append(types, eventType)
		}
	}
	return types
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(EventType, Payload) {}
