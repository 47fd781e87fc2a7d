package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventSlotBooked)
	other := bus.Subscribe(EventQueueUpdated)

	bus.Publish(EventSlotBooked, Payload{"booking_id": "b-1"})

	select {
	case p := <-sub:
		if p["booking_id"] != "b-1" {
			t.Fatalf("payload booking_id = %v, want b-1", p["booking_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case p := <-other:
		t.Fatalf("unrelated subscriber received %v", p)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventSlotBooked)
	bus.Unsubscribe(EventSlotBooked, sub)

	if _, ok := <-sub; ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}

	// publishing after unsubscribe must not panic
	bus.Publish(EventSlotBooked, Payload{})
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventQueueUpdated)

	for i := 0; i < cap(sub)+10; i++ {
		bus.Publish(EventQueueUpdated, Payload{"n": i})
	}
	if len(sub) != cap(sub) {
		t.Fatalf("buffered events = %d, want %d", len(sub), cap(sub))
	}
}

func TestBusTypes(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventSlotBooked)
	bus.Subscribe(EventQueueUpdated)
	bus.Unsubscribe(EventSlotBooked, sub)

	types := bus.Types()
	if len(types) != 1 || types[0] != EventQueueUpdated {
		t.Fatalf("Types() = %v, want [%s]", types, EventQueueUpdated)
	}
}
