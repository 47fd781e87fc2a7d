package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/store/storetest"
)

func TestServiceRecordsSubscribedEvents(t *testing.T) {
	database := storetest.OpenDB(t)
	bus := events.NewBus()
	clk := clock.NewManual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	svc := NewService(database, bus, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	// subscriptions are registered asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for len(bus.Types()) < len(Actions) {
		if time.Now().After(deadline) {
			t.Fatal("audit service did not subscribe in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.EventSlotBooked, events.Payload{
		"booking_id": "bk-1",
		"branch_id":  "br-1",
		"bay_id":     "bay-1",
		"slot_date":  "2026-03-10",
	})
	bus.Publish(events.EventBayStatusChanged, events.Payload{
		"branch_id": "br-1",
		"bay_id":    "bay-2",
		"to":        "CLOSED",
	})
	// not audited
	bus.Publish(events.EventQueueUpdated, events.Payload{"branch_id": "br-1"})

	var logs []models.AuditLog
	var total int64
	for time.Now().Before(deadline.Add(2 * time.Second)) {
		var err error
		logs, total, err = svc.Query(context.Background(), QueryFilters{})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if total >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if total != 2 {
		t.Fatalf("audit entries = %d, want 2", total)
	}

	byAction := make(map[models.AuditAction]models.AuditLog)
	for _, l := range logs {
		byAction[l.Action] = l
	}

	booked, ok := byAction[models.AuditActionSlotBook]
	if !ok {
		t.Fatalf("missing %s entry: %+v", models.AuditActionSlotBook, logs)
	}
	if booked.ResourceType != "booking" || booked.ResourceID != "bk-1" {
		t.Fatalf("resource = %s/%s, want booking/bk-1", booked.ResourceType, booked.ResourceID)
	}
	if booked.BayID == nil || *booked.BayID != "bay-1" {
		t.Fatalf("bay_id = %v, want bay-1", booked.BayID)
	}
	if booked.Details["slot_date"] != "2026-03-10" {
		t.Fatalf("details = %v", booked.Details)
	}
	if !booked.Timestamp.Equal(clk.Now()) {
		t.Fatalf("timestamp = %v, want %v", booked.Timestamp, clk.Now())
	}

	status := byAction[models.AuditActionBayStatus]
	if status.ResourceType != "bay" || status.ResourceID != "bay-2" {
		t.Fatalf("bay status resource = %s/%s", status.ResourceType, status.ResourceID)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if n := len(bus.Types()); n != 0 {
		t.Fatalf("subscriptions left after stop = %d", n)
	}
}

func TestQueryFilters(t *testing.T) {
	database := storetest.OpenDB(t)
	clk := clock.NewManual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	svc := NewService(database, events.NewBus(), clk, zerolog.Nop())
	ctx := context.Background()

	branchA, branchB := "br-a", "br-b"
	for i, e := range []struct {
		branch string
		action models.AuditAction
	}{
		{branchA, models.AuditActionSlotBook},
		{branchA, models.AuditActionSlotRelease},
		{branchB, models.AuditActionSlotBook},
	} {
		branch := e.branch
		if err := svc.Log(ctx, &models.AuditLog{
			BranchID:  &branch,
			Action:    e.action,
			Timestamp: clk.Now().Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	book := models.AuditActionSlotBook
	from := clk.Now().Add(30 * time.Second)
	tests := []struct {
		name    string
		filters QueryFilters
		want    int64
	}{
		{"all", QueryFilters{}, 3},
		{"branch", QueryFilters{BranchID: &branchA}, 2},
		{"action", QueryFilters{Action: &book}, 2},
		{"branch and action", QueryFilters{BranchID: &branchA, Action: &book}, 1},
		{"since", QueryFilters{StartTime: &from}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, total, err := svc.Query(ctx, tt.filters)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if total != tt.want {
				t.Fatalf("total = %d, want %d", total, tt.want)
			}
		})
	}

	logs, _, err := svc.Query(ctx, QueryFilters{Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != models.AuditActionSlotBook || *logs[0].BranchID != branchB {
		t.Fatalf("latest entry = %+v, want branch b booking", logs)
	}
}
