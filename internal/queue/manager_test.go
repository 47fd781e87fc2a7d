package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/queue"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/store/storetest"
)

const day = "2026-03-10"

type fixture struct {
	ctx    context.Context
	clock  *clock.Manual
	bus    *events.Bus
	mgr    *queue.Manager
	branch *models.Branch
	bayA   *models.ServiceBay
	bayB   *models.ServiceBay
}

func newFixture(t *testing.T, cfg queue.Config) *fixture {
	t.Helper()
	st, db := storetest.Open(t)
	f := &fixture{
		ctx:   context.Background(),
		clock: clock.NewManual(storetest.At(t, day, "09:00")),
		bus:   events.NewBus(),
	}
	f.branch = storetest.Branch(t, db)
	f.bayA = storetest.Bay(t, db, f.branch.ID, "A1")
	f.bayB = storetest.Bay(t, db, f.branch.ID, "B1", func(b *models.ServiceBay) {
		b.ServiceTypes = []string{"tyres"}
	})
	f.mgr = queue.NewManager(st, f.bus, f.clock, cfg, zerolog.Nop())
	return f
}

func (f *fixture) enqueue(t *testing.T, bay *models.ServiceBay, id string, minutes int, priority models.Category) *models.BayQueueEntry {
	t.Helper()
	e, err := f.mgr.Enqueue(f.ctx, queue.EnqueueRequest{
		BayID: bay.ID, Date: day, BookingID: id, DurationMinutes: minutes, Priority: priority,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	return e
}

func order(t *testing.T, f *fixture, bay *models.ServiceBay) []string {
	t.Helper()
	snap, err := f.mgr.GetBayQueue(f.ctx, bay.ID, day)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	var out []string
	for i, e := range snap.Entries {
		if e.Position != i+1 {
			t.Fatalf("positions must be dense, entry %d has %d", i, e.Position)
		}
		if i > 0 && e.EstimatedStartAt.Before(snap.Entries[i-1].EstimatedStartAt) {
			t.Fatalf("estimates must not decrease")
		}
		out = append(out, e.BookingID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnqueueOrdersByPriority(t *testing.T) {
	f := newFixture(t, queue.Config{})
	updates := f.bus.Subscribe(events.EventQueueUpdated)

	f.enqueue(t, f.bayA, "N-1", 30, models.CategoryNormal)
	f.enqueue(t, f.bayA, "N-2", 30, models.CategoryNormal)
	fleet := f.enqueue(t, f.bayA, "F-1", 20, models.CategoryFleet)
	f.enqueue(t, f.bayA, "F-2", 20, models.CategoryFleet)
	vip := f.enqueue(t, f.bayA, "V-1", 10, models.CategoryVIP)

	if fleet.Position != 1 || vip.Position != 1 {
		t.Fatalf("priority arrivals should go first, fleet %d vip %d", fleet.Position, vip.Position)
	}
	if got := order(t, f, f.bayA); !equal(got, []string{"V-1", "F-1", "F-2", "N-1", "N-2"}) {
		t.Fatalf("unexpected order %v", got)
	}

	select {
	case p := <-updates:
		if p["bay_id"] != f.bayA.ID {
			t.Fatalf("unexpected payload %v", p)
		}
	default:
		t.Fatal("expected a queue.updated event")
	}
}

func TestEnqueueOvertakeEqualPriority(t *testing.T) {
	f := newFixture(t, queue.Config{OvertakeEqualPriority: true})
	f.enqueue(t, f.bayA, "F-1", 20, models.CategoryFleet)
	f.enqueue(t, f.bayA, "F-2", 20, models.CategoryFleet)
	f.enqueue(t, f.bayA, "N-1", 20, models.CategoryNormal)
	f.enqueue(t, f.bayA, "N-2", 20, models.CategoryNormal)

	if got := order(t, f, f.bayA); !equal(got, []string{"F-2", "F-1", "N-1", "N-2"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestEnqueueRejections(t *testing.T) {
	f := newFixture(t, queue.Config{})
	f.enqueue(t, f.bayA, "N-1", 30, models.CategoryNormal)

	tests := []struct {
		name string
		req  queue.EnqueueRequest
		want error
	}{
		{"duplicate booking", queue.EnqueueRequest{BayID: f.bayB.ID, Date: day, BookingID: "N-1", DurationMinutes: 30}, slots.ErrAlreadyAllocated},
		{"missing duration", queue.EnqueueRequest{BayID: f.bayA.ID, Date: day, BookingID: "N-2"}, slots.ErrInvalidRequest},
		{"unsupported service", queue.EnqueueRequest{BayID: f.bayB.ID, Date: day, BookingID: "N-3", DurationMinutes: 30, ServiceType: "paint"}, slots.ErrBayUnavailable},
		{"unknown bay", queue.EnqueueRequest{BayID: "missing", Date: day, BookingID: "N-4", DurationMinutes: 30}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.mgr.Enqueue(f.ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTransferBooking(t *testing.T) {
	f := newFixture(t, queue.Config{})
	f.enqueue(t, f.bayA, "A-1", 30, models.CategoryNormal)
	f.enqueue(t, f.bayA, "A-2", 30, models.CategoryNormal)
	f.enqueue(t, f.bayA, "A-3", 30, models.CategoryNormal)
	f.enqueue(t, f.bayB, "B-1", 30, models.CategoryNormal)

	pos := 1
	res, err := f.mgr.TransferBooking(f.ctx, queue.TransferRequest{
		FromBayID: f.bayA.ID, ToBayID: f.bayB.ID, BookingID: "A-3", Position: &pos,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Entry.BayID != f.bayB.ID || res.Entry.Position != 1 {
		t.Fatalf("unexpected moved entry %+v", res.Entry)
	}
	if hhmm := res.Entry.EstimatedStartAt.Format("15:04"); hhmm != "09:00" {
		t.Fatalf("expected moved entry to start at 09:00, got %s", hhmm)
	}
	if got := order(t, f, f.bayA); !equal(got, []string{"A-1", "A-2"}) {
		t.Fatalf("unexpected source %v", got)
	}
	if got := order(t, f, f.bayB); !equal(got, []string{"A-3", "B-1"}) {
		t.Fatalf("unexpected target %v", got)
	}

	// A second transfer from the old bay fails.
	if _, err := f.mgr.TransferBooking(f.ctx, queue.TransferRequest{
		FromBayID: f.bayA.ID, ToBayID: f.bayB.ID, BookingID: "A-3",
	}); !errors.Is(err, queue.ErrInvalidTransfer) {
		t.Fatalf("expected invalid transfer, got %v", err)
	}
	if _, err := f.mgr.TransferBooking(f.ctx, queue.TransferRequest{
		FromBayID: f.bayA.ID, ToBayID: f.bayB.ID, BookingID: "nobody",
	}); !errors.Is(err, queue.ErrInvalidTransfer) {
		t.Fatalf("expected invalid transfer for unknown booking, got %v", err)
	}
}

func TestTransferWithinSameBayReorders(t *testing.T) {
	f := newFixture(t, queue.Config{})
	f.enqueue(t, f.bayA, "A-1", 30, models.CategoryNormal)
	f.enqueue(t, f.bayA, "A-2", 30, models.CategoryNormal)

	pos := 1
	if _, err := f.mgr.TransferBooking(f.ctx, queue.TransferRequest{
		FromBayID: f.bayA.ID, ToBayID: f.bayA.ID, BookingID: "A-2", Position: &pos,
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := order(t, f, f.bayA); !equal(got, []string{"A-2", "A-1"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestStartNextAndRemove(t *testing.T) {
	f := newFixture(t, queue.Config{})
	f.enqueue(t, f.bayA, "A-1", 30, models.CategoryNormal)
	f.enqueue(t, f.bayA, "A-2", 30, models.CategoryNormal)
	f.enqueue(t, f.bayA, "A-3", 30, models.CategoryNormal)

	job, err := f.mgr.StartNext(f.ctx, f.bayA.ID, day)
	if err != nil {
		t.Fatalf("start next: %v", err)
	}
	if job.BookingID != "A-1" || job.Status != models.JobStatusInProgress {
		t.Fatalf("unexpected job %+v", job)
	}
	if _, err := f.mgr.StartNext(f.ctx, f.bayA.ID, day); !errors.Is(err, queue.ErrBayBusy) {
		t.Fatalf("expected bay busy, got %v", err)
	}

	f.clock.Set(storetest.At(t, day, "09:10"))
	snap, err := f.mgr.GetBayQueue(f.ctx, f.bayA.ID, day)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if got := snap.BusyUntil.Format("15:04"); got != "09:30" {
		t.Fatalf("expected busy until 09:30, got %s", got)
	}
	if snap.TotalWaitMinutes != 60 {
		t.Fatalf("expected 60 minutes queued, got %d", snap.TotalWaitMinutes)
	}

	if _, err := f.mgr.Remove(f.ctx, "A-2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := order(t, f, f.bayA); !equal(got, []string{"A-3"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if _, err := f.mgr.Remove(f.ctx, "A-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueueWaitsForBookedSpan(t *testing.T) {
	st, db := storetest.Open(t)
	clk := clock.NewManual(storetest.At(t, day, "09:10"))
	branch := storetest.Branch(t, db)
	bay := storetest.Bay(t, db, branch.ID, "A1")
	slot := storetest.Slot(t, db, bay, storetest.At(t, day, "09:00"), storetest.At(t, day, "09:30"), models.SlotStatusBooked)
	next := storetest.Slot(t, db, bay, storetest.At(t, day, "09:30"), storetest.At(t, day, "10:00"), models.SlotStatusBooked)
	for _, s := range []*models.ServiceSlot{slot, next} {
		if err := db.Model(s).Update("booking_id", "BK-1").Error; err != nil {
			t.Fatalf("link booking: %v", err)
		}
	}

	mgr := queue.NewManager(st, nil, clk, queue.Config{}, zerolog.Nop())
	entry, err := mgr.Enqueue(context.Background(), queue.EnqueueRequest{BayID: bay.ID, Date: day, BookingID: "W-1", DurationMinutes: 15})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := entry.EstimatedStartAt.Format("15:04"); got != "10:00" {
		t.Fatalf("expected walk-in after the booked span, got %s", got)
	}
}
