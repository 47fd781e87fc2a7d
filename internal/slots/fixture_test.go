package slots_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/bookingpolicy"
	"github.com/friendsincode/bayline/internal/clock"
	"github.com/friendsincode/bayline/internal/events"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/queue"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/store/storetest"
)

// day is a Tuesday.
const day = "2026-03-10"

type fixture struct {
	ctx    context.Context
	db     *gorm.DB
	store  *store.Store
	clock  *clock.Manual
	bus    *events.Bus
	cal    *slots.Calendar
	alloc  *slots.Allocator
	recl   *slots.Reclaimer
	queue  *queue.Manager
	branch *models.Branch
	bayA   *models.ServiceBay
	bayB   *models.ServiceBay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, db := storetest.Open(t)
	f := &fixture{
		ctx:   context.Background(),
		db:    db,
		store: st,
		clock: clock.NewManual(storetest.At(t, day, "07:00")),
		bus:   events.NewBus(),
	}
	logger := zerolog.Nop()
	f.branch = storetest.Branch(t, db)
	f.bayA = storetest.Bay(t, db, f.branch.ID, "A1")
	f.bayB = storetest.Bay(t, db, f.branch.ID, "B1")

	f.cal = slots.NewCalendar(st, f.bus, f.clock, 30, logger)
	f.alloc = slots.NewAllocator(st, bookingpolicy.Policy{}, f.bus, f.clock, logger)
	f.queue = queue.NewManager(st, f.bus, f.clock, queue.Config{}, logger)
	f.recl = slots.NewReclaimer(st, f.queue, f.bus, f.clock, logger)
	return f
}

func (f *fixture) generate(t *testing.T, date string) {
	t.Helper()
	if _, err := f.cal.GenerateDailySchedule(f.ctx, slots.GenerateRequest{BranchID: f.branch.ID, From: date}); err != nil {
		t.Fatalf("generate %s: %v", date, err)
	}
}

func (f *fixture) book(t *testing.T, bay *models.ServiceBay, bookingID, at string, minutes int) (*slots.Reservation, error) {
	t.Helper()
	return f.alloc.BookSlot(f.ctx, slots.BookRequest{
		BayID:           bay.ID,
		Date:            day,
		StartTime:       storetest.At(t, day, at),
		BookingID:       bookingID,
		DurationMinutes: minutes,
	})
}

func (f *fixture) daySlots(t *testing.T, bay *models.ServiceBay) []models.ServiceSlot {
	t.Helper()
	out, err := f.cal.ListSlots(f.ctx, bay.ID, day)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	if v := slots.CheckDay(out); len(v) > 0 {
		t.Fatalf("inventory violations: %+v", v)
	}
	return out
}

func hhmm(ts time.Time) string {
	return ts.UTC().Format("15:04")
}
