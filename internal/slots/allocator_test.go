package slots_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/friendsincode/bayline/internal/bookingpolicy"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store/storetest"
)

func startsOn(results []slots.Availability, bayID string) []string {
	var out []string
	for _, r := range results {
		if r.BayID == bayID {
			out = append(out, hhmm(r.StartsAt))
		}
	}
	return out
}

func TestBookThenSearchScenario(t *testing.T) {
	f := newFixture(t)
	f.generate(t, day)

	res, err := f.book(t, f.bayA, "BK-1", "09:00", 60)
	if err != nil {
		t.Fatalf("book 09:00: %v", err)
	}
	if len(res.Slots) != 2 || hhmm(res.EndsAt) != "10:00" {
		t.Fatalf("unexpected reservation: %+v", res)
	}

	if _, err := f.book(t, f.bayA, "BK-2", "09:30", 45); !errors.Is(err, slots.ErrSlotConflict) {
		t.Fatalf("expected conflict at 09:30, got %v", err)
	}

	found, err := f.alloc.FindAvailableSlots(f.ctx, slots.SearchRequest{
		BranchID:        f.branch.ID,
		Date:            day,
		DurationMinutes: 60,
		BayID:           f.bayA.ID,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := fmt.Sprint(startsOn(found, f.bayA.ID))
	if got != "[08:00 10:00 10:30 11:00]" {
		t.Fatalf("unexpected start points %s", got)
	}
}

func TestBookSlotSplitsLastSlot(t *testing.T) {
	f := newFixture(t)
	f.generate(t, day)

	if _, err := f.book(t, f.bayA, "BK-1", "10:00", 45); err != nil {
		t.Fatalf("book: %v", err)
	}

	got := f.daySlots(t, f.bayA)
	if len(got) != 9 {
		t.Fatalf("expected the 10:30 slot to be split, got %d slots", len(got))
	}
	var layout []string
	for _, s := range got[4:7] {
		layout = append(layout, fmt.Sprintf("%s-%s %s", hhmm(s.StartsAt), hhmm(s.EndsAt), s.Status))
	}
	want := "[10:00-10:30 BOOKED 10:30-10:45 BOOKED 10:45-11:00 OPEN]"
	if fmt.Sprint(layout) != want {
		t.Fatalf("unexpected layout %v", layout)
	}
}

func TestBookSlotRejections(t *testing.T) {
	f := newFixture(t)
	f.generate(t, day)
	if _, err := f.book(t, f.bayA, "BK-1", "08:00", 30); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	if err := f.db.Model(f.bayB).Update("status", models.BayStatusUnderMaintenance).Error; err != nil {
		t.Fatalf("update bay: %v", err)
	}

	tests := []struct {
		name string
		req  slots.BookRequest
		want error
	}{
		{"already allocated", slots.BookRequest{BayID: f.bayA.ID, Date: day, StartTime: storetest.At(t, day, "10:00"), BookingID: "BK-1", DurationMinutes: 30}, slots.ErrAlreadyAllocated},
		{"not on a boundary", slots.BookRequest{BayID: f.bayA.ID, Date: day, StartTime: storetest.At(t, day, "10:10"), BookingID: "BK-2", DurationMinutes: 30}, slots.ErrSlotConflict},
		{"runs past closing", slots.BookRequest{BayID: f.bayA.ID, Date: day, StartTime: storetest.At(t, day, "11:30"), BookingID: "BK-2", DurationMinutes: 60}, slots.ErrSlotConflict},
		{"bay in maintenance", slots.BookRequest{BayID: f.bayB.ID, Date: day, StartTime: storetest.At(t, day, "10:00"), BookingID: "BK-2", DurationMinutes: 30}, slots.ErrBayUnavailable},
		{"zero duration", slots.BookRequest{BayID: f.bayA.ID, Date: day, StartTime: storetest.At(t, day, "10:00"), BookingID: "BK-2"}, slots.ErrInvalidRequest},
		{"outside window", slots.BookRequest{BayID: f.bayA.ID, Date: "2026-06-01", StartTime: storetest.At(t, "2026-06-01", "10:00"), BookingID: "BK-2", DurationMinutes: 30}, bookingpolicy.ErrOutOfWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.alloc.BookSlot(f.ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	// Rejections leave inventory untouched.
	got := f.daySlots(t, f.bayA)
	if len(got) != 8 {
		t.Fatalf("expected 8 slots, got %d", len(got))
	}
}

func TestBookSlotRejectsPastStart(t *testing.T) {
	f := newFixture(t)
	f.generate(t, day)
	f.clock.Set(storetest.At(t, day, "09:15"))

	if _, err := f.book(t, f.bayA, "BK-1", "09:00", 30); !errors.Is(err, slots.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	found, err := f.alloc.FindAvailableSlots(f.ctx, slots.SearchRequest{BranchID: f.branch.ID, Date: day, DurationMinutes: 30, BayID: f.bayA.ID})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) == 0 || hhmm(found[0].StartsAt) != "09:30" {
		t.Fatalf("expected first start 09:30, got %v", startsOn(found, f.bayA.ID))
	}
}

func TestOutOfWindowReportsRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.alloc.FindAvailableSlots(f.ctx, slots.SearchRequest{BranchID: f.branch.ID, Date: "2026-05-02", DurationMinutes: 30})

	var oow *bookingpolicy.OutOfWindowError
	if !errors.As(err, &oow) {
		t.Fatalf("expected OutOfWindowError, got %v", err)
	}
	if bookingpolicy.FormatDate(oow.To) != "2026-04-30" {
		t.Fatalf("expected window end 2026-04-30, got %s", bookingpolicy.FormatDate(oow.To))
	}
}

func TestConcurrentBookingsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.generate(t, day)

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.book(t, f.bayA, fmt.Sprintf("BK-%d", i), "09:00", 60)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, slots.ErrSlotConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", n-1, wins, conflicts)
	}

	booked := 0
	for _, s := range f.daySlots(t, f.bayA) {
		if s.Status == models.SlotStatusBooked {
			booked++
		}
	}
	if booked != 2 {
		t.Fatalf("expected exactly 2 booked slots, got %d", booked)
	}
}

func TestSearchTieBreaksOnNextCommittedJob(t *testing.T) {
	f := newFixture(t)
	f.generate(t, day)
	if _, err := f.book(t, f.bayB, "BK-1", "11:00", 30); err != nil {
		t.Fatalf("book: %v", err)
	}

	found, err := f.alloc.FindAvailableSlots(f.ctx, slots.SearchRequest{BranchID: f.branch.ID, Date: day, DurationMinutes: 60})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) < 2 || hhmm(found[0].StartsAt) != "08:00" || hhmm(found[1].StartsAt) != "08:00" {
		t.Fatalf("expected two 08:00 entries first, got %+v", found)
	}
	if found[0].BayCode != "B1" || found[1].BayCode != "A1" {
		t.Fatalf("expected B1 (committed at 11:00) before A1, got %s then %s", found[0].BayCode, found[1].BayCode)
	}

	// Without a committed job on either bay the lower code wins.
	found, err = f.alloc.FindAvailableSlots(f.ctx, slots.SearchRequest{BranchID: f.branch.ID, Date: day, DurationMinutes: 30})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var at1130 []string
	for _, r := range found {
		if hhmm(r.StartsAt) == "11:30" {
			at1130 = append(at1130, r.BayCode)
		}
	}
	if fmt.Sprint(at1130) != "[A1 B1]" {
		t.Fatalf("expected A1 before B1 at 11:30, got %v", at1130)
	}
}

func TestSearchHonoursHourWindow(t *testing.T) {
	f := newFixture(t)
	f.generate(t, day)
	from, to := 10, 12

	found, err := f.alloc.FindAvailableSlots(f.ctx, slots.SearchRequest{
		BranchID: f.branch.ID, Date: day, DurationMinutes: 60, BayID: f.bayA.ID, FromHour: &from, ToHour: &to,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := fmt.Sprint(startsOn(found, f.bayA.ID)); got != "[10:00 10:30 11:00]" {
		t.Fatalf("unexpected start points %s", got)
	}

	bad := 13
	if _, err := f.alloc.FindAvailableSlots(f.ctx, slots.SearchRequest{
		BranchID: f.branch.ID, Date: day, DurationMinutes: 60, FromHour: &bad, ToHour: &to,
	}); !errors.Is(err, slots.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestReleaseBookingRestoresInventory(t *testing.T) {
	f := newFixture(t)
	f.generate(t, day)
	before := slots.Summarize(f.daySlots(t, f.bayA))

	if _, err := f.book(t, f.bayA, "BK-1", "09:00", 60); err != nil {
		t.Fatalf("book: %v", err)
	}
	released, err := f.alloc.ReleaseBooking(f.ctx, "BK-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("expected 2 released slots, got %d", len(released))
	}

	after := slots.Summarize(f.daySlots(t, f.bayA))
	if after.OpenMinutes != before.OpenMinutes || after.BookedMinutes != 0 {
		t.Fatalf("expected inventory restored, before %+v after %+v", before, after)
	}

	if _, err := f.alloc.ReleaseBooking(f.ctx, "BK-1"); !errors.Is(err, slots.ErrNotFound) {
		t.Fatalf("expected not found on second release, got %v", err)
	}
	if _, err := f.book(t, f.bayA, "BK-1", "09:00", 60); err != nil {
		t.Fatalf("rebook after release: %v", err)
	}
}
