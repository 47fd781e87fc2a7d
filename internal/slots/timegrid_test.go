package slots

import (
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/bayline/internal/models"
)

func ts(clock string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04", "2026-03-10 "+clock)
	return t
}

func TestChop(t *testing.T) {
	got := chop(interval{start: ts("08:00"), end: ts("09:10")}, 30*time.Minute)
	if len(got) != 3 {
		t.Fatalf("expected 3 pieces, got %d", len(got))
	}
	if !got[2].start.Equal(ts("09:00")) || !got[2].end.Equal(ts("09:10")) {
		t.Fatalf("expected short last piece, got %v-%v", got[2].start, got[2].end)
	}
}

func TestGaps(t *testing.T) {
	slot := func(from, to string) models.ServiceSlot {
		return models.ServiceSlot{StartsAt: ts(from), EndsAt: ts(to)}
	}
	window := interval{start: ts("08:00"), end: ts("12:00")}

	tests := []struct {
		name  string
		slots []models.ServiceSlot
		want  []string
	}{
		{"empty day", nil, []string{"08:00-12:00"}},
		{"fully covered", []models.ServiceSlot{slot("07:00", "12:30")}, nil},
		{"holes", []models.ServiceSlot{slot("08:30", "09:00"), slot("10:00", "11:00")}, []string{"08:00-08:30", "09:00-10:00", "11:00-12:00"}},
		{"overhanging edges", []models.ServiceSlot{slot("07:30", "08:30"), slot("11:30", "12:30")}, []string{"08:30-11:30"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gaps(window, tt.slots)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %d gaps", tt.want, len(got))
			}
			for i, g := range got {
				if s := g.start.Format("15:04") + "-" + g.end.Format("15:04"); s != tt.want[i] {
					t.Fatalf("gap %d: expected %s, got %s", i, tt.want[i], s)
				}
			}
		})
	}
}

func TestDateRange(t *testing.T) {
	days, err := dateRange("2026-03-30", "2026-04-02", time.UTC)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(days) != 4 || days[3].Format(models.DateLayout) != "2026-04-02" {
		t.Fatalf("unexpected days %v", days)
	}

	if _, err := dateRange("2026-01-01", "2027-06-01", time.UTC); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected oversized range to be rejected, got %v", err)
	}
}

func TestDayWindowFollowsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Clocks go forward on 2026-03-29.
	before, _ := parseDay("2026-03-28", loc)
	after, _ := parseDay("2026-03-29", loc)

	w1, err := dayWindow(before, "08:00", "17:00")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	w2, err := dayWindow(after, "08:00", "17:00")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if w1.start.Hour() != 8 || w2.start.Hour() != 7 {
		t.Fatalf("expected 08:00 local to be 08:00Z then 07:00Z, got %v and %v", w1.start, w2.start)
	}
}

func TestCheckDayFindsOverlap(t *testing.T) {
	booked := "BK-1"
	daySlots := []models.ServiceSlot{
		{ID: "a", StartsAt: ts("08:00"), EndsAt: ts("08:30"), Status: models.SlotStatusOpen},
		{ID: "b", StartsAt: ts("08:15"), EndsAt: ts("08:45"), Status: models.SlotStatusBooked, BookingID: &booked},
		{ID: "c", StartsAt: ts("09:00"), EndsAt: ts("09:00"), Status: models.SlotStatusBooked},
	}
	violations := CheckDay(daySlots)
	rules := map[string]bool{}
	for _, v := range violations {
		rules[v.Rule] = true
	}
	if !rules["overlap"] || !rules["length"] || !rules["booking_link"] {
		t.Fatalf("expected overlap, length and booking_link violations, got %+v", violations)
	}
}
