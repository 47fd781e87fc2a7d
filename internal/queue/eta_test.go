package queue

import (
	"testing"
	"time"

	"github.com/friendsincode/bayline/internal/models"
)

func entries(priorities ...models.Category) []models.BayQueueEntry {
	out := make([]models.BayQueueEntry, len(priorities))
	for i, p := range priorities {
		out[i] = models.BayQueueEntry{BookingID: string(rune('a' + i)), Priority: p, DurationMinutes: 20}
	}
	return out
}

func TestInsertIndex(t *testing.T) {
	const (
		n = models.CategoryNormal
		f = models.CategoryFleet
		v = models.CategoryVIP
	)
	tests := []struct {
		name     string
		queue    []models.BayQueueEntry
		priority models.Category
		overtake bool
		want     int
	}{
		{"empty queue", nil, n, false, 0},
		{"normal joins the back", entries(n, n), n, false, 2},
		{"fleet passes normal", entries(n, n), f, false, 0},
		{"vip passes fleet", entries(f, n), v, false, 0},
		{"fleet waits behind fleet", entries(v, f, n), f, false, 2},
		{"fleet overtakes fleet when allowed", entries(v, f, n), f, true, 1},
		{"normal never overtakes normal", entries(n, n), n, true, 2},
		{"lower case priority", entries(n), "vip", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InsertIndex(tt.queue, tt.priority, tt.overtake); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestComputeETAs(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	q := entries(models.CategoryNormal, models.CategoryNormal, models.CategoryNormal)
	q[1].DurationMinutes = 45

	ComputeETAs(q, now, now.Add(15*time.Minute))

	wantStart := []string{"09:15", "09:35", "10:20"}
	for i, e := range q {
		if e.Position != i+1 {
			t.Fatalf("entry %d: expected position %d, got %d", i, i+1, e.Position)
		}
		if got := e.EstimatedStartAt.Format("15:04"); got != wantStart[i] {
			t.Fatalf("entry %d: expected start %s, got %s", i, wantStart[i], got)
		}
		if i > 0 && e.EstimatedStartAt.Before(q[i-1].EstimatedStartAt) {
			t.Fatalf("estimates must not decrease")
		}
		if !e.EstimatedCompletionAt.Equal(e.EstimatedStartAt.Add(e.Duration())) {
			t.Fatalf("entry %d: completion does not follow duration", i)
		}
	}

	// A bay already free starts the queue now.
	ComputeETAs(q, now, now.Add(-time.Hour))
	if !q[0].EstimatedStartAt.Equal(now) {
		t.Fatalf("expected head to start now, got %v", q[0].EstimatedStartAt)
	}
	if WaitAhead(q, 2) != 65*time.Minute {
		t.Fatalf("expected 65 minutes ahead of the third entry, got %v", WaitAhead(q, 2))
	}
}
