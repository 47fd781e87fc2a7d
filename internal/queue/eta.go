/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"time"

	"github.com/friendsincode/bayline/internal/models"
)

// InsertIndex returns where an entry of priority joins entries. It goes in
// front of the first entry with a lower rank. Equal ranks keep arrival
// order unless overtakeEqual is set for a priority above NORMAL.
func InsertIndex(entries []models.BayQueueEntry, priority models.Category, overtakeEqual bool) int {
	rank := priority.Normalize().Rank()
	for i := range entries {
		other := entries[i].Priority.Rank()
		if other < rank {
			return i
		}
		if overtakeEqual && other == rank && rank > models.CategoryNormal.Rank() {
			return i
		}
	}
	return len(entries)
}

// StartAfter is the earliest a new job can begin on a bay that is busy
// until busyUntil.
func StartAfter(now, busyUntil time.Time) time.Time {
	if busyUntil.After(now) {
		return busyUntil
	}
	return now
}

// ComputeETAs renumbers entries 1..n and fills their estimated start and
// completion: start(k) = max(now, busyUntil) + duration of entries 1..k-1.
func ComputeETAs(entries []models.BayQueueEntry, now, busyUntil time.Time) {
	cursor := StartAfter(now, busyUntil)
	for i := range entries {
		e := &entries[i]
		e.Position = i + 1
		e.EstimatedStartAt = cursor
		e.EstimatedCompletionAt = cursor.Add(e.Duration())
		cursor = e.EstimatedCompletionAt
	}
}

// WaitAhead sums the durations of the first n entries.
func WaitAhead(entries []models.BayQueueEntry, n int) time.Duration {
	var total time.Duration
	for i := 0; i < n && i < len(entries); i++ {
		total += entries[i].Duration()
	}
	return total
}
