/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package slots

import (
	"fmt"
	"time"

	"github.com/friendsincode/bayline/internal/models"
)

// maxRangeDays bounds a single generation request.
const maxRangeDays = 366

// interval is a half-open [start, end) span.
type interval struct {
	start time.Time
	end   time.Time
}

// parseDay returns local midnight of a YYYY-MM-DD date.
func parseDay(date string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(models.DateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", date, ErrInvalidRequest)
	}
	return d, nil
}

// wallClock returns the instant minutes after midnight of day, in day's
// location. Built with time.Date so DST transitions land on wall time.
func wallClock(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, day.Location())
}

// dayWindow converts "HH:MM" bounds into a UTC interval on day.
func dayWindow(day time.Time, from, to string) (interval, error) {
	start, err := models.ParseClock(from)
	if err != nil {
		return interval{}, fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}
	end, err := models.ParseClock(to)
	if err != nil {
		return interval{}, fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}
	if end <= start {
		return interval{}, fmt.Errorf("window %s-%s is empty: %w", from, to, ErrInvalidRequest)
	}
	return interval{start: wallClock(day, start).UTC(), end: wallClock(day, end).UTC()}, nil
}

// dateRange expands an inclusive from/to pair into local midnights.
func dateRange(from, to string, loc *time.Location) ([]time.Time, error) {
	first, err := parseDay(from, loc)
	if err != nil {
		return nil, err
	}
	last := first
	if to != "" {
		if last, err = parseDay(to, loc); err != nil {
			return nil, err
		}
	}
	if last.Before(first) {
		return nil, fmt.Errorf("range %s..%s is reversed: %w", from, to, ErrInvalidRequest)
	}

	var days []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
		if len(days) > maxRangeDays {
			return nil, fmt.Errorf("range exceeds %d days: %w", maxRangeDays, ErrInvalidRequest)
		}
	}
	return days, nil
}

// chop cuts span into pieces of step, the last one possibly shorter.
func chop(span interval, step time.Duration) []interval {
	var out []interval
	for t := span.start; t.Before(span.end); t = t.Add(step) {
		end := t.Add(step)
		if end.After(span.end) {
			end = span.end
		}
		out = append(out, interval{start: t, end: end})
	}
	return out
}

// gaps returns the parts of window not covered by any slot. slots must be
// ordered by start.
func gaps(window interval, slots []models.ServiceSlot) []interval {
	var out []interval
	cursor := window.start
	for _, s := range slots {
		if !s.EndsAt.After(cursor) || !s.StartsAt.Before(window.end) {
			continue
		}
		if s.StartsAt.After(cursor) {
			out = append(out, interval{start: cursor, end: s.StartsAt})
		}
		if s.EndsAt.After(cursor) {
			cursor = s.EndsAt
		}
	}
	if cursor.Before(window.end) {
		out = append(out, interval{start: cursor, end: window.end})
	}
	return out
}

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}
