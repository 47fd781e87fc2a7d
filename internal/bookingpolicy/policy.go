/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bookingpolicy decides which calendar dates may be booked.
package bookingpolicy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Mode selects how the booking horizon is computed.
type Mode string

const (
	ModeMonthly Mode = "MONTHLY"
	ModeRolling Mode = "ROLLING"
)

// MonthlyMode refines the MONTHLY horizon.
type MonthlyMode string

const (
	MonthlyCurrentOnly    MonthlyMode = "CURRENT_ONLY"
	MonthlyCurrentAndNext MonthlyMode = "CURRENT_AND_NEXT"
	MonthlyNext30Days     MonthlyMode = "NEXT_30_DAYS"
)

// DefaultMaxAdvanceDays applies to ROLLING mode when MaxAdvanceDays is unset.
const DefaultMaxAdvanceDays = 30

// ErrOutOfWindow is returned for dates outside the booking horizon.
var ErrOutOfWindow = errors.New("date outside booking window")

// OutOfWindowError carries the rejected date and the valid range.
type OutOfWindowError struct {
	Date time.Time
	From time.Time
	To   time.Time
}

func (e *OutOfWindowError) Error() string {
	return fmt.Sprintf("date %s outside booking window %s..%s",
		e.Date.Format(dateLayout), e.From.Format(dateLayout), e.To.Format(dateLayout))
}

// Unwrap lets errors.Is match ErrOutOfWindow.
func (e *OutOfWindowError) Unwrap() error {
	return ErrOutOfWindow
}

// Policy is the booking-date configuration. The zero value is a
// MONTHLY/CURRENT_AND_NEXT policy in UTC.
type Policy struct {
	Mode           Mode
	MonthlyMode    MonthlyMode
	MaxAdvanceDays int
	Location       *time.Location
}

// Window is an inclusive range of bookable dates.
type Window struct {
	From time.Time `json:"-"`
	To   time.Time `json:"-"`
}

// Contains reports whether the calendar date d lies inside the window.
func (w Window) Contains(d time.Time) bool {
	return !d.Before(w.From) && !d.After(w.To)
}

// Parse builds a Policy from configuration strings, rejecting unknown modes.
func Parse(mode, monthlyMode string, maxAdvanceDays int, loc *time.Location) (Policy, error) {
	p := Policy{
		Mode:           Mode(strings.ToUpper(strings.TrimSpace(mode))),
		MonthlyMode:    MonthlyMode(strings.ToUpper(strings.TrimSpace(monthlyMode))),
		MaxAdvanceDays: maxAdvanceDays,
		Location:       loc,
	}
	if p.Mode == "" {
		p.Mode = ModeMonthly
	}
	if p.MonthlyMode == "" {
		p.MonthlyMode = MonthlyCurrentAndNext
	}
	switch p.Mode {
	case ModeMonthly, ModeRolling:
	default:
		return Policy{}, fmt.Errorf("unknown booking mode %q", mode)
	}
	switch p.MonthlyMode {
	case MonthlyCurrentOnly, MonthlyCurrentAndNext, MonthlyNext30Days:
	default:
		return Policy{}, fmt.Errorf("unknown monthly booking mode %q", monthlyMode)
	}
	if p.MaxAdvanceDays < 0 {
		return Policy{}, fmt.Errorf("max advance days must not be negative")
	}
	return p, nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// DateOf truncates t to midnight of its calendar date in the policy location.
func (p Policy) DateOf(t time.Time) time.Time {
	loc := p.location()
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// ParseDate parses a YYYY-MM-DD date in the policy location.
func (p Policy) ParseDate(value string) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(value), p.location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", value)
	}
	return d, nil
}

// Window returns the bookable date range as seen at now.
func (p Policy) Window(now time.Time) Window {
	today := p.DateOf(now)
	w := Window{From: today}

	switch p.Mode {
	case ModeRolling:
		days := p.MaxAdvanceDays
		if days <= 0 {
			days = DefaultMaxAdvanceDays
		}
		w.To = today.AddDate(0, 0, days)
	default:
		switch p.MonthlyMode {
		case MonthlyCurrentOnly:
			w.To = endOfMonth(today, 0)
		case MonthlyNext30Days:
			w.To = today.AddDate(0, 0, 30)
		default:
			w.To = endOfMonth(today, 1)
		}
	}
	return w
}

// ValidateBookingDate returns an *OutOfWindowError when date cannot be booked.
func (p Policy) ValidateBookingDate(date, now time.Time) error {
	d := p.DateOf(date)
	w := p.Window(now)
	if !w.Contains(d) {
		return &OutOfWindowError{Date: d, From: w.From, To: w.To}
	}
	return nil
}

// IsDateAvailableForBooking reports whether date lies inside the horizon.
func (p Policy) IsDateAvailableForBooking(date, now time.Time) bool {
	return p.ValidateBookingDate(date, now) == nil
}

// endOfMonth returns the last day of the month offset months after d.
func endOfMonth(d time.Time, offset int) time.Time {
	firstOfNext := time.Date(d.Year(), d.Month()+time.Month(offset)+1, 1, 0, 0, 0, 0, d.Location())
	return firstOfNext.AddDate(0, 0, -1)
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.Format(dateLayout)
}
