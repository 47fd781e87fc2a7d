/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package slots

import (
	"fmt"
	"sort"

	"github.com/friendsincode/bayline/internal/models"
)

// Violation describes one broken inventory rule within a bay/date.
type Violation struct {
	SlotID  string `json:"slot_id"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// CheckDay verifies the slots of one bay/date: positive length, no overlap,
// and BOOKED exactly when a booking is referenced.
func CheckDay(daySlots []models.ServiceSlot) []Violation {
	ordered := append([]models.ServiceSlot(nil), daySlots...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartsAt.Before(ordered[j].StartsAt)
	})

	var out []Violation
	for i := range ordered {
		s := &ordered[i]
		if !s.EndsAt.After(s.StartsAt) {
			out = append(out, Violation{SlotID: s.ID, Rule: "length", Message: "slot ends at or before its start"})
		}
		hasBooking := s.BookingID != nil && *s.BookingID != ""
		if (s.Status == models.SlotStatusBooked) != hasBooking {
			out = append(out, Violation{
				SlotID:  s.ID,
				Rule:    "booking_link",
				Message: fmt.Sprintf("status %s with booking reference present=%t", s.Status, hasBooking),
			})
		}
		if i > 0 && ordered[i-1].EndsAt.After(s.StartsAt) {
			out = append(out, Violation{
				SlotID:  s.ID,
				Rule:    "overlap",
				Message: fmt.Sprintf("overlaps slot %s", ordered[i-1].ID),
			})
		}
	}
	return out
}
