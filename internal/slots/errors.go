/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package slots

import (
	"errors"

	"github.com/friendsincode/bayline/internal/store"
)

var (
	// ErrSlotConflict means the requested span is no longer fully OPEN and
	// contiguous. Nothing was changed.
	ErrSlotConflict = errors.New("slot conflict")

	// ErrAlreadyAllocated means the booking already holds slots.
	ErrAlreadyAllocated = errors.New("booking already allocated")

	// ErrBayUnavailable means the bay is closed, under maintenance, inactive
	// or not accepting bookings.
	ErrBayUnavailable = errors.New("bay unavailable")

	// ErrInvalidRequest covers malformed or impossible requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is the store sentinel, re-exported for callers of this package.
	ErrNotFound = store.ErrNotFound
)

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
