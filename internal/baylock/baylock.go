/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package baylock serialises mutations of one bay's calendar for one date.
package baylock

import (
	"context"
	"sort"
	"sync"
)

// Key identifies the (bay, date) pair guarded by a lock.
type Key struct {
	BayID string
	Date  string // YYYY-MM-DD
}

// String renders the key as used in lock tables and Redis.
func (k Key) String() string {
	return k.BayID + ":" + k.Date
}

// Locker acquires exclusive sections over one or more keys.
// The returned release function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, keys ...Key) (func(), error)
}

// normalize removes duplicates and sorts keys so multi-key callers
// always acquire in the same order.
func normalize(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed lock. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewLocal creates an empty keyed lock table.
func NewLocal() *Local {
	return &Local{entries: make(map[Key]*entry)}
}

func (l *Local) acquireRef(k Key) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[k]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[k] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseRef(k Key, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, k)
	}
}

// Lock blocks until every key is held or ctx is done.
func (l *Local) Lock(ctx context.Context, keys ...Key) (func(), error) {
	keys = normalize(keys)
	held := make([]Key, 0, len(keys))
	heldEntries := make([]*entry, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-heldEntries[i].sem
			l.releaseRef(held[i], heldEntries[i])
		}
	}

	for _, k := range keys {
		e := l.acquireRef(k)
		select {
		case e.sem <- struct{}{}:
			held = append(held, k)
			heldEntries = append(heldEntries, e)
		case <-ctx.Done():
			l.releaseRef(k, e)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Len returns the number of live lock entries.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
