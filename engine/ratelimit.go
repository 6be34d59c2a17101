// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"time"

	"github.com/crowdplay-project/crowdplay/lib/ref"
)

// RateLimiter admits at most limit votes per identity within a
// trailing window, with a minimum spacing between admissions. It sits
// ahead of the queue: a rejected vote is gone, it consumes no window
// capacity and no queue slot.
//
// Safe for concurrent use by many producers; a single mutex covers
// the identity map, which is fine at chat-room contention levels.
type RateLimiter struct {
	window  time.Duration
	limit   int
	spacing time.Duration

	mu         sync.Mutex
	identities map[ref.UserID]*admissionWindow
	sweptAt    time.Time
}

// admissionWindow is one identity's recent history. admitted holds
// the admission times still inside the window, oldest first; last is
// the most recent admission regardless of expiry, for spacing checks.
type admissionWindow struct {
	admitted []time.Time
	last     time.Time
}

// NewRateLimiter returns a limiter admitting at most limit votes per
// identity within the trailing window, never closer together than
// spacing. Panics if limit or window is non-positive; spacing zero
// disables the spacing check.
func NewRateLimiter(limit int, window, spacing time.Duration) *RateLimiter {
	if limit <= 0 {
		panic("engine: non-positive rate limit")
	}
	if window <= 0 {
		panic("engine: non-positive rate-limit window")
	}
	return &RateLimiter{
		window:     window,
		limit:      limit,
		spacing:    spacing,
		identities: make(map[ref.UserID]*admissionWindow),
	}
}

// Admit decides whether a vote from identity arriving at now is
// allowed. Non-blocking. Rejections leave the identity's history
// untouched: a rejected vote neither consumes window capacity nor
// resets the spacing clock.
func (l *RateLimiter) Admit(identity ref.UserID, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sweptAt.IsZero() {
		l.sweptAt = now
	} else if now.Sub(l.sweptAt) >= l.window {
		l.sweepLocked(now)
	}

	history := l.identities[identity]
	if history == nil {
		history = &admissionWindow{}
		l.identities[identity] = history
	}

	// The window is half-open: an admission exactly window old has
	// expired, so a vote arriving precisely one window after the
	// oldest admission gets its slot.
	expired := 0
	for _, admitted := range history.admitted {
		if now.Sub(admitted) < l.window {
			break
		}
		expired++
	}
	history.admitted = history.admitted[expired:]

	if len(history.admitted) >= l.limit {
		return false
	}
	if l.spacing > 0 && !history.last.IsZero() && now.Sub(history.last) < l.spacing {
		return false
	}

	history.admitted = append(history.admitted, now)
	history.last = now
	return true
}

// sweepLocked drops identities whose history can no longer influence
// a decision: every windowed admission has expired and the spacing
// gap has passed. Runs at most once per window, from inside Admit.
func (l *RateLimiter) sweepLocked(now time.Time) {
	for identity, history := range l.identities {
		age := now.Sub(history.last)
		if age >= l.window && age >= l.spacing {
			delete(l.identities, identity)
		}
	}
	l.sweptAt = now
}
