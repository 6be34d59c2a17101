// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crowdplay-project/crowdplay/lib/ref"
)

var (
	alice = ref.MustParseUserID("@alice:chat.example.org")
	bob   = ref.MustParseUserID("@bob:chat.example.org")
)

func rlBase() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func TestWindowCapsAdmissions(t *testing.T) {
	limiter := NewRateLimiter(3, 2*time.Second, 0)
	base := rlBase()

	// Five rapid votes within one second: the first three get in.
	want := []bool{true, true, true, false, false}
	for i, expect := range want {
		now := base.Add(time.Duration(i) * 200 * time.Millisecond)
		if got := limiter.Admit(alice, now); got != expect {
			t.Errorf("admit #%d = %v, want %v", i+1, got, expect)
		}
	}
}

func TestWindowIsHalfOpen(t *testing.T) {
	limiter := NewRateLimiter(1, 2*time.Second, 0)
	base := rlBase()

	if !limiter.Admit(alice, base) {
		t.Fatal("first admission rejected")
	}
	if limiter.Admit(alice, base.Add(1999*time.Millisecond)) {
		t.Error("admitted inside the window")
	}
	// At exactly window age the old admission has expired.
	if !limiter.Admit(alice, base.Add(2*time.Second)) {
		t.Error("rejected at exactly the window boundary")
	}
}

func TestWindowSlides(t *testing.T) {
	limiter := NewRateLimiter(3, 2*time.Second, 0)
	base := rlBase()

	for _, offset := range []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond} {
		if !limiter.Admit(alice, base.Add(offset)) {
			t.Fatalf("admission at +%s rejected", offset)
		}
	}
	if limiter.Admit(alice, base.Add(300*time.Millisecond)) {
		t.Error("fourth admission inside the window accepted")
	}

	// The +0 admission ages out at +2s; the next two are still live.
	if !limiter.Admit(alice, base.Add(2*time.Second)) {
		t.Error("rejected after the oldest admission expired")
	}
	if limiter.Admit(alice, base.Add(2050*time.Millisecond)) {
		t.Error("accepted while three admissions were still in the window")
	}
}

func TestSpacingEnforced(t *testing.T) {
	limiter := NewRateLimiter(10, 10*time.Second, 500*time.Millisecond)
	base := rlBase()

	if !limiter.Admit(alice, base) {
		t.Fatal("first admission rejected")
	}
	if limiter.Admit(alice, base.Add(499*time.Millisecond)) {
		t.Error("admitted before the spacing elapsed")
	}
	// Rejections do not reset the spacing timer.
	if !limiter.Admit(alice, base.Add(500*time.Millisecond)) {
		t.Error("rejected at exactly the spacing boundary")
	}
}

func TestIdentitiesIndependent(t *testing.T) {
	limiter := NewRateLimiter(2, 2*time.Second, 0)
	base := rlBase()

	limiter.Admit(alice, base)
	limiter.Admit(alice, base.Add(100*time.Millisecond))
	if limiter.Admit(alice, base.Add(200*time.Millisecond)) {
		t.Fatal("alice admitted over her limit")
	}

	if !limiter.Admit(bob, base.Add(200*time.Millisecond)) {
		t.Error("bob throttled by alice's admissions")
	}
}

func TestRejectionsConsumeNoCapacity(t *testing.T) {
	limiter := NewRateLimiter(2, 2*time.Second, 0)
	base := rlBase()

	limiter.Admit(alice, base)
	limiter.Admit(alice, base.Add(100*time.Millisecond))
	limiter.Admit(alice, base.Add(200*time.Millisecond))
	limiter.Admit(alice, base.Add(300*time.Millisecond))

	// Only the two real admissions occupy the window, so capacity
	// frees up when they age out, unaffected by the two rejections.
	if !limiter.Admit(alice, base.Add(2*time.Second)) {
		t.Error("rejection consumed window capacity")
	}
	if limiter.Admit(alice, base.Add(2050*time.Millisecond)) {
		t.Error("admitted over the limit")
	}
}

func TestConcurrentAdmissions(t *testing.T) {
	limiter := NewRateLimiter(5, 2*time.Second, 0)
	base := rlBase()

	const (
		identities = 16
		attempts   = 20
	)
	admitted := make([]int, identities)

	var wg sync.WaitGroup
	for i := 0; i < identities; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			identity := ref.MustParseUserID(fmt.Sprintf("@user%d:chat.example.org", i))
			for j := 0; j < attempts; j++ {
				now := base.Add(time.Duration(j) * 10 * time.Millisecond)
				if limiter.Admit(identity, now) {
					admitted[i]++
				}
			}
		}()
	}
	wg.Wait()

	for i, count := range admitted {
		if count != 5 {
			t.Errorf("identity %d admitted %d times, want 5", i, count)
		}
	}
}

func TestSweepDropsStaleIdentities(t *testing.T) {
	limiter := NewRateLimiter(3, 2*time.Second, 0)
	base := rlBase()

	for i := 0; i < 50; i++ {
		identity := ref.MustParseUserID(fmt.Sprintf("@user%d:chat.example.org", i))
		if !limiter.Admit(identity, base) {
			t.Fatalf("identity %d rejected", i)
		}
	}

	// Well past the window, one new admission triggers the sweep and
	// the 50 stale identities fall away.
	if !limiter.Admit(alice, base.Add(5*time.Second)) {
		t.Fatal("fresh admission rejected")
	}

	limiter.mu.Lock()
	tracked := len(limiter.identities)
	limiter.mu.Unlock()
	if tracked != 1 {
		t.Errorf("tracked identities after sweep = %d, want 1", tracked)
	}
}
