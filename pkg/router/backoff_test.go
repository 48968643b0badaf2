package router //nolint:testpackage // white-box access to the backoff policy

import (
	"testing"
	"time"
)

// TestRestartBackoff_DoublesAndCaps walks the delay sequence from the
// initial value to the cap.
func TestRestartBackoff_DoublesAndCaps(t *testing.T) {
	b := &restartBackoff{}
	want := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("next() #%d = %v, want %v", i, got, w)
		}
	}
}

// TestRestartBackoff_StableSessionResets checks that only a sufficiently
// long session clears the counter.
func TestRestartBackoff_StableSessionResets(t *testing.T) {
	b := &restartBackoff{}
	b.next()
	b.next()
	b.next()

	b.noteSession(time.Second)
	if got := b.next(); got != 400*time.Millisecond {
		t.Fatalf("short session reset the counter: next() = %v, want 400ms", got)
	}

	b.noteSession(backoffStableSession)
	if got := b.next(); got != backoffInitialDelay {
		t.Fatalf("stable session did not reset: next() = %v, want %v", got, backoffInitialDelay)
	}
}

// TestWithJitter_Bounds keeps jittered delays within [d, d+d/4].
func TestWithJitter_Bounds(t *testing.T) {
	base := 400 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := withJitter(base)
		if got < base || got > base+base/4 {
			t.Fatalf("withJitter(%v) = %v, outside [%v, %v]", base, got, base, base+base/4)
		}
	}
}
