// Package system exercises the real-time clock adapter.
package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockSince checks elapsed time is non-negative.
func TestClockSince(t *testing.T) {
	t.Parallel()

	clk := New()
	start := clk.Now()
	if d := clk.Since(start); d < 0 {
		t.Fatalf("expected non-negative elapsed time, got %v", d)
	}
}
