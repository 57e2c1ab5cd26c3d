package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceAndSet(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manual := NewManual(start)

	if got := manual.Now(); !got.Equal(start) {
		t.Fatalf("Now = %v, want %v", got, start)
	}
	if got := manual.Advance(time.Hour); !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("Advance = %v, want %v", got, start.Add(time.Hour))
	}
	// Negative advances are clamped; time never runs backwards.
	if got := manual.Advance(-time.Hour); !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("negative Advance = %v, want unchanged", got)
	}

	pinned := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	manual.Set(pinned)
	if got := manual.Now(); !got.Equal(pinned) {
		t.Fatalf("Now after Set = %v, want %v", got, pinned)
	}
}

func TestRealReturnsUTC(t *testing.T) {
	t.Parallel()
	now := Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("Real.Now location = %v, want UTC", now.Location())
	}
}
