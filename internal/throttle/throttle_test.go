package throttle

import (
	"context"
	"testing"
	"time"

	"pkt.systems/formd/internal/clock"
	"pkt.systems/formd/internal/privroot"
)

func newTestThrottle(t *testing.T, maxPerWindow, hardMultiplier int) (*Throttle, *clock.Manual) {
	t.Helper()
	priv, err := privroot.New(privroot.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("privroot.New: %v", err)
	}
	manual := clock.NewManual(time.Now())
	thr, err := New(Config{
		Private:        priv,
		MaxPerWindow:   maxPerWindow,
		HardMultiplier: hardMultiplier,
		Window:         time.Minute,
		Cooldown:       10 * time.Minute,
		Clock:          manual,
	})
	if err != nil {
		t.Fatalf("throttle.New: %v", err)
	}
	return thr, manual
}

func TestEscalatesFromOKToSoftToHard(t *testing.T) {
	t.Parallel()
	thr, _ := newTestThrottle(t, 2, 2)
	ctx := context.Background()

	// Soft threshold 2, hard threshold 4 within one window.
	for i := 1; i <= 2; i++ {
		d, err := thr.Check(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if d.State != StateOK {
			t.Fatalf("check %d: state = %v, want ok", i, d.State)
		}
	}
	for i := 3; i <= 4; i++ {
		d, err := thr.Check(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if d.State != StateSoft {
			t.Fatalf("check %d: state = %v, want soft", i, d.State)
		}
		if d.RetryAfter <= 0 {
			t.Fatalf("check %d: soft decision needs a retry hint, got %v", i, d.RetryAfter)
		}
	}
	d, err := thr.Check(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("hard check: %v", err)
	}
	if d.State != StateHard {
		t.Fatalf("state = %v, want hard", d.State)
	}
	if d.RetryAfter != 10*time.Minute {
		t.Fatalf("hard retry-after = %v, want cooldown", d.RetryAfter)
	}
}

func TestCooldownIsAuthoritative(t *testing.T) {
	t.Parallel()
	thr, manual := newTestThrottle(t, 1, 2)
	ctx := context.Background()

	// Drive the identity into the hard tier (threshold 2).
	for i := 0; i < 3; i++ {
		if _, err := thr.Check(ctx, "9.9.9.9"); err != nil {
			t.Fatalf("warmup check: %v", err)
		}
	}

	// A later window still reads hard while the cooldown is live.
	manual.Advance(2 * time.Minute)
	d, err := thr.Check(ctx, "9.9.9.9")
	if err != nil {
		t.Fatalf("check during cooldown: %v", err)
	}
	if d.State != StateHard {
		t.Fatalf("state = %v, want hard during cooldown", d.State)
	}
	if d.RetryAfter <= 0 {
		t.Fatal("cooldown decision needs a retry hint")
	}

	// Past the cooldown the fresh window starts clean.
	manual.Advance(15 * time.Minute)
	d, err = thr.Check(ctx, "9.9.9.9")
	if err != nil {
		t.Fatalf("check after cooldown: %v", err)
	}
	if d.State != StateOK {
		t.Fatalf("state = %v, want ok after cooldown expiry", d.State)
	}
}

func TestCooldownReengagesAfterLapse(t *testing.T) {
	t.Parallel()
	thr, manual := newTestThrottle(t, 1, 2)
	ctx := context.Background()

	// First offense: three checks cross the hard tier and set the marker.
	for i := 0; i < 3; i++ {
		if _, err := thr.Check(ctx, "5.5.5.5"); err != nil {
			t.Fatalf("first offense check: %v", err)
		}
	}

	// Let the cooldown lapse, then reoffend in a fresh window. The stale
	// marker must be restarted, not left behind for GC.
	manual.Advance(15 * time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := thr.Check(ctx, "5.5.5.5"); err != nil {
			t.Fatalf("second offense check: %v", err)
		}
	}

	// Two minutes in, the tally window has rolled over but the second
	// cooldown still pins the state.
	manual.Advance(2 * time.Minute)
	d, err := thr.Check(ctx, "5.5.5.5")
	if err != nil {
		t.Fatalf("check during second cooldown: %v", err)
	}
	if d.State != StateHard {
		t.Fatalf("state = %v, want hard during second cooldown", d.State)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 8*time.Minute {
		t.Fatalf("retry-after = %v, want remainder of the restarted cooldown", d.RetryAfter)
	}
}

func TestWindowRollsOver(t *testing.T) {
	t.Parallel()
	thr, manual := newTestThrottle(t, 1, 10)
	ctx := context.Background()

	if d, _ := thr.Check(ctx, "a"); d.State != StateOK {
		t.Fatalf("first check state = %v, want ok", d.State)
	}
	if d, _ := thr.Check(ctx, "a"); d.State != StateSoft {
		t.Fatalf("second check state = %v, want soft", d.State)
	}

	manual.Advance(2 * time.Minute)
	d, err := thr.Check(ctx, "a")
	if err != nil {
		t.Fatalf("check in new window: %v", err)
	}
	if d.State != StateOK {
		t.Fatalf("state = %v, want ok in fresh window", d.State)
	}
}

func TestIdentitiesAreIsolated(t *testing.T) {
	t.Parallel()
	thr, _ := newTestThrottle(t, 1, 10)
	ctx := context.Background()

	if _, err := thr.Check(ctx, "busy"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if d, _ := thr.Check(ctx, "busy"); d.State != StateSoft {
		t.Fatalf("busy identity state = %v, want soft", d.State)
	}
	d, err := thr.Check(ctx, "quiet")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.State != StateOK {
		t.Fatalf("quiet identity state = %v, want ok", d.State)
	}
}

func TestCheckRequiresIdentity(t *testing.T) {
	t.Parallel()
	thr, _ := newTestThrottle(t, 1, 2)
	if _, err := thr.Check(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty identity")
	}
}
