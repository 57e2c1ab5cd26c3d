package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/formd/internal/privroot"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	priv, err := privroot.New(privroot.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("privroot.New: %v", err)
	}
	led, err := New(Config{Private: priv})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return led
}

func TestReserveExactlyOnceUnderConcurrency(t *testing.T) {
	t.Parallel()
	led := newTestLedger(t)
	ctx := context.Background()

	const attempts = 32
	var wins, dups atomic.Int64
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			err := led.Reserve(ctx, "contact", "sub-1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrDuplicate):
				dups.Add(1)
			default:
				t.Errorf("Reserve: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins.Load())
	}
	if dups.Load() != attempts-1 {
		t.Fatalf("duplicates = %d, want %d", dups.Load(), attempts-1)
	}
}

func TestReserveIsolatesFormsAndSubmissions(t *testing.T) {
	t.Parallel()
	led := newTestLedger(t)
	ctx := context.Background()

	if err := led.Reserve(ctx, "contact", "sub-1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	// Same submission id under another form is a distinct pair.
	if err := led.Reserve(ctx, "signup", "sub-1"); err != nil {
		t.Fatalf("other form reserve: %v", err)
	}
	if err := led.Reserve(ctx, "contact", "sub-2"); err != nil {
		t.Fatalf("other submission reserve: %v", err)
	}
	if err := led.Reserve(ctx, "contact", "sub-1"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("repeat reserve = %v, want ErrDuplicate", err)
	}
}

func TestReserveValidatesInput(t *testing.T) {
	t.Parallel()
	led := newTestLedger(t)
	ctx := context.Background()

	if err := led.Reserve(ctx, "", "sub-1"); err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("empty form id: got %v", err)
	}
	if err := led.Reserve(ctx, "contact", ""); err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("empty submission id: got %v", err)
	}
}

func TestReserveSurvivesAwkwardFormIDs(t *testing.T) {
	t.Parallel()
	led := newTestLedger(t)
	ctx := context.Background()

	// Form ids come from application config but may contain separators.
	if err := led.Reserve(ctx, "news/letter signup", "sub-1"); err != nil {
		t.Fatalf("reserve with escaped form id: %v", err)
	}
	if err := led.Reserve(ctx, "news/letter signup", "sub-1"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("repeat = %v, want ErrDuplicate", err)
	}
}
