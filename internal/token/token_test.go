package token

import (
	"context"
	"testing"
	"time"

	"pkt.systems/formd/internal/clock"
	"pkt.systems/formd/internal/privroot"
)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	priv, err := privroot.New(privroot.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("privroot.New: %v", err)
	}
	manual := clock.NewManual(time.Now())
	store, err := New(Config{Private: priv, Clock: manual})
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	return store, manual
}

func TestMintAndValidateHidden(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	minted, err := store.Mint(ctx, "contact", ModeHidden, time.Hour, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if minted.Identity == "" {
		t.Fatal("expected non-empty identity")
	}
	if minted.Record.FormID != "contact" || minted.Record.Mode != ModeHidden {
		t.Fatalf("unexpected record %+v", minted.Record)
	}

	v, err := store.Validate(ctx, minted.Identity, "contact", ModeHidden, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !v.OK || v.Reason != ReasonNone {
		t.Fatalf("expected OK validation, got %+v", v)
	}
	if v.SubmissionID != minted.Identity {
		t.Fatalf("hidden submission id = %q, want identity %q", v.SubmissionID, minted.Identity)
	}

	// Validation never consumes a token.
	again, err := store.Validate(ctx, minted.Identity, "contact", ModeHidden, 0)
	if err != nil {
		t.Fatalf("Validate again: %v", err)
	}
	if !again.OK {
		t.Fatalf("second validation failed: %+v", again)
	}
}

func TestValidateReasons(t *testing.T) {
	t.Parallel()
	store, manual := newTestStore(t)
	ctx := context.Background()

	minted, err := store.Mint(ctx, "contact", ModeHidden, time.Hour, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	cases := []struct {
		name     string
		identity string
		formID   string
		mode     Mode
		want     Reason
	}{
		{"missing identity", "", "contact", ModeHidden, ReasonMissing},
		{"unknown identity", "deadbeef", "contact", ModeHidden, ReasonMissing},
		{"wrong form", minted.Identity, "signup", ModeHidden, ReasonFormMismatch},
		{"wrong mode", minted.Identity, "contact", ModeCookie, ReasonModeMismatch},
	}
	for _, tc := range cases {
		v, err := store.Validate(ctx, tc.identity, tc.formID, tc.mode, 0)
		if err != nil {
			t.Fatalf("%s: Validate: %v", tc.name, err)
		}
		if v.OK || v.Reason != tc.want {
			t.Fatalf("%s: got %+v, want reason %v", tc.name, v, tc.want)
		}
	}

	manual.Advance(time.Hour + time.Second)
	v, err := store.Validate(ctx, minted.Identity, "contact", ModeHidden, 0)
	if err != nil {
		t.Fatalf("Validate after expiry: %v", err)
	}
	if v.OK || v.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %+v", v)
	}
}

func TestCookieSlots(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	minted, err := store.Mint(ctx, "contact", ModeCookie, time.Hour, []int{0, 1})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	v0, err := store.Validate(ctx, minted.Identity, "contact", ModeCookie, 0)
	if err != nil {
		t.Fatalf("Validate slot 0: %v", err)
	}
	v1, err := store.Validate(ctx, minted.Identity, "contact", ModeCookie, 1)
	if err != nil {
		t.Fatalf("Validate slot 1: %v", err)
	}
	if !v0.OK || !v1.OK {
		t.Fatalf("expected both slots valid, got %+v and %+v", v0, v1)
	}
	if v0.SubmissionID == v1.SubmissionID {
		t.Fatalf("slots must map to distinct submission ids, both %q", v0.SubmissionID)
	}

	v2, err := store.Validate(ctx, minted.Identity, "contact", ModeCookie, 2)
	if err != nil {
		t.Fatalf("Validate slot 2: %v", err)
	}
	if v2.OK || v2.Reason != ReasonSlotNotAllowed {
		t.Fatalf("expected slot_not_allowed, got %+v", v2)
	}
}

func TestCookieWithoutSlotListAllowsAnySlot(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	minted, err := store.Mint(ctx, "contact", ModeCookie, time.Hour, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	v, err := store.Validate(ctx, minted.Identity, "contact", ModeCookie, 7)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !v.OK || v.Slot != 7 {
		t.Fatalf("expected slot 7 accepted, got %+v", v)
	}
}

func TestMintRejectsBadInput(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Mint(ctx, "", ModeHidden, time.Hour, nil); err == nil {
		t.Fatal("expected error for empty form id")
	}
	if _, err := store.Mint(ctx, "contact", Mode("bogus"), time.Hour, nil); err == nil {
		t.Fatal("expected error for invalid mode")
	}
	if _, err := store.Mint(ctx, "contact", ModeHidden, 0, nil); err == nil {
		t.Fatal("expected error for zero ttl")
	}
	if _, err := store.Mint(ctx, "contact", ModeHidden, 500*time.Millisecond, nil); err == nil {
		t.Fatal("expected error for sub-second ttl")
	}
	if _, err := store.Mint(ctx, "contact", ModeHidden, time.Hour, []int{0}); err == nil {
		t.Fatal("expected error for hidden mode with slots")
	}
}
