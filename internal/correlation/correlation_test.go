package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestEnsureGeneratesOnce(t *testing.T) {
	t.Parallel()
	ctx := Ensure(context.Background())
	id := ID(ctx)
	if id == "" {
		t.Fatal("Ensure should generate an id")
	}
	if got := ID(Ensure(ctx)); got != id {
		t.Fatalf("Ensure regenerated: %q != %q", got, id)
	}
}

func TestWithNormalizes(t *testing.T) {
	t.Parallel()
	ctx := With(context.Background(), "  req-42  ")
	if got := ID(ctx); got != "req-42" {
		t.Fatalf("ID = %q, want req-42", got)
	}

	// Rejected identifiers leave the context untouched.
	for _, bad := range []string{"", "  ", "tab\there", strings.Repeat("x", MaxIDLength+1), "bin\x01ary"} {
		if got := ID(With(context.Background(), bad)); got != "" {
			t.Fatalf("With(%q) stored %q, want rejection", bad, got)
		}
	}
}

func TestNormalizeBounds(t *testing.T) {
	t.Parallel()
	if id, ok := Normalize(strings.Repeat("a", MaxIDLength)); !ok || len(id) != MaxIDLength {
		t.Fatalf("max-length id rejected: %q, %v", id, ok)
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("over-length id accepted")
	}
}
