package budget

import (
	"context"
	"testing"
	"time"

	"banterbot/internal/store"
)

func TestRemainingCountsWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := store.NewMemory()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(mem).WithClock(func() time.Time { return now })

	// Two recent sends, one outside the window.
	for _, age := range []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour} {
		if err := mem.RecordAction(ctx, KindMessage, store.Scope{ChannelID: "c1"}, now.Add(-age)); err != nil {
			t.Fatalf("RecordAction: %v", err)
		}
	}

	st, err := l.Remaining(ctx, KindMessage, time.Hour, 5)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if st.Used != 2 || st.Remaining != 3 || !st.CanProceed {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestRemainingMonotonicThenRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := store.NewMemory()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(mem).WithClock(func() time.Time { return now })

	prev := 3
	for i := 0; i < 3; i++ {
		if err := mem.RecordAction(ctx, KindReaction, store.Scope{}, now); err != nil {
			t.Fatalf("RecordAction: %v", err)
		}
		st, err := l.Remaining(ctx, KindReaction, time.Hour, 3)
		if err != nil {
			t.Fatalf("Remaining: %v", err)
		}
		if st.Remaining > prev {
			t.Fatalf("remaining increased within window: %d -> %d", prev, st.Remaining)
		}
		prev = st.Remaining
	}

	st, err := l.Remaining(ctx, KindReaction, time.Hour, 3)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if st.CanProceed || st.Remaining != 0 {
		t.Fatalf("expected exhausted budget, got %+v", st)
	}

	// An hour later everything fell out of the window.
	now = now.Add(61 * time.Minute)
	st, err = l.Remaining(ctx, KindReaction, time.Hour, 3)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if !st.CanProceed || st.Used != 0 || st.Remaining != 3 {
		t.Fatalf("expected recovered budget, got %+v", st)
	}
}

func TestRemainingZeroCapDisables(t *testing.T) {
	t.Parallel()
	l := NewLedger(store.NewMemory())
	st, err := l.Remaining(context.Background(), KindImageGen, 24*time.Hour, 0)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if st.CanProceed {
		t.Fatal("maxAllowed=0 must never proceed")
	}
}

func TestRemainingNilStoreIsZeroUsed(t *testing.T) {
	t.Parallel()
	l := NewLedger(nil)
	st, err := l.Remaining(context.Background(), KindWebSearch, time.Hour, 2)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if !st.CanProceed || st.Used != 0 || st.Remaining != 2 {
		t.Fatalf("empty log should mean zero used: %+v", st)
	}
}
