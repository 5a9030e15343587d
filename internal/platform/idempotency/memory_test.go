package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreReserveLifecycle(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := store.Reserve(ctx, "evt_1", "payment_intent.succeeded"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	if err := store.Reserve(ctx, "evt_1", "payment_intent.succeeded"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight for concurrent delivery, got %v", err)
	}

	if err := store.MarkProcessed(ctx, "evt_1"); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}

	if err := store.Reserve(ctx, "evt_1", "payment_intent.succeeded"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed for redelivery, got %v", err)
	}
}

func TestMemoryStoreReleaseAllowsRetry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Reserve(ctx, "evt_2", "payment_intent.payment_failed"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := store.Release(ctx, "evt_2"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.Reserve(ctx, "evt_2", "payment_intent.payment_failed"); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
}

func TestMemoryStoreReleaseIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Release(ctx, "evt_unknown"); err != nil {
		t.Fatalf("release of unknown event failed: %v", err)
	}

	if err := store.Reserve(ctx, "evt_3", "charge.refunded"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := store.MarkProcessed(ctx, "evt_3"); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}
	// Releasing a processed event must not reopen it.
	if err := store.Release(ctx, "evt_3"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.Reserve(ctx, "evt_3", "charge.refunded"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestMemoryStoreStaleClaimTakeover(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(
		WithClock(func() time.Time { return now }),
		WithClaimGrace(time.Minute),
	)
	ctx := context.Background()

	if err := store.Reserve(ctx, "evt_4", "payment_intent.succeeded"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := store.Reserve(ctx, "evt_4", "payment_intent.succeeded"); err != nil {
		t.Fatalf("expected stale claim takeover, got %v", err)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(
		WithClock(func() time.Time { return now }),
		WithRetention(time.Hour),
	)
	ctx := context.Background()

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		if err := store.Reserve(ctx, id, "payment_intent.succeeded"); err != nil {
			t.Fatalf("reserve %s failed: %v", id, err)
		}
		if err := store.MarkProcessed(ctx, id); err != nil {
			t.Fatalf("mark %s failed: %v", id, err)
		}
	}

	deleted, err := store.CleanupExpired(ctx, now.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected nothing expired, got %d", deleted)
	}

	deleted, err = store.CleanupExpired(ctx, now.Add(2*time.Hour), 2)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected limit to bound deletions, got %d", deleted)
	}

	deleted, err = store.CleanupExpired(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected remaining record deleted, got %d", deleted)
	}
}
