package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

func TestCanonicalizeJSON(t *testing.T) {
	got, err := CanonicalizeJSON([]byte(` {"b": 2, "a": {"y": 1, "x": [3, 2]}} `))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":{"x":[3,2],"y":1},"b":2}`
	if string(got) != want {
		t.Fatalf("canonical form = %s, want %s", got, want)
	}

	// Large minor-unit amounts survive without float mangling.
	got, err = CanonicalizeJSON([]byte(`{"amountMinor":9007199254740993}`))
	if err != nil {
		t.Fatalf("canonicalize big int: %v", err)
	}
	if string(got) != `{"amountMinor":9007199254740993}` {
		t.Fatalf("large integer mangled: %s", got)
	}

	if _, err := CanonicalizeJSON([]byte(`{"broken`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestReserveLifecycle(t *testing.T) {
	store := NewMemoryStore()
	repo := store.Idempotency()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	res, err := repo.Reserve(ctx, "k1", "fp-a", clk.Now())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.State != ReservationNew || res.Record.Status != IdempotencyInFlight {
		t.Fatalf("unexpected first reservation: %+v", res)
	}

	// Same fingerprint finds the in-flight record.
	res, err = repo.Reserve(ctx, "k1", "fp-a", clk.Now())
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if res.State != ReservationExisting {
		t.Fatalf("expected existing reservation, got %+v", res)
	}

	// Different fingerprint is a mismatch.
	res, err = repo.Reserve(ctx, "k1", "fp-b", clk.Now())
	if err != nil {
		t.Fatalf("mismatch reserve: %v", err)
	}
	if res.State != ReservationMismatch {
		t.Fatalf("expected mismatch, got %+v", res)
	}

	// Completion stores the replayable response.
	if err := repo.Complete(ctx, "k1", IdempotencyCompleted, 201, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err = repo.Reserve(ctx, "k1", "fp-a", clk.Now())
	if err != nil {
		t.Fatalf("replay reserve: %v", err)
	}
	if res.State != ReservationExisting || res.Record.Status != IdempotencyCompleted ||
		res.Record.ResponseCode != 201 || string(res.Record.ResponseBody) != `{"ok":true}` {
		t.Fatalf("stored response not replayable: %+v", res.Record)
	}

	// Delete frees the key for a retry.
	if err := repo.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err = repo.Reserve(ctx, "k1", "fp-b", clk.Now())
	if err != nil {
		t.Fatalf("reserve after delete: %v", err)
	}
	if res.State != ReservationNew {
		t.Fatalf("key not freed by delete: %+v", res)
	}
}

func TestReserveExpiredKeyIsReusable(t *testing.T) {
	store := NewMemoryStore()
	repo := store.Idempotency()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := repo.Reserve(ctx, "k1", "fp-a", clk.Now()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(IdempotencyTTL + time.Minute)

	res, err := repo.Reserve(ctx, "k1", "fp-b", clk.Now())
	if err != nil {
		t.Fatalf("reserve expired: %v", err)
	}
	if res.State != ReservationNew {
		t.Fatalf("expired key not reusable: %+v", res)
	}
}

func TestPrunerSweep(t *testing.T) {
	store := NewMemoryStore()
	repo := store.Idempotency()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := repo.Reserve(ctx, "old-1", "fp", clk.Now()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := repo.Reserve(ctx, "old-2", "fp", clk.Now()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(IdempotencyTTL + time.Minute)
	if _, err := repo.Reserve(ctx, "fresh", "fp", clk.Now()); err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}

	pruner := &IdempotencyPruner{Repo: repo, Clock: clk, Log: zerolog.Nop()}
	if deleted := pruner.Sweep(ctx); deleted != 2 {
		t.Fatalf("expected 2 pruned, got %d", deleted)
	}

	res, err := repo.Reserve(ctx, "fresh", "fp", clk.Now())
	if err != nil {
		t.Fatalf("reserve after sweep: %v", err)
	}
	if res.State != ReservationExisting {
		t.Fatalf("fresh key pruned: %+v", res)
	}
}
