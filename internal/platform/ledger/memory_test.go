package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

func TestMemoryTransactionalRollback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := NewAccount("alice", "USD", now)
	a.ReleaseEvents()
	if err := store.Insert(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	boom := errors.New("boom")
	err := store.Transactional(ctx, func(ctx context.Context) error {
		locked, err := store.GetByIDForUpdate(ctx, a.ID)
		if err != nil {
			return err
		}
		locked.Balance = money.Balance{AmountMinor: 999, Currency: "USD"}
		if err := store.Save(ctx, locked); err != nil {
			return err
		}
		if err := store.Append(ctx, Entry{
			ID:        NewEntryID(),
			AccountID: a.ID,
			Type:      EntryCredit,
			Currency:  "USD",
		}); err != nil {
			return err
		}
		tr, terr := NewTransfer("ref-rb", a.ID, NewAccountID(), usd(10), "", now)
		if terr != nil {
			return terr
		}
		if err := store.Transfers().Insert(ctx, tr); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	// Everything the transaction touched must be back to committed state.
	after, err := store.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get after rollback: %v", err)
	}
	if after.Balance.AmountMinor != 0 {
		t.Fatalf("save not rolled back: balance %d", after.Balance.AmountMinor)
	}
	entries, err := store.ListByAccount(ctx, a.ID, Page{})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entry append not rolled back: %d entries", len(entries))
	}
	if _, err := store.Transfers().FindByReference(ctx, a.ID, "ref-rb"); !IsKind(err, KindTransferNotFound) {
		t.Fatalf("transfer insert not rolled back: %v", err)
	}

	// The reference is usable again after the rollback.
	err = store.Transactional(ctx, func(ctx context.Context) error {
		tr, terr := NewTransfer("ref-rb", a.ID, NewAccountID(), usd(10), "", now)
		if terr != nil {
			return terr
		}
		return store.Transfers().Insert(ctx, tr)
	})
	if err != nil {
		t.Fatalf("reinsert after rollback: %v", err)
	}
}

func TestMemoryNestedTransactionIsSavepoint(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := NewAccount("alice", "USD", now)
	a.ReleaseEvents()

	inner := errors.New("inner failure")
	err := store.Transactional(ctx, func(ctx context.Context) error {
		if err := store.Insert(ctx, a); err != nil {
			return err
		}
		// The nested failure must undo only its own writes.
		nerr := store.Transactional(ctx, func(ctx context.Context) error {
			if err := store.Append(ctx, Entry{ID: NewEntryID(), AccountID: a.ID, Type: EntryCredit, Currency: "USD"}); err != nil {
				return err
			}
			return inner
		})
		if !errors.Is(nerr, inner) {
			t.Fatalf("expected inner failure, got %v", nerr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer transaction: %v", err)
	}

	if _, err := store.GetByID(ctx, a.ID); err != nil {
		t.Fatalf("outer insert lost: %v", err)
	}
	entries, err := store.ListByAccount(ctx, a.ID, Page{})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("inner append survived savepoint rollback: %d", len(entries))
	}
}

func TestMemoryDuplicateReference(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := NewAccountID()

	t1, err := NewTransfer("ref-1", src, NewAccountID(), usd(10), "", now)
	if err != nil {
		t.Fatalf("new transfer: %v", err)
	}
	if err := store.Transfers().Insert(ctx, t1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	t2, err := NewTransfer("ref-1", src, NewAccountID(), usd(20), "", now)
	if err != nil {
		t.Fatalf("new transfer: %v", err)
	}
	if err := store.Transfers().Insert(ctx, t2); !IsKind(err, KindDuplicateReference) {
		t.Fatalf("expected DUPLICATE_TRANSFER_REFERENCE, got %v", err)
	}

	// Same reference under a different source is fine.
	t3, err := NewTransfer("ref-1", NewAccountID(), src, usd(10), "", now)
	if err != nil {
		t.Fatalf("new transfer: %v", err)
	}
	if err := store.Transfers().Insert(ctx, t3); err != nil {
		t.Fatalf("insert other source: %v", err)
	}
}

func TestMemorySaveVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := NewAccount("alice", "USD", now)
	a.ReleaseEvents()
	if err := store.Insert(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stale, err := store.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	fresh, err := store.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := store.Save(ctx, fresh); err != nil {
		t.Fatalf("save fresh: %v", err)
	}
	if err := store.Save(ctx, stale); !IsKind(err, KindConcurrencyConflict) {
		t.Fatalf("expected CONCURRENCY_CONFLICT, got %v", err)
	}
}
