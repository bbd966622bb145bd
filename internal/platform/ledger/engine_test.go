package ledger

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *clock.Fixed) {
	t.Helper()
	store := NewMemoryStore()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(Deps{
		Accounts:    store,
		Transfers:   store.Transfers(),
		Entries:     store,
		Outbox:      store.Outbox(),
		Idempotency: store.Idempotency(),
		Tx:          store,
		Clock:       clk,
		Log:         zerolog.Nop(),
		Ops:         audit.NewChain(),
	})
	return eng, store, clk
}

func openTestAccount(t *testing.T, eng *Engine, owner string, initial int64) *AccountDTO {
	t.Helper()
	dto, err := eng.OpenAccount(context.Background(), OpenAccountRequest{
		OwnerName:           owner,
		Currency:            "USD",
		InitialBalanceMinor: initial,
	})
	if err != nil {
		t.Fatalf("open account for %s: %v", owner, err)
	}
	return dto
}

func outboxTypes(store *MemoryStore) []EventType {
	store.mu.Lock()
	defer store.mu.Unlock()
	out := make([]EventType, 0, len(store.outbox))
	for _, e := range store.outbox {
		out = append(out, e.EventType)
	}
	return out
}

func TestOpenAccountBootstrapsLedger(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	dto := openTestAccount(t, eng, "alice", 10_000)

	if dto.BalanceMinor != 10_000 || dto.Status != string(AccountActive) {
		t.Fatalf("unexpected account: %+v", dto)
	}
	if dto.Version != 1 {
		t.Fatalf("expected version 1 after insert, got %d", dto.Version)
	}

	computed, err := store.ComputedBalance(context.Background(), AccountID(dto.ID))
	if err != nil {
		t.Fatalf("computed balance: %v", err)
	}
	if computed != 10_000 {
		t.Fatalf("ledger does not cover opening balance: computed %d", computed)
	}

	store.mu.Lock()
	entries := append([]Entry(nil), store.entries...)
	store.mu.Unlock()
	if len(entries) != 1 || entries[0].Type != EntryCredit || entries[0].Movement != MovementBootstrap {
		t.Fatalf("expected one bootstrap credit entry, got %+v", entries)
	}

	types := outboxTypes(store)
	if len(types) != 2 || types[0] != EventAccountOpened || types[1] != EventAccountCredited {
		t.Fatalf("unexpected outbox events: %v", types)
	}
}

func TestExecuteTransferSimple(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	src := openTestAccount(t, eng, "alice", 10_000)
	dst := openTestAccount(t, eng, "bob", 0)

	result, err := eng.ExecuteTransfer(context.Background(), TransferRequest{
		Reference:            "rent-2026-03",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          2_500,
		Currency:             "USD",
		Description:          "march rent",
	})
	if err != nil {
		t.Fatalf("execute transfer: %v", err)
	}
	if result.StatusCode != http.StatusCreated || result.Transfer.Status != string(TransferCompleted) {
		t.Fatalf("unexpected result: %+v", result.Transfer)
	}

	srcAfter, err := eng.GetAccount(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	dstAfter, err := eng.GetAccount(context.Background(), dst.ID)
	if err != nil {
		t.Fatalf("get destination: %v", err)
	}
	if srcAfter.BalanceMinor != 7_500 || dstAfter.BalanceMinor != 2_500 {
		t.Fatalf("balances wrong: src=%d dst=%d", srcAfter.BalanceMinor, dstAfter.BalanceMinor)
	}

	// One debit and one credit entry, same transfer, same amount.
	srcEntries, err := eng.ListEntries(context.Background(), src.ID, Page{})
	if err != nil {
		t.Fatalf("list source entries: %v", err)
	}
	dstEntries, err := eng.ListEntries(context.Background(), dst.ID, Page{})
	if err != nil {
		t.Fatalf("list destination entries: %v", err)
	}
	lastSrc := srcEntries[len(srcEntries)-1]
	lastDst := dstEntries[len(dstEntries)-1]
	if lastSrc.Type != string(EntryDebit) || lastDst.Type != string(EntryCredit) {
		t.Fatalf("entry types wrong: %s %s", lastSrc.Type, lastDst.Type)
	}
	if lastSrc.TransferID != result.Transfer.ID || lastDst.TransferID != result.Transfer.ID {
		t.Fatal("entries not linked to the transfer")
	}
	if lastSrc.AmountMinor != 2_500 || lastDst.AmountMinor != 2_500 {
		t.Fatalf("entry amounts wrong: %d %d", lastSrc.AmountMinor, lastDst.AmountMinor)
	}
	if lastSrc.BalanceAfterMinor != 7_500 || lastDst.BalanceAfterMinor != 2_500 {
		t.Fatalf("balance-after wrong: %d %d", lastSrc.BalanceAfterMinor, lastDst.BalanceAfterMinor)
	}

	// Outbox captured the movement and the completion atomically.
	var sawCompleted bool
	for _, typ := range outboxTypes(store) {
		if typ == EventTransferCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatal("TransferCompleted missing from outbox")
	}
}

func TestExecuteTransferReferenceRetry(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	src := openTestAccount(t, eng, "alice", 10_000)
	dst := openTestAccount(t, eng, "bob", 0)

	req := TransferRequest{
		Reference:            "once-only",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          1_000,
		Currency:             "USD",
	}
	first, err := eng.ExecuteTransfer(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := eng.ExecuteTransfer(context.Background(), req)
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}

	if second.Transfer.ID != first.Transfer.ID {
		t.Fatalf("retry created a new transfer: %s vs %s", second.Transfer.ID, first.Transfer.ID)
	}
	if second.StatusCode != http.StatusOK {
		t.Fatalf("retry should report 200, got %d", second.StatusCode)
	}

	// No double movement.
	srcAfter, _ := eng.GetAccount(context.Background(), src.ID)
	if srcAfter.BalanceMinor != 9_000 {
		t.Fatalf("retry moved money twice: %d", srcAfter.BalanceMinor)
	}
	store.mu.Lock()
	entryCount := len(store.entries)
	store.mu.Unlock()
	if entryCount != 3 { // bootstrap + debit + credit
		t.Fatalf("expected 3 entries, got %d", entryCount)
	}

	// Same reference with a different amount is a hard conflict.
	conflicting := req
	conflicting.AmountMinor = 2_000
	if _, err := eng.ExecuteTransfer(context.Background(), conflicting); !IsKind(err, KindDuplicateReference) {
		t.Fatalf("expected DUPLICATE_TRANSFER_REFERENCE, got %v", err)
	}
}

func TestExecuteTransferInsufficientFunds(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	src := openTestAccount(t, eng, "alice", 500)
	dst := openTestAccount(t, eng, "bob", 0)

	result, err := eng.ExecuteTransfer(context.Background(), TransferRequest{
		Reference:            "too-big",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          501,
		Currency:             "USD",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Transfer.Status != string(TransferFailed) {
		t.Fatalf("expected FAILED transfer, got %s", result.Transfer.Status)
	}
	if result.Transfer.FailureCode != string(KindInsufficientFunds) {
		t.Fatalf("failure code wrong: %s", result.Transfer.FailureCode)
	}

	// No balances moved, no entries written, FAILED row committed.
	srcAfter, _ := eng.GetAccount(context.Background(), src.ID)
	dstAfter, _ := eng.GetAccount(context.Background(), dst.ID)
	if srcAfter.BalanceMinor != 500 || dstAfter.BalanceMinor != 0 {
		t.Fatalf("failed transfer moved money: %d %d", srcAfter.BalanceMinor, dstAfter.BalanceMinor)
	}
	stored, err := eng.GetTransfer(context.Background(), result.Transfer.ID)
	if err != nil {
		t.Fatalf("failed transfer not committed: %v", err)
	}
	if stored.Status != string(TransferFailed) {
		t.Fatalf("stored status wrong: %s", stored.Status)
	}

	var sawFailed bool
	for _, typ := range outboxTypes(store) {
		if typ == EventTransferFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatal("TransferFailed missing from outbox")
	}
}

func TestExecuteTransferFrozenSource(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	src := openTestAccount(t, eng, "alice", 1_000)
	dst := openTestAccount(t, eng, "bob", 0)

	if _, err := eng.FreezeAccount(context.Background(), src.ID); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	result, err := eng.ExecuteTransfer(context.Background(), TransferRequest{
		Reference:            "frozen-src",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          100,
		Currency:             "USD",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Transfer.Status != string(TransferFailed) ||
		result.Transfer.FailureCode != string(KindInvalidAccountState) {
		t.Fatalf("expected FAILED/INVALID_ACCOUNT_STATE, got %+v", result.Transfer)
	}
}

func TestCloseAccountWithBalanceFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	acct := openTestAccount(t, eng, "alice", 250)

	if _, err := eng.CloseAccount(context.Background(), acct.ID); !IsKind(err, KindNonZeroBalanceOnClose) {
		t.Fatalf("expected NON_ZERO_BALANCE_ON_CLOSE, got %v", err)
	}
	after, err := eng.GetAccount(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if after.Status != string(AccountActive) {
		t.Fatalf("failed close changed status: %s", after.Status)
	}
}

func TestExecuteTransferIdempotencyKey(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	src := openTestAccount(t, eng, "alice", 10_000)
	dst := openTestAccount(t, eng, "bob", 0)

	req := TransferRequest{
		IdempotencyKey:       "key-1",
		Reference:            "ref-a",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          1_000,
		Currency:             "USD",
	}
	first, err := eng.ExecuteTransfer(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// Same key, same body: stored response replays byte for byte.
	replay, err := eng.ExecuteTransfer(context.Background(), req)
	if err != nil {
		t.Fatalf("replay execute: %v", err)
	}
	if !replay.Replayed {
		t.Fatal("expected replayed result")
	}
	if string(replay.Body) != string(first.Body) {
		t.Fatal("replayed body differs from original")
	}
	if replay.Transfer.ID != first.Transfer.ID {
		t.Fatalf("replay returned a different transfer: %s", replay.Transfer.ID)
	}

	// Same key, different body: conflict.
	conflicting := req
	conflicting.Reference = "ref-b"
	if _, err := eng.ExecuteTransfer(context.Background(), conflicting); !IsKind(err, KindIdempotencyConflict) {
		t.Fatalf("expected IDEMPOTENCY_KEY_CONFLICT, got %v", err)
	}

	// Equivalent JSON with reordered keys fingerprints identically.
	body1 := []byte(`{"reference":"r","amountMinor":100,"currency":"USD"}`)
	body2 := []byte(`{"currency":"USD","reference":"r","amountMinor":100}`)
	fp1, err := Fingerprint(body1)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := Fingerprint(body2)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatal("canonicalization did not normalize key order")
	}
}

func TestExecuteTransferInFlightKey(t *testing.T) {
	eng, store, clk := newTestEngine(t)
	src := openTestAccount(t, eng, "alice", 1_000)
	dst := openTestAccount(t, eng, "bob", 0)

	req := TransferRequest{
		IdempotencyKey:       "key-inflight",
		Reference:            "ref-x",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          100,
		Currency:             "USD",
	}
	fp, err := req.fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	// Simulate a concurrent holder of the same key.
	if _, err := store.Idempotency().Reserve(context.Background(), req.IdempotencyKey, fp, clk.Now()); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := eng.ExecuteTransfer(context.Background(), req); !IsKind(err, KindRequestInProgress) {
		t.Fatalf("expected REQUEST_IN_PROGRESS, got %v", err)
	}
}

func TestReverseTransfer(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	src := openTestAccount(t, eng, "alice", 10_000)
	dst := openTestAccount(t, eng, "bob", 0)

	orig, err := eng.ExecuteTransfer(context.Background(), TransferRequest{
		Reference:            "to-reverse",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          3_000,
		Currency:             "USD",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rev, err := eng.ReverseTransfer(context.Background(), orig.Transfer.ID)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if rev.Transfer.Status != string(TransferCompleted) {
		t.Fatalf("reversal not completed: %+v", rev.Transfer)
	}
	if rev.Transfer.SourceAccountID != dst.ID || rev.Transfer.DestinationAccountID != src.ID {
		t.Fatal("reversal direction wrong")
	}

	srcAfter, _ := eng.GetAccount(context.Background(), src.ID)
	dstAfter, _ := eng.GetAccount(context.Background(), dst.ID)
	if srcAfter.BalanceMinor != 10_000 || dstAfter.BalanceMinor != 0 {
		t.Fatalf("reversal did not restore balances: %d %d", srcAfter.BalanceMinor, dstAfter.BalanceMinor)
	}

	original, err := eng.GetTransfer(context.Background(), orig.Transfer.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if original.Status != string(TransferReversed) || original.ReversalTransferID != rev.Transfer.ID {
		t.Fatalf("original not linked to reversal: %+v", original)
	}

	// Reversing again returns the same reversal, not a second movement.
	again, err := eng.ReverseTransfer(context.Background(), orig.Transfer.ID)
	if err != nil {
		t.Fatalf("second reverse: %v", err)
	}
	if again.Transfer.ID != rev.Transfer.ID || again.StatusCode != http.StatusOK {
		t.Fatalf("second reverse not idempotent: %+v", again)
	}

	// A FAILED transfer cannot be reversed.
	small := openTestAccount(t, eng, "carol", 10)
	failed, err := eng.ExecuteTransfer(context.Background(), TransferRequest{
		Reference:            "will-fail",
		SourceAccountID:      small.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          100,
		Currency:             "USD",
	})
	if err != nil {
		t.Fatalf("execute failing transfer: %v", err)
	}
	if _, err := eng.ReverseTransfer(context.Background(), failed.Transfer.ID); !IsKind(err, KindInvalidTransferState) {
		t.Fatalf("expected INVALID_TRANSFER_STATE, got %v", err)
	}
}

func TestListTransfersFilters(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	src := openTestAccount(t, eng, "alice", 10_000)
	dst := openTestAccount(t, eng, "bob", 0)
	other := openTestAccount(t, eng, "carol", 10_000)

	for _, ref := range []string{"a", "b", "c"} {
		if _, err := eng.ExecuteTransfer(context.Background(), TransferRequest{
			Reference:            ref,
			SourceAccountID:      src.ID,
			DestinationAccountID: dst.ID,
			AmountMinor:          100,
			Currency:             "USD",
		}); err != nil {
			t.Fatalf("execute %s: %v", ref, err)
		}
	}
	if _, err := eng.ExecuteTransfer(context.Background(), TransferRequest{
		Reference:            "d",
		SourceAccountID:      other.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          100,
		Currency:             "USD",
	}); err != nil {
		t.Fatalf("execute d: %v", err)
	}

	page, err := eng.ListTransfers(context.Background(), TransferFilter{
		AccountID: AccountID(src.ID),
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected 3 transfers for source, got %d", page.Total)
	}

	page, err = eng.ListTransfers(context.Background(), TransferFilter{
		Status: TransferCompleted,
		Page:   Page{Page: 1, PerPage: 2},
	})
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if page.Total != 4 || len(page.Items) != 2 {
		t.Fatalf("pagination wrong: total=%d items=%d", page.Total, len(page.Items))
	}
}

func TestAccountLockTimeout(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	store.LockWait = 50 * time.Millisecond
	acct := openTestAccount(t, eng, "alice", 0)

	hold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.Transactional(context.Background(), func(ctx context.Context) error {
			if _, err := store.GetByIDForUpdate(ctx, AccountID(acct.ID)); err != nil {
				return err
			}
			close(hold)
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}()

	<-hold
	_, err := eng.FreezeAccount(context.Background(), acct.ID)
	if !IsKind(err, KindLockTimeout) {
		t.Fatalf("expected LOCK_TIMEOUT, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("holder transaction failed: %v", err)
	}
}

// abortingStore mimics the server-side rule that a failed statement
// poisons the enclosing transaction until a rollback (the way Postgres
// answers every statement after a unique violation with "current
// transaction is aborted"). A statement issued in a nested savepoint
// recovers once the savepoint rolls back.
type abortingStore struct {
	*MemoryStore
	depth   int
	aborted bool
}

func (s *abortingStore) Transactional(ctx context.Context, fn func(context.Context) error) error {
	s.depth++
	err := s.MemoryStore.Transactional(ctx, fn)
	s.depth--
	if err != nil {
		s.aborted = false
	}
	return err
}

func (s *abortingStore) Transfers() TransferRepository { return abortingTransfers{s} }

type abortingTransfers struct{ s *abortingStore }

func (r abortingTransfers) guard() error {
	if r.s.aborted {
		return E(KindInternal, "current transaction is aborted")
	}
	return nil
}

func (r abortingTransfers) Insert(ctx context.Context, t *Transfer) error {
	if err := r.guard(); err != nil {
		return err
	}
	err := r.s.MemoryStore.Transfers().Insert(ctx, t)
	if err != nil && r.s.depth > 0 {
		r.s.aborted = true
	}
	return err
}

func (r abortingTransfers) Save(ctx context.Context, t *Transfer) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.s.MemoryStore.Transfers().Save(ctx, t)
}

func (r abortingTransfers) GetByID(ctx context.Context, id TransferID) (*Transfer, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	return r.s.MemoryStore.Transfers().GetByID(ctx, id)
}

func (r abortingTransfers) FindByReference(ctx context.Context, source AccountID, reference string) (*Transfer, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	return r.s.MemoryStore.Transfers().FindByReference(ctx, source, reference)
}

func (r abortingTransfers) FindByFilters(ctx context.Context, f TransferFilter) (PaginatedTransfers, error) {
	if err := r.guard(); err != nil {
		return PaginatedTransfers{}, err
	}
	return r.s.MemoryStore.Transfers().FindByFilters(ctx, f)
}

func newAbortingEngine(t *testing.T) (*Engine, *abortingStore, *clock.Fixed) {
	t.Helper()
	store := &abortingStore{MemoryStore: NewMemoryStore()}
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(Deps{
		Accounts:    store.MemoryStore,
		Transfers:   store.Transfers(),
		Entries:     store.MemoryStore,
		Outbox:      store.MemoryStore.Outbox(),
		Idempotency: store.MemoryStore.Idempotency(),
		Tx:          store,
		Clock:       clk,
		Log:         zerolog.Nop(),
		Ops:         audit.NewChain(),
	})
	return eng, store, clk
}

func TestReferenceRetrySurvivesAbortedInsert(t *testing.T) {
	eng, _, _ := newAbortingEngine(t)
	src := openTestAccount(t, eng, "alice", 10_000)
	dst := openTestAccount(t, eng, "bob", 0)

	req := TransferRequest{
		Reference:            "rent-2026-03",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          1_000,
		Currency:             "USD",
	}
	first, err := eng.ExecuteTransfer(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// The retry's insert hits the unique constraint; the dedup lookup must
	// still succeed in the surrounding transaction.
	retry, err := eng.ExecuteTransfer(context.Background(), req)
	if err != nil {
		t.Fatalf("retry after duplicate insert: %v", err)
	}
	if retry.StatusCode != http.StatusOK || retry.Transfer.ID != first.Transfer.ID {
		t.Fatalf("retry did not return the original transfer: %+v", retry.Transfer)
	}
}

func TestReverseRetrySurvivesAbortedInsert(t *testing.T) {
	eng, store, clk := newAbortingEngine(t)
	src := openTestAccount(t, eng, "alice", 10_000)
	dst := openTestAccount(t, eng, "bob", 0)

	created, err := eng.ExecuteTransfer(context.Background(), TransferRequest{
		Reference:            "rent-2026-03",
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		AmountMinor:          1_000,
		Currency:             "USD",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// A competing retry already inserted the reversal row but has not yet
	// marked the original REVERSED.
	pre, err := NewTransfer(
		"reversal:"+created.Transfer.ID,
		AccountID(dst.ID), AccountID(src.ID), usd(1_000), "", clk.Now(),
	)
	if err != nil {
		t.Fatalf("new reversal: %v", err)
	}
	if err := store.MemoryStore.Transfers().Insert(context.Background(), pre); err != nil {
		t.Fatalf("insert competing reversal: %v", err)
	}

	res, err := eng.ReverseTransfer(context.Background(), created.Transfer.ID)
	if err != nil {
		t.Fatalf("reverse after duplicate insert: %v", err)
	}
	if res.StatusCode != http.StatusOK || res.Transfer.ID != pre.ID.String() {
		t.Fatalf("reverse did not return the existing reversal: %+v", res.Transfer)
	}
}
