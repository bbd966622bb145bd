package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

// MemoryStore implements every repository port plus TxManager without a
// database. The daemon runs on it when no database URL is configured, and
// the tests use it for deterministic concurrency runs. FOR UPDATE becomes
// a per-account semaphore with a bounded wait; rollback replays a per-row
// undo log, so committed state is all a reader can observe after a
// transaction ends.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[AccountID]*memAccountRow
	transfers map[TransferID]Transfer
	byRef     map[memRefKey]TransferID
	entries   []Entry
	outbox    []OutboxEvent
	idem      map[string]IdempotencyRecord

	// LockWait bounds the row-lock wait; zero means the 5s default.
	LockWait time.Duration
}

type memAccountRow struct {
	acct Account
	lk   chan struct{}
}

type memRefKey struct {
	source    AccountID
	reference string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[AccountID]*memAccountRow),
		transfers: make(map[TransferID]Transfer),
		byRef:     make(map[memRefKey]TransferID),
		idem:      make(map[string]IdempotencyRecord),
	}
}

func (s *MemoryStore) lockWait() time.Duration {
	if s.LockWait <= 0 {
		return 5 * time.Second
	}
	return s.LockWait
}

// --- transaction plumbing ---

type memTxCtxKey struct{}

type memTx struct {
	s     *MemoryStore
	locks map[AccountID]*memAccountRow
	undo  []func()
}

func memTxFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxCtxKey{}).(*memTx)
	return tx
}

// Transactional runs fn with an undo log; nested calls behave like
// savepoints by unwinding only their own suffix of the log.
func (s *MemoryStore) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := memTxFrom(ctx); tx != nil {
		mark := len(tx.undo)
		if err := fn(ctx); err != nil {
			tx.unwindTo(mark)
			return err
		}
		return nil
	}

	tx := &memTx{s: s, locks: make(map[AccountID]*memAccountRow)}
	err := fn(context.WithValue(ctx, memTxCtxKey{}, tx))
	if err != nil {
		tx.unwindTo(0)
		tx.releaseLocks()
		return err
	}
	tx.undo = nil
	tx.releaseLocks()
	return nil
}

func (tx *memTx) unwindTo(mark int) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for i := len(tx.undo) - 1; i >= mark; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:mark]
}

func (tx *memTx) releaseLocks() {
	for _, row := range tx.locks {
		<-row.lk
	}
	tx.locks = nil
}

func (tx *memTx) addUndo(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *memTx) lockRow(ctx context.Context, row *memAccountRow) error {
	if _, held := tx.locks[row.acct.ID]; held {
		return nil
	}
	timer := time.NewTimer(tx.s.lockWait())
	defer timer.Stop()
	select {
	case row.lk <- struct{}{}:
		tx.locks[row.acct.ID] = row
		return nil
	case <-timer.C:
		return E(KindLockTimeout, "account %s row lock not acquired within %s", row.acct.ID, tx.s.lockWait())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyAccount(a Account) Account {
	a.events = nil
	return a
}

func copyTransfer(t Transfer) Transfer {
	t.events = nil
	return t
}

// --- AccountRepository ---

func (s *MemoryStore) Insert(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[a.ID]; exists {
		return E(KindInternal, "account %s already exists", a.ID)
	}
	stored := copyAccount(*a)
	stored.Version = a.Version + 1
	row := &memAccountRow{acct: stored, lk: make(chan struct{}, 1)}
	s.accounts[a.ID] = row
	a.Version = stored.Version
	if tx := memTxFrom(ctx); tx != nil {
		id := a.ID
		tx.addUndo(func() { delete(s.accounts, id) })
	}
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.accounts[a.ID]
	if !exists {
		return E(KindAccountNotFound, "account %s", a.ID)
	}
	if row.acct.Version != a.Version {
		return E(KindConcurrencyConflict, "account %s version %d is stale (stored %d)", a.ID, a.Version, row.acct.Version)
	}
	prev := row.acct
	stored := copyAccount(*a)
	stored.Version = a.Version + 1
	row.acct = stored
	a.Version = stored.Version
	if tx := memTxFrom(ctx); tx != nil {
		tx.addUndo(func() { row.acct = prev })
	}
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id AccountID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.accounts[id]
	if !exists {
		return nil, nil
	}
	a := copyAccount(row.acct)
	return &a, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id AccountID) (*Account, error) {
	a, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, E(KindAccountNotFound, "account %s", id)
	}
	return a, nil
}

func (s *MemoryStore) GetByIDForUpdate(ctx context.Context, id AccountID) (*Account, error) {
	tx := memTxFrom(ctx)
	if tx == nil {
		return nil, E(KindInternal, "GetByIDForUpdate requires an active transaction")
	}
	s.mu.Lock()
	row, exists := s.accounts[id]
	s.mu.Unlock()
	if !exists {
		return nil, E(KindAccountNotFound, "account %s", id)
	}
	if err := tx.lockRow(ctx, row); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := copyAccount(row.acct)
	return &a, nil
}

func (s *MemoryStore) ListIDs(_ context.Context, p Page) ([]AccountID, error) {
	p = p.Clamp(MaxReconcilePageSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]AccountID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	start := p.Offset()
	if start >= len(ids) {
		return nil, nil
	}
	end := start + p.PerPage
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end], nil
}

// --- TransferRepository ---

// Transfers exposes this store as its transfer port; the method set lives
// on a small wrapper because Insert/Save names collide with accounts.
func (s *MemoryStore) Transfers() TransferRepository { return memTransfers{s} }

type memTransfers struct{ s *MemoryStore }

func (r memTransfers) Insert(ctx context.Context, t *Transfer) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memRefKey{source: t.SourceAccountID, reference: t.Reference}
	if _, exists := s.byRef[key]; exists {
		return E(KindDuplicateReference, "reference %q already used by source %s", t.Reference, t.SourceAccountID)
	}
	s.transfers[t.ID] = copyTransfer(*t)
	s.byRef[key] = t.ID
	if tx := memTxFrom(ctx); tx != nil {
		id := t.ID
		tx.addUndo(func() {
			delete(s.transfers, id)
			delete(s.byRef, key)
		})
	}
	return nil
}

func (r memTransfers) Save(ctx context.Context, t *Transfer) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.transfers[t.ID]
	if !exists {
		return E(KindTransferNotFound, "transfer %s", t.ID)
	}
	s.transfers[t.ID] = copyTransfer(*t)
	if tx := memTxFrom(ctx); tx != nil {
		id := t.ID
		tx.addUndo(func() { s.transfers[id] = prev })
	}
	return nil
}

func (r memTransfers) GetByID(_ context.Context, id TransferID) (*Transfer, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, exists := s.transfers[id]
	if !exists {
		return nil, E(KindTransferNotFound, "transfer %s", id)
	}
	out := copyTransfer(t)
	return &out, nil
}

func (r memTransfers) FindByReference(_ context.Context, source AccountID, reference string) (*Transfer, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, exists := s.byRef[memRefKey{source: source, reference: reference}]
	if !exists {
		return nil, E(KindTransferNotFound, "transfer reference %q for source %s", reference, source)
	}
	t := copyTransfer(s.transfers[id])
	return &t, nil
}

func (r memTransfers) FindByFilters(_ context.Context, f TransferFilter) (PaginatedTransfers, error) {
	s := r.s
	p := f.Page.Clamp(MaxTransferPageSize)
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Transfer, 0)
	for _, t := range s.transfers {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AccountID != "" && t.SourceAccountID != f.AccountID && t.DestinationAccountID != f.AccountID {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	out := PaginatedTransfers{Page: p.Page, PerPage: p.PerPage, Total: int64(len(matched))}
	start := p.Offset()
	if start >= len(matched) {
		return out, nil
	}
	end := start + p.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	for i := start; i < end; i++ {
		t := copyTransfer(matched[i])
		out.Items = append(out.Items, &t)
	}
	return out, nil
}

// --- LedgerRepository ---

func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if tx := memTxFrom(ctx); tx != nil {
		id := e.ID
		tx.addUndo(func() { s.removeEntryLocked(id) })
	}
	return nil
}

func (s *MemoryStore) removeEntryLocked(id EntryID) {
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) ListByAccount(_ context.Context, id AccountID, p Page) ([]Entry, error) {
	p = p.Clamp(MaxTransferPageSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]Entry, 0)
	for _, e := range s.entries {
		if e.AccountID == id {
			matched = append(matched, e)
		}
	}
	// Slice order is append order; v7 ids agree with it.
	start := p.Offset()
	if start >= len(matched) {
		return nil, nil
	}
	end := start + p.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (s *MemoryStore) ComputedBalance(_ context.Context, id AccountID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.entries {
		if e.AccountID == id {
			total += e.Signed()
		}
	}
	return total, nil
}

func (s *MemoryStore) LatestBalanceAfter(_ context.Context, id AccountID) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AccountID == id {
			return s.entries[i].BalanceAfterMinor, true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryStore) DistinctCurrencies(_ context.Context, id AccountID) ([]money.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[money.Currency]struct{})
	var out []money.Currency
	for _, e := range s.entries {
		if e.AccountID != id {
			continue
		}
		if _, ok := seen[e.Currency]; ok {
			continue
		}
		seen[e.Currency] = struct{}{}
		out = append(out, e.Currency)
	}
	return out, nil
}

// --- OutboxRepository ---

func (s *MemoryStore) Outbox() OutboxRepository { return memOutbox{s} }

type memOutbox struct{ s *MemoryStore }

func (r memOutbox) Save(ctx context.Context, e *OutboxEvent) error {
	tx := memTxFrom(ctx)
	if tx == nil {
		return E(KindOutboxOutsideTx, "outbox append without an active transaction")
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, *e)
	id := e.ID
	tx.addUndo(func() {
		for i := range s.outbox {
			if s.outbox[i].ID == id {
				s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r memOutbox) Pending(_ context.Context, limit int, now time.Time) ([]OutboxEvent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make([]OutboxEvent, 0, len(s.outbox))
	for _, e := range s.outbox {
		if e.PublishedAt != nil || e.DeadAt != nil {
			continue
		}
		live = append(live, e)
	}
	sort.Slice(live, func(i, j int) bool { return strings.Compare(live[i].ID, live[j].ID) < 0 })

	// A backed-off event holds back every later event of its aggregate;
	// otherwise redelivery would hand followers to the transport ahead of
	// their head.
	blocked := make(map[string]struct{})
	out := make([]OutboxEvent, 0, limit)
	for _, e := range live {
		key := e.AggregateType + ":" + e.AggregateID
		if _, held := blocked[key]; held {
			continue
		}
		if e.NextAttemptAt.After(now) {
			blocked[key] = struct{}{}
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r memOutbox) MarkPublished(_ context.Context, id string, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			published := at
			s.outbox[i].PublishedAt = &published
			return nil
		}
	}
	return E(KindInternal, "outbox event %s not found", id)
}

func (r memOutbox) BumpFailure(_ context.Context, id string, attempts int, nextAttemptAt time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Attempts = attempts
			s.outbox[i].NextAttemptAt = nextAttemptAt
			return nil
		}
	}
	return E(KindInternal, "outbox event %s not found", id)
}

func (r memOutbox) MarkDead(_ context.Context, id string, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			dead := at
			s.outbox[i].DeadAt = &dead
			s.outbox[i].Attempts++
			return nil
		}
	}
	return E(KindInternal, "outbox event %s not found", id)
}

// --- IdempotencyRepository ---

func (s *MemoryStore) Idempotency() IdempotencyRepository { return memIdempotency{s} }

type memIdempotency struct{ s *MemoryStore }

func (r memIdempotency) Reserve(_ context.Context, key, fingerprint string, now time.Time) (Reservation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, exists := s.idem[key]; exists && rec.ExpiresAt.After(now) {
		if rec.Fingerprint != fingerprint {
			return Reservation{State: ReservationMismatch, Record: &rec}, nil
		}
		return Reservation{State: ReservationExisting, Record: &rec}, nil
	}
	rec := IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      IdempotencyInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(IdempotencyTTL),
	}
	s.idem[key] = rec
	return Reservation{State: ReservationNew, Record: &rec}, nil
}

func (r memIdempotency) Complete(_ context.Context, key string, status IdempotencyStatus, responseCode int, responseBody []byte) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.idem[key]
	if !exists {
		return E(KindInternal, "idempotency key %q not reserved", key)
	}
	rec.Status = status
	rec.ResponseCode = responseCode
	rec.ResponseBody = append([]byte(nil), responseBody...)
	s.idem[key] = rec
	return nil
}

func (r memIdempotency) Delete(_ context.Context, key string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idem, key)
	return nil
}

func (r memIdempotency) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, rec := range s.idem {
		if !rec.ExpiresAt.After(now) {
			delete(s.idem, key)
			deleted++
		}
	}
	return deleted, nil
}
