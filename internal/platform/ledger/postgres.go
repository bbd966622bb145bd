package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

// PGStore implements every repository port on Postgres via pgx. Mutations
// issued inside Transactional ride the transaction stashed in the context;
// reads outside a transaction go straight to the pool.
type PGStore struct {
	pool *pgxpool.Pool

	// LockWait becomes the per-transaction lock_timeout; zero means 5s.
	LockWait time.Duration
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) lockWait() time.Duration {
	if s.LockWait <= 0 {
		return 5 * time.Second
	}
	return s.LockWait
}

// Schema is applied at startup. Everything is IF NOT EXISTS so restarts
// are safe without a migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
  id             uuid PRIMARY KEY,
  owner_name     text NOT NULL,
  balance_minor  bigint NOT NULL DEFAULT 0,
  currency       text NOT NULL,
  status         text NOT NULL,
  version        bigint NOT NULL,
  created_at     timestamptz NOT NULL,
  updated_at     timestamptz NOT NULL,
  closed_at      timestamptz
);

CREATE TABLE IF NOT EXISTS transfers (
  id                      uuid PRIMARY KEY,
  reference               text NOT NULL,
  source_account_id       uuid NOT NULL REFERENCES accounts(id),
  destination_account_id  uuid NOT NULL REFERENCES accounts(id),
  amount_minor            bigint NOT NULL,
  currency                text NOT NULL,
  description             text NOT NULL DEFAULT '',
  status                  text NOT NULL,
  failure_code            text NOT NULL DEFAULT '',
  failure_reason          text NOT NULL DEFAULT '',
  reversal_transfer_id    uuid,
  created_at              timestamptz NOT NULL,
  updated_at              timestamptz NOT NULL,
  completed_at            timestamptz,
  failed_at               timestamptz,
  reversed_at             timestamptz,
  CONSTRAINT transfers_source_reference_key UNIQUE (source_account_id, reference)
);

CREATE INDEX IF NOT EXISTS transfers_source_idx ON transfers (source_account_id, created_at);
CREATE INDEX IF NOT EXISTS transfers_destination_idx ON transfers (destination_account_id, created_at);

CREATE TABLE IF NOT EXISTS ledger_entries (
  id                       uuid PRIMARY KEY,
  account_id               uuid NOT NULL REFERENCES accounts(id),
  entry_type               text NOT NULL,
  movement_type            text NOT NULL,
  amount_minor             bigint NOT NULL CHECK (amount_minor > 0),
  currency                 text NOT NULL,
  balance_after_minor      bigint NOT NULL,
  transfer_id              uuid,
  counterparty_account_id  uuid,
  occurred_at              timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, id);

CREATE TABLE IF NOT EXISTS outbox_events (
  id              uuid PRIMARY KEY,
  aggregate_type  text NOT NULL,
  aggregate_id    text NOT NULL,
  event_type      text NOT NULL,
  payload         jsonb NOT NULL,
  occurred_at     timestamptz NOT NULL,
  published_at    timestamptz,
  attempts        int NOT NULL DEFAULT 0,
  next_attempt_at timestamptz NOT NULL,
  dead_at         timestamptz
);

CREATE INDEX IF NOT EXISTS outbox_pending_idx
  ON outbox_events (next_attempt_at) WHERE published_at IS NULL AND dead_at IS NULL;

CREATE TABLE IF NOT EXISTS idempotency_keys (
  key            text PRIMARY KEY,
  fingerprint    text NOT NULL,
  status         text NOT NULL,
  response_code  int NOT NULL DEFAULT 0,
  response_body  bytea,
  created_at     timestamptz NOT NULL,
  expires_at     timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS idempotency_expiry_idx ON idempotency_keys (expires_at);
`

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// --- transaction plumbing ---

type pgTxCtxKey struct{}

func pgTxFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(pgTxCtxKey{}).(pgx.Tx)
	return tx
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PGStore) q(ctx context.Context) pgQuerier {
	if tx := pgTxFrom(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// Transactional opens a READ COMMITTED transaction with a bounded
// lock_timeout; nested calls become savepoints via pgx's tx.Begin.
func (s *PGStore) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	if outer := pgTxFrom(ctx); outer != nil {
		sp, err := outer.Begin(ctx)
		if err != nil {
			return Wrap(KindInternal, err, "savepoint begin")
		}
		if err := fn(context.WithValue(ctx, pgTxCtxKey{}, sp)); err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		if err := sp.Commit(ctx); err != nil {
			return Wrap(KindInternal, err, "savepoint release")
		}
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Wrap(KindInternal, err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait().Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return Wrap(KindInternal, err, "set lock_timeout")
	}

	if err := fn(context.WithValue(ctx, pgTxCtxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Wrap(KindInternal, err, "commit transaction")
	}
	return nil
}

func pgErr(err error, msg string) error {
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case "23505": // unique_violation
			if pge.ConstraintName == "transfers_source_reference_key" {
				return Wrap(KindDuplicateReference, err, "reference already used by this source account")
			}
			return Wrap(KindConcurrencyConflict, err, msg)
		case "55P03": // lock_not_available
			return Wrap(KindLockTimeout, err, "row lock not acquired within lock_timeout")
		}
	}
	return Wrap(KindInternal, err, msg)
}

// --- AccountRepository ---

const accountColumns = `id, owner_name, balance_minor, currency, status, version, created_at, updated_at, closed_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		a        Account
		id       string
		currency string
		status   string
	)
	err := row.Scan(&id, &a.OwnerName, &a.Balance.AmountMinor, &currency, &status, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.ClosedAt)
	if err != nil {
		return nil, err
	}
	a.ID = AccountID(id)
	a.Balance.Currency = money.Currency(currency)
	a.Status = AccountStatus(status)
	return &a, nil
}

func (s *PGStore) Insert(ctx context.Context, a *Account) error {
	const q = `
INSERT INTO accounts (id, owner_name, balance_minor, currency, status, version, created_at, updated_at, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err := s.q(ctx).Exec(ctx, q,
		a.ID.String(), a.OwnerName, a.Balance.AmountMinor, a.Balance.Currency.String(),
		string(a.Status), a.Version+1, a.CreatedAt, a.UpdatedAt, a.ClosedAt,
	)
	if err != nil {
		return pgErr(err, "insert account")
	}
	a.Version++
	return nil
}

func (s *PGStore) Save(ctx context.Context, a *Account) error {
	const q = `
UPDATE accounts
SET owner_name = $2, balance_minor = $3, currency = $4, status = $5,
    version = version + 1, updated_at = $6, closed_at = $7
WHERE id = $1 AND version = $8
`
	tag, err := s.q(ctx).Exec(ctx, q,
		a.ID.String(), a.OwnerName, a.Balance.AmountMinor, a.Balance.Currency.String(),
		string(a.Status), a.UpdatedAt, a.ClosedAt, a.Version,
	)
	if err != nil {
		return pgErr(err, "save account")
	}
	if tag.RowsAffected() == 0 {
		return E(KindConcurrencyConflict, "account %s version %d is stale", a.ID, a.Version)
	}
	a.Version++
	return nil
}

func (s *PGStore) FindByID(ctx context.Context, id AccountID) (*Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	a, err := scanAccount(s.q(ctx).QueryRow(ctx, q, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr(err, "find account")
	}
	return a, nil
}

func (s *PGStore) GetByID(ctx context.Context, id AccountID) (*Account, error) {
	a, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, E(KindAccountNotFound, "account %s", id)
	}
	return a, nil
}

func (s *PGStore) GetByIDForUpdate(ctx context.Context, id AccountID) (*Account, error) {
	if pgTxFrom(ctx) == nil {
		return nil, E(KindInternal, "GetByIDForUpdate requires an active transaction")
	}
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	a, err := scanAccount(s.q(ctx).QueryRow(ctx, q, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, E(KindAccountNotFound, "account %s", id)
	}
	if err != nil {
		return nil, pgErr(err, "lock account")
	}
	return a, nil
}

func (s *PGStore) ListIDs(ctx context.Context, p Page) ([]AccountID, error) {
	p = p.Clamp(MaxReconcilePageSize)
	const q = `SELECT id FROM accounts ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := s.q(ctx).Query(ctx, q, p.PerPage, p.Offset())
	if err != nil {
		return nil, pgErr(err, "list account ids")
	}
	defer rows.Close()

	var out []AccountID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pgErr(err, "scan account id")
		}
		out = append(out, AccountID(id))
	}
	return out, rows.Err()
}

// --- TransferRepository ---

func (s *PGStore) Transfers() TransferRepository { return pgTransfers{s} }

type pgTransfers struct{ s *PGStore }

const transferColumns = `id, reference, source_account_id, destination_account_id, amount_minor, currency,
  description, status, failure_code, failure_reason, reversal_transfer_id,
  created_at, updated_at, completed_at, failed_at, reversed_at`

func scanTransfer(row pgx.Row) (*Transfer, error) {
	var (
		t                Transfer
		id, source, dest string
		currency, status string
		failureCode      string
		reversalID       *string
	)
	err := row.Scan(&id, &t.Reference, &source, &dest, &t.Amount.AmountMinor, &currency,
		&t.Description, &status, &failureCode, &t.FailureReason, &reversalID,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.FailedAt, &t.ReversedAt)
	if err != nil {
		return nil, err
	}
	t.ID = TransferID(id)
	t.SourceAccountID = AccountID(source)
	t.DestinationAccountID = AccountID(dest)
	t.Amount.Currency = money.Currency(currency)
	t.Status = TransferStatus(status)
	t.FailureCode = Kind(failureCode)
	if reversalID != nil {
		t.ReversalTransferID = TransferID(*reversalID)
	}
	return &t, nil
}

func nullableTransferID(id TransferID) *string {
	if id == "" {
		return nil
	}
	s := id.String()
	return &s
}

func (r pgTransfers) Insert(ctx context.Context, t *Transfer) error {
	const q = `
INSERT INTO transfers (
  id, reference, source_account_id, destination_account_id, amount_minor, currency,
  description, status, failure_code, failure_reason, reversal_transfer_id,
  created_at, updated_at, completed_at, failed_at, reversed_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`
	_, err := r.s.q(ctx).Exec(ctx, q,
		t.ID.String(), t.Reference, t.SourceAccountID.String(), t.DestinationAccountID.String(),
		t.Amount.AmountMinor, t.Amount.Currency.String(), t.Description, string(t.Status),
		string(t.FailureCode), t.FailureReason, nullableTransferID(t.ReversalTransferID),
		t.CreatedAt, t.UpdatedAt, t.CompletedAt, t.FailedAt, t.ReversedAt,
	)
	if err != nil {
		return pgErr(err, "insert transfer")
	}
	return nil
}

func (r pgTransfers) Save(ctx context.Context, t *Transfer) error {
	const q = `
UPDATE transfers
SET status = $2, failure_code = $3, failure_reason = $4, reversal_transfer_id = $5,
    updated_at = $6, completed_at = $7, failed_at = $8, reversed_at = $9
WHERE id = $1
`
	tag, err := r.s.q(ctx).Exec(ctx, q,
		t.ID.String(), string(t.Status), string(t.FailureCode), t.FailureReason,
		nullableTransferID(t.ReversalTransferID), t.UpdatedAt, t.CompletedAt, t.FailedAt, t.ReversedAt,
	)
	if err != nil {
		return pgErr(err, "save transfer")
	}
	if tag.RowsAffected() == 0 {
		return E(KindTransferNotFound, "transfer %s", t.ID)
	}
	return nil
}

func (r pgTransfers) GetByID(ctx context.Context, id TransferID) (*Transfer, error) {
	const q = `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	t, err := scanTransfer(r.s.q(ctx).QueryRow(ctx, q, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, E(KindTransferNotFound, "transfer %s", id)
	}
	if err != nil {
		return nil, pgErr(err, "get transfer")
	}
	return t, nil
}

func (r pgTransfers) FindByReference(ctx context.Context, source AccountID, reference string) (*Transfer, error) {
	const q = `SELECT ` + transferColumns + ` FROM transfers WHERE source_account_id = $1 AND reference = $2`
	t, err := scanTransfer(r.s.q(ctx).QueryRow(ctx, q, source.String(), reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, E(KindTransferNotFound, "transfer reference %q for source %s", reference, source)
	}
	if err != nil {
		return nil, pgErr(err, "find transfer by reference")
	}
	return t, nil
}

func (r pgTransfers) FindByFilters(ctx context.Context, f TransferFilter) (PaginatedTransfers, error) {
	p := f.Page.Clamp(MaxTransferPageSize)
	out := PaginatedTransfers{Page: p.Page, PerPage: p.PerPage}

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.AccountID != "" {
		args = append(args, f.AccountID.String())
		where = append(where, fmt.Sprintf("(source_account_id = $%d OR destination_account_id = $%d)", len(args), len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	if err := r.s.q(ctx).QueryRow(ctx, `SELECT count(*) FROM transfers`+clause, args...).Scan(&out.Total); err != nil {
		return out, pgErr(err, "count transfers")
	}

	args = append(args, p.PerPage, p.Offset())
	q := `SELECT ` + transferColumns + ` FROM transfers` + clause +
		fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.s.q(ctx).Query(ctx, q, args...)
	if err != nil {
		return out, pgErr(err, "list transfers")
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return out, pgErr(err, "scan transfer")
		}
		out.Items = append(out.Items, t)
	}
	return out, rows.Err()
}

// --- LedgerRepository ---

func (s *PGStore) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO ledger_entries (
  id, account_id, entry_type, movement_type, amount_minor, currency,
  balance_after_minor, transfer_id, counterparty_account_id, occurred_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),$10)
`
	_, err := s.q(ctx).Exec(ctx, q,
		e.ID.String(), e.AccountID.String(), string(e.Type), string(e.Movement),
		e.AmountMinor, e.Currency.String(), e.BalanceAfterMinor,
		e.TransferID.String(), e.CounterpartyAccountID.String(), e.OccurredAt,
	)
	if err != nil {
		return pgErr(err, "append ledger entry")
	}
	return nil
}

const entryColumns = `id, account_id, entry_type, movement_type, amount_minor, currency,
  balance_after_minor, transfer_id, counterparty_account_id, occurred_at`

func (s *PGStore) ListByAccount(ctx context.Context, id AccountID, p Page) ([]Entry, error) {
	p = p.Clamp(MaxTransferPageSize)
	// v7 entry ids sort in insertion order, so ORDER BY id is oldest first.
	const q = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1 ORDER BY id LIMIT $2 OFFSET $3`
	rows, err := s.q(ctx).Query(ctx, q, id.String(), p.PerPage, p.Offset())
	if err != nil {
		return nil, pgErr(err, "list ledger entries")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                        Entry
			eid, acct, typ, movement string
			currency                 string
			transferID, counterparty *string
		)
		if err := rows.Scan(&eid, &acct, &typ, &movement, &e.AmountMinor, &currency,
			&e.BalanceAfterMinor, &transferID, &counterparty, &e.OccurredAt); err != nil {
			return nil, pgErr(err, "scan ledger entry")
		}
		e.ID = EntryID(eid)
		e.AccountID = AccountID(acct)
		e.Type = EntryType(typ)
		e.Movement = MovementType(movement)
		e.Currency = money.Currency(currency)
		if transferID != nil {
			e.TransferID = TransferID(*transferID)
		}
		if counterparty != nil {
			e.CounterpartyAccountID = AccountID(*counterparty)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) ComputedBalance(ctx context.Context, id AccountID) (int64, error) {
	const q = `
SELECT COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount_minor ELSE -amount_minor END), 0)
FROM ledger_entries
WHERE account_id = $1
`
	var total int64
	if err := s.q(ctx).QueryRow(ctx, q, id.String()).Scan(&total); err != nil {
		return 0, pgErr(err, "computed balance")
	}
	return total, nil
}

func (s *PGStore) LatestBalanceAfter(ctx context.Context, id AccountID) (int64, bool, error) {
	const q = `
SELECT balance_after_minor
FROM ledger_entries
WHERE account_id = $1
ORDER BY id DESC
LIMIT 1
`
	var balance int64
	err := s.q(ctx).QueryRow(ctx, q, id.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, pgErr(err, "latest balance")
	}
	return balance, true, nil
}

func (s *PGStore) DistinctCurrencies(ctx context.Context, id AccountID) ([]money.Currency, error) {
	const q = `SELECT DISTINCT currency FROM ledger_entries WHERE account_id = $1 ORDER BY currency`
	rows, err := s.q(ctx).Query(ctx, q, id.String())
	if err != nil {
		return nil, pgErr(err, "distinct currencies")
	}
	defer rows.Close()

	var out []money.Currency
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, pgErr(err, "scan currency")
		}
		out = append(out, money.Currency(c))
	}
	return out, rows.Err()
}

// --- OutboxRepository ---

func (s *PGStore) Outbox() OutboxRepository { return pgOutbox{s} }

type pgOutbox struct{ s *PGStore }

func (r pgOutbox) Save(ctx context.Context, e *OutboxEvent) error {
	if pgTxFrom(ctx) == nil {
		return E(KindOutboxOutsideTx, "outbox append without an active transaction")
	}
	const q = `
INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, occurred_at, attempts, next_attempt_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := r.s.q(ctx).Exec(ctx, q,
		e.ID, e.AggregateType, e.AggregateID, string(e.EventType), e.Payload,
		e.OccurredAt, e.Attempts, e.NextAttemptAt,
	)
	if err != nil {
		return pgErr(err, "insert outbox event")
	}
	return nil
}

// Pending skips an event while an earlier unpublished, non-dead event for
// the same aggregate is still backed off, so redelivery keeps per-aggregate
// order across passes.
func (r pgOutbox) Pending(ctx context.Context, limit int, now time.Time) ([]OutboxEvent, error) {
	const q = `
SELECT o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.occurred_at, o.published_at, o.attempts, o.next_attempt_at, o.dead_at
FROM outbox_events o
WHERE o.published_at IS NULL AND o.dead_at IS NULL AND o.next_attempt_at <= $1
  AND NOT EXISTS (
    SELECT 1 FROM outbox_events h
    WHERE h.aggregate_type = o.aggregate_type
      AND h.aggregate_id = o.aggregate_id
      AND h.id < o.id
      AND h.published_at IS NULL
      AND h.dead_at IS NULL
      AND h.next_attempt_at > $1
  )
ORDER BY o.id
LIMIT $2
`
	rows, err := r.s.q(ctx).Query(ctx, q, now, limit)
	if err != nil {
		return nil, pgErr(err, "pending outbox events")
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var (
			e   OutboxEvent
			typ string
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &typ, &e.Payload,
			&e.OccurredAt, &e.PublishedAt, &e.Attempts, &e.NextAttemptAt, &e.DeadAt); err != nil {
			return nil, pgErr(err, "scan outbox event")
		}
		e.EventType = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r pgOutbox) MarkPublished(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE outbox_events SET published_at = $2 WHERE id = $1`
	tag, err := r.s.q(ctx).Exec(ctx, q, id, at)
	if err != nil {
		return pgErr(err, "mark outbox published")
	}
	if tag.RowsAffected() == 0 {
		return E(KindInternal, "outbox event %s not found", id)
	}
	return nil
}

func (r pgOutbox) BumpFailure(ctx context.Context, id string, attempts int, nextAttemptAt time.Time) error {
	const q = `UPDATE outbox_events SET attempts = $2, next_attempt_at = $3 WHERE id = $1`
	tag, err := r.s.q(ctx).Exec(ctx, q, id, attempts, nextAttemptAt)
	if err != nil {
		return pgErr(err, "bump outbox failure")
	}
	if tag.RowsAffected() == 0 {
		return E(KindInternal, "outbox event %s not found", id)
	}
	return nil
}

func (r pgOutbox) MarkDead(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE outbox_events SET dead_at = $2, attempts = attempts + 1 WHERE id = $1`
	tag, err := r.s.q(ctx).Exec(ctx, q, id, at)
	if err != nil {
		return pgErr(err, "mark outbox dead")
	}
	if tag.RowsAffected() == 0 {
		return E(KindInternal, "outbox event %s not found", id)
	}
	return nil
}

// --- IdempotencyRepository ---

func (s *PGStore) Idempotency() IdempotencyRepository { return pgIdempotency{s} }

type pgIdempotency struct{ s *PGStore }

func (r pgIdempotency) Reserve(ctx context.Context, key, fingerprint string, now time.Time) (Reservation, error) {
	// Expired rows are cleared eagerly so the key is reusable before the
	// prune worker gets to it.
	const clear = `DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2`
	if _, err := r.s.q(ctx).Exec(ctx, clear, key, now); err != nil {
		return Reservation{}, pgErr(err, "clear expired idempotency key")
	}

	const ins = `
INSERT INTO idempotency_keys (key, fingerprint, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO NOTHING
`
	tag, err := r.s.q(ctx).Exec(ctx, ins, key, fingerprint, string(IdempotencyInFlight), now, now.Add(IdempotencyTTL))
	if err != nil {
		return Reservation{}, pgErr(err, "reserve idempotency key")
	}
	if tag.RowsAffected() == 1 {
		rec := IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      IdempotencyInFlight,
			CreatedAt:   now,
			ExpiresAt:   now.Add(IdempotencyTTL),
		}
		return Reservation{State: ReservationNew, Record: &rec}, nil
	}

	const sel = `
SELECT key, fingerprint, status, response_code, response_body, created_at, expires_at
FROM idempotency_keys
WHERE key = $1
`
	var rec IdempotencyRecord
	var status string
	err = r.s.q(ctx).QueryRow(ctx, sel, key).Scan(
		&rec.Key, &rec.Fingerprint, &status, &rec.ResponseCode, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a race with a concurrent Delete; the caller retries.
		return Reservation{}, E(KindRequestInProgress, "idempotency key %q is contended, retry", key)
	}
	if err != nil {
		return Reservation{}, pgErr(err, "load idempotency record")
	}
	rec.Status = IdempotencyStatus(status)
	if rec.Fingerprint != fingerprint {
		return Reservation{State: ReservationMismatch, Record: &rec}, nil
	}
	return Reservation{State: ReservationExisting, Record: &rec}, nil
}

func (r pgIdempotency) Complete(ctx context.Context, key string, status IdempotencyStatus, responseCode int, responseBody []byte) error {
	const q = `
UPDATE idempotency_keys
SET status = $2, response_code = $3, response_body = $4
WHERE key = $1
`
	tag, err := r.s.q(ctx).Exec(ctx, q, key, string(status), responseCode, responseBody)
	if err != nil {
		return pgErr(err, "complete idempotency key")
	}
	if tag.RowsAffected() == 0 {
		return E(KindInternal, "idempotency key %q not reserved", key)
	}
	return nil
}

func (r pgIdempotency) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM idempotency_keys WHERE key = $1`
	if _, err := r.s.q(ctx).Exec(ctx, q, key); err != nil {
		return pgErr(err, "delete idempotency key")
	}
	return nil
}

func (r pgIdempotency) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM idempotency_keys WHERE expires_at <= $1`
	tag, err := r.s.q(ctx).Exec(ctx, q, now)
	if err != nil {
		return 0, pgErr(err, "delete expired idempotency keys")
	}
	return tag.RowsAffected(), nil
}
