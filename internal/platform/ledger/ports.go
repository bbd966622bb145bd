package ledger

import (
	"context"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

// Page is LIMIT/OFFSET pagination with the clamping rules every query
// surface shares: page >= 1, perPage within [1, max].
type Page struct {
	Page    int
	PerPage int
}

func (p Page) Clamp(maxPerPage int) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = maxPerPage
	}
	if p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}

func (p Page) Offset() int {
	return (p.Page - 1) * p.PerPage
}

const (
	MaxTransferPageSize  = 100
	MaxReconcilePageSize = 500
)

// AccountRepository persists the account aggregate. Save performs the
// optimistic version check (one row affected or KindConcurrencyConflict)
// and bumps Version by exactly one on success. GetByIDForUpdate acquires a
// row-level exclusive lock and must be called inside a transaction; the
// wait is bounded and a timeout surfaces as KindLockTimeout.
type AccountRepository interface {
	Insert(ctx context.Context, a *Account) error
	Save(ctx context.Context, a *Account) error
	FindByID(ctx context.Context, id AccountID) (*Account, error)
	GetByID(ctx context.Context, id AccountID) (*Account, error)
	GetByIDForUpdate(ctx context.Context, id AccountID) (*Account, error)
	ListIDs(ctx context.Context, p Page) ([]AccountID, error)
}

type TransferFilter struct {
	Status    TransferStatus
	AccountID AccountID
	Page      Page
}

type PaginatedTransfers struct {
	Items   []*Transfer
	Page    int
	PerPage int
	Total   int64
}

// TransferRepository persists the transfer state machine. Insert enforces
// the UNIQUE(source_account_id, reference) constraint and reports a hit as
// KindDuplicateReference so the engine can take the retry path.
type TransferRepository interface {
	Insert(ctx context.Context, t *Transfer) error
	Save(ctx context.Context, t *Transfer) error
	GetByID(ctx context.Context, id TransferID) (*Transfer, error)
	FindByReference(ctx context.Context, source AccountID, reference string) (*Transfer, error)
	FindByFilters(ctx context.Context, f TransferFilter) (PaginatedTransfers, error)
}

// LedgerRepository is write-only on the mutation side: entries are never
// updated or deleted.
type LedgerRepository interface {
	Append(ctx context.Context, e Entry) error
	ListByAccount(ctx context.Context, id AccountID, p Page) ([]Entry, error)
	ComputedBalance(ctx context.Context, id AccountID) (int64, error)
	LatestBalanceAfter(ctx context.Context, id AccountID) (int64, bool, error)
	DistinctCurrencies(ctx context.Context, id AccountID) ([]money.Currency, error)
}

// OutboxEvent is the persisted form of a domain event awaiting delivery.
type OutboxEvent struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     EventType
	Payload       []byte
	OccurredAt    time.Time
	PublishedAt   *time.Time
	Attempts      int
	NextAttemptAt time.Time
	DeadAt        *time.Time
}

// OutboxRepository captures events atomically with the state change. Save
// outside an active transaction fails with KindOutboxOutsideTx; that is
// the whole point of the pattern.
type OutboxRepository interface {
	Save(ctx context.Context, e *OutboxEvent) error
	// Pending returns due, unpublished, non-dead events in id order. An
	// event whose aggregate still has an earlier unpublished, non-dead
	// event that is not yet due is withheld, so a backed-off head is never
	// overtaken by its followers.
	Pending(ctx context.Context, limit int, now time.Time) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	BumpFailure(ctx context.Context, id string, attempts int, nextAttemptAt time.Time) error
	MarkDead(ctx context.Context, id string, at time.Time) error
}

type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "IN_FLIGHT"
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
)

type IdempotencyRecord struct {
	Key          string
	Fingerprint  string
	Status       IdempotencyStatus
	ResponseBody []byte
	ResponseCode int
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type ReservationState int

const (
	// ReservationNew: the key was free and is now held IN_FLIGHT.
	ReservationNew ReservationState = iota
	// ReservationExisting: a record exists with a matching fingerprint;
	// inspect Record.Status for replay versus in-progress.
	ReservationExisting
	// ReservationMismatch: the key exists with a different fingerprint.
	ReservationMismatch
)

type Reservation struct {
	State  ReservationState
	Record *IdempotencyRecord
}

// IdempotencyRepository implements exactly-once semantics for mutating
// requests. Reserve runs outside the main transaction; Delete unblocks
// retries after an infrastructure failure.
type IdempotencyRepository interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time) (Reservation, error)
	Complete(ctx context.Context, key string, status IdempotencyStatus, responseCode int, responseBody []byte) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TxManager runs fn inside one database transaction with rollback on error.
// Nested calls use savepoints.
type TxManager interface {
	Transactional(ctx context.Context, fn func(ctx context.Context) error) error
}
