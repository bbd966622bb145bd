package ledger

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable failure code shared with every collaborator.
// The set is deliberately flat; each adapter maps kinds to its own wire
// format via Category.
type Kind string

const (
	KindAccountNotFound       Kind = "ACCOUNT_NOT_FOUND"
	KindInvalidAccountState   Kind = "INVALID_ACCOUNT_STATE"
	KindNonZeroBalanceOnClose Kind = "NON_ZERO_BALANCE_ON_CLOSE"
	KindInsufficientFunds     Kind = "INSUFFICIENT_FUNDS"
	KindCurrencyMismatch      Kind = "CURRENCY_MISMATCH"
	KindTransferNotFound      Kind = "TRANSFER_NOT_FOUND"
	KindInvalidTransferState  Kind = "INVALID_TRANSFER_STATE"
	KindDuplicateReference    Kind = "DUPLICATE_TRANSFER_REFERENCE"
	KindIdempotencyConflict   Kind = "IDEMPOTENCY_KEY_CONFLICT"
	KindRequestInProgress     Kind = "REQUEST_IN_PROGRESS"
	KindLockTimeout           Kind = "LOCK_TIMEOUT"
	KindConcurrencyConflict   Kind = "CONCURRENCY_CONFLICT"
	KindOutboxOutsideTx       Kind = "OUTBOX_OUTSIDE_TRANSACTION"
	KindInvalidRequest        Kind = "INVALID_REQUEST"
	KindInternal              Kind = "INTERNAL"
)

type Category string

const (
	CategoryNotFound   Category = "not-found"
	CategoryConflict   Category = "conflict"
	CategoryValidation Category = "validation"
	CategoryRetryable  Category = "retryable"
	CategoryRetryAfter Category = "retry-after"
	CategoryInternal   Category = "internal"
)

func (k Kind) Category() Category {
	switch k {
	case KindAccountNotFound, KindTransferNotFound:
		return CategoryNotFound
	case KindInvalidAccountState, KindNonZeroBalanceOnClose, KindInsufficientFunds,
		KindInvalidTransferState, KindDuplicateReference, KindIdempotencyConflict:
		return CategoryConflict
	case KindCurrencyMismatch, KindInvalidRequest:
		return CategoryValidation
	case KindLockTimeout, KindConcurrencyConflict:
		return CategoryRetryable
	case KindRequestInProgress:
		return CategoryRetryAfter
	default:
		return CategoryInternal
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure code, or KindInternal for infrastructure
// errors that carry no domain meaning.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
