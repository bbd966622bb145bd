package ledger

import (
	"strings"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

type TransferStatus string

const (
	TransferPending    TransferStatus = "PENDING"
	TransferProcessing TransferStatus = "PROCESSING"
	TransferCompleted  TransferStatus = "COMPLETED"
	TransferFailed     TransferStatus = "FAILED"
	TransferReversed   TransferStatus = "REVERSED"
)

// Transfer is the per-request state machine. (SourceAccountID, Reference)
// is unique across the system; the reference is the client's natural
// idempotency token for the movement itself.
type Transfer struct {
	ID                   TransferID
	Reference            string
	SourceAccountID      AccountID
	DestinationAccountID AccountID
	Amount               money.Balance
	Description          string
	Status               TransferStatus
	FailureCode          Kind
	FailureReason        string
	ReversalTransferID   TransferID
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
	FailedAt             *time.Time
	ReversedAt           *time.Time

	events []Event
}

// NewTransfer builds a PENDING transfer. Shape rules: amount strictly
// positive, source and destination distinct, reference non-empty.
func NewTransfer(reference string, source, destination AccountID, amount money.Balance, description string, now time.Time) (*Transfer, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, E(KindInvalidRequest, "reference is required")
	}
	if source == destination {
		return nil, E(KindInvalidRequest, "source and destination accounts must differ")
	}
	if amount.AmountMinor <= 0 {
		return nil, E(KindInvalidRequest, "amount must be > 0, got %d", amount.AmountMinor)
	}
	if !amount.Currency.Valid() {
		return nil, E(KindInvalidRequest, "unknown currency %q", amount.Currency)
	}
	return &Transfer{
		ID:                   NewTransferID(),
		Reference:            reference,
		SourceAccountID:      source,
		DestinationAccountID: destination,
		Amount:               amount,
		Description:          description,
		Status:               TransferPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

func (t *Transfer) transition(from, to TransferStatus) error {
	if t.Status != from {
		return E(KindInvalidTransferState, "transfer %s is %s, cannot move to %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

func (t *Transfer) MarkProcessing(now time.Time) error {
	if err := t.transition(TransferPending, TransferProcessing); err != nil {
		return err
	}
	t.UpdatedAt = now
	return nil
}

func (t *Transfer) MarkCompleted(now time.Time) error {
	if err := t.transition(TransferProcessing, TransferCompleted); err != nil {
		return err
	}
	done := now
	t.CompletedAt = &done
	t.UpdatedAt = now
	t.events = append(t.events, transferEvent(EventTransferCompleted, t, now, nil))
	return nil
}

func (t *Transfer) MarkFailed(code Kind, reason string, now time.Time) error {
	if err := t.transition(TransferProcessing, TransferFailed); err != nil {
		return err
	}
	failed := now
	t.FailedAt = &failed
	t.UpdatedAt = now
	t.FailureCode = code
	t.FailureReason = reason
	t.events = append(t.events, transferEvent(EventTransferFailed, t, now, map[string]any{
		"failureCode":   string(code),
		"failureReason": reason,
	}))
	return nil
}

func (t *Transfer) MarkReversed(reversalID TransferID, now time.Time) error {
	if err := t.transition(TransferCompleted, TransferReversed); err != nil {
		return err
	}
	reversed := now
	t.ReversedAt = &reversed
	t.UpdatedAt = now
	t.ReversalTransferID = reversalID
	t.events = append(t.events, transferEvent(EventTransferReversed, t, now, map[string]any{
		"reversalTransferId": reversalID.String(),
	}))
	return nil
}

func (t *Transfer) PeekEvents() []Event {
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

func (t *Transfer) ReleaseEvents() []Event {
	out := t.events
	t.events = nil
	return out
}
