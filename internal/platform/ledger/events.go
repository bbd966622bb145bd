package ledger

import (
	"encoding/json"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

type EventType string

const (
	EventAccountOpened     EventType = "AccountOpened"
	EventAccountDebited    EventType = "AccountDebited"
	EventAccountCredited   EventType = "AccountCredited"
	EventAccountFrozen     EventType = "AccountFrozen"
	EventAccountUnfrozen   EventType = "AccountUnfrozen"
	EventAccountClosed     EventType = "AccountClosed"
	EventTransferCompleted EventType = "TransferCompleted"
	EventTransferFailed    EventType = "TransferFailed"
	EventTransferReversed  EventType = "TransferReversed"
)

const (
	AggregateAccount  = "Account"
	AggregateTransfer = "Transfer"
)

// Event is a domain event raised by an aggregate. Events stay in the
// aggregate's private buffer until the engine has persisted the mutation;
// only then are they released for outbox capture and in-process dispatch.
type Event struct {
	Type          EventType
	AggregateType string
	AggregateID   string
	OccurredAt    time.Time
	Data          map[string]any
}

type eventPayload struct {
	EventType     EventType      `json:"eventType"`
	AggregateType string         `json:"aggregateType"`
	AggregateID   string         `json:"aggregateId"`
	OccurredAt    string         `json:"occurredAt"`
	Data          map[string]any `json:"data"`
}

// Payload renders the external JSON form: amounts as minor-unit integers
// plus a currency code, occurredAt in RFC 3339.
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(eventPayload{
		EventType:     e.Type,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		OccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		Data:          e.Data,
	})
}

func accountMovementEvent(typ EventType, accountID AccountID, amount money.Balance, balanceAfter int64, transferID TransferID, movement MovementType, counterparty AccountID, occurredAt time.Time) Event {
	return Event{
		Type:          typ,
		AggregateType: AggregateAccount,
		AggregateID:   accountID.String(),
		OccurredAt:    occurredAt,
		Data: map[string]any{
			"accountId":             accountID.String(),
			"amountMinor":           amount.AmountMinor,
			"currency":              amount.Currency.String(),
			"balanceAfterMinor":     balanceAfter,
			"transferId":            transferID.String(),
			"transferType":          string(movement),
			"counterpartyAccountId": counterparty.String(),
		},
	}
}

func accountLifecycleEvent(typ EventType, accountID AccountID, status AccountStatus, occurredAt time.Time) Event {
	return Event{
		Type:          typ,
		AggregateType: AggregateAccount,
		AggregateID:   accountID.String(),
		OccurredAt:    occurredAt,
		Data: map[string]any{
			"accountId": accountID.String(),
			"status":    string(status),
		},
	}
}

func transferEvent(typ EventType, t *Transfer, occurredAt time.Time, extra map[string]any) Event {
	data := map[string]any{
		"transferId":           t.ID.String(),
		"reference":            t.Reference,
		"sourceAccountId":      t.SourceAccountID.String(),
		"destinationAccountId": t.DestinationAccountID.String(),
		"amountMinor":          t.Amount.AmountMinor,
		"currency":             t.Amount.Currency.String(),
	}
	for k, v := range extra {
		data[k] = v
	}
	return Event{
		Type:          typ,
		AggregateType: AggregateTransfer,
		AggregateID:   t.ID.String(),
		OccurredAt:    occurredAt,
		Data:          data,
	}
}
