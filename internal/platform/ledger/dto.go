package ledger

import (
	"encoding/json"
	"time"
)

// DTOs are the engine's stable response shapes. The idempotency layer
// stores their serialized form, so field order and names must stay put.

type AccountDTO struct {
	ID           string  `json:"id"`
	OwnerName    string  `json:"ownerName"`
	BalanceMinor int64   `json:"balanceMinor"`
	Currency     string  `json:"currency"`
	Status       string  `json:"status"`
	Version      int64   `json:"version"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
	ClosedAt     *string `json:"closedAt,omitempty"`
}

type TransferDTO struct {
	ID                   string  `json:"id"`
	Reference            string  `json:"reference"`
	SourceAccountID      string  `json:"sourceAccountId"`
	DestinationAccountID string  `json:"destinationAccountId"`
	AmountMinor          int64   `json:"amountMinor"`
	Currency             string  `json:"currency"`
	Description          string  `json:"description,omitempty"`
	Status               string  `json:"status"`
	FailureCode          string  `json:"failureCode,omitempty"`
	FailureReason        string  `json:"failureReason,omitempty"`
	ReversalTransferID   string  `json:"reversalTransferId,omitempty"`
	CreatedAt            string  `json:"createdAt"`
	CompletedAt          *string `json:"completedAt,omitempty"`
	FailedAt             *string `json:"failedAt,omitempty"`
	ReversedAt           *string `json:"reversedAt,omitempty"`
}

type EntryDTO struct {
	ID                    string `json:"id"`
	AccountID             string `json:"accountId"`
	Type                  string `json:"entryType"`
	TransferType          string `json:"transferType"`
	AmountMinor           int64  `json:"amountMinor"`
	Currency              string `json:"currency"`
	BalanceAfterMinor     int64  `json:"balanceAfterMinor"`
	TransferID            string `json:"transferId,omitempty"`
	CounterpartyAccountID string `json:"counterpartyAccountId,omitempty"`
	OccurredAt            string `json:"occurredAt"`
}

type TransferPageDTO struct {
	Items   []TransferDTO `json:"items"`
	Page    int           `json:"page"`
	PerPage int           `json:"perPage"`
	Total   int64         `json:"total"`
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func rfc3339Ptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := rfc3339(*t)
	return &s
}

func accountDTO(a *Account) AccountDTO {
	return AccountDTO{
		ID:           a.ID.String(),
		OwnerName:    a.OwnerName,
		BalanceMinor: a.Balance.AmountMinor,
		Currency:     a.Balance.Currency.String(),
		Status:       string(a.Status),
		Version:      a.Version,
		CreatedAt:    rfc3339(a.CreatedAt),
		UpdatedAt:    rfc3339(a.UpdatedAt),
		ClosedAt:     rfc3339Ptr(a.ClosedAt),
	}
}

func transferDTO(t *Transfer) TransferDTO {
	return TransferDTO{
		ID:                   t.ID.String(),
		Reference:            t.Reference,
		SourceAccountID:      t.SourceAccountID.String(),
		DestinationAccountID: t.DestinationAccountID.String(),
		AmountMinor:          t.Amount.AmountMinor,
		Currency:             t.Amount.Currency.String(),
		Description:          t.Description,
		Status:               string(t.Status),
		FailureCode:          string(t.FailureCode),
		FailureReason:        t.FailureReason,
		ReversalTransferID:   t.ReversalTransferID.String(),
		CreatedAt:            rfc3339(t.CreatedAt),
		CompletedAt:          rfc3339Ptr(t.CompletedAt),
		FailedAt:             rfc3339Ptr(t.FailedAt),
		ReversedAt:           rfc3339Ptr(t.ReversedAt),
	}
}

func entryDTO(e Entry) EntryDTO {
	return EntryDTO{
		ID:                    e.ID.String(),
		AccountID:             e.AccountID.String(),
		Type:                  string(e.Type),
		TransferType:          string(e.Movement),
		AmountMinor:           e.AmountMinor,
		Currency:              e.Currency.String(),
		BalanceAfterMinor:     e.BalanceAfterMinor,
		TransferID:            e.TransferID.String(),
		CounterpartyAccountID: e.CounterpartyAccountID.String(),
		OccurredAt:            rfc3339(e.OccurredAt),
	}
}

// TransferResult carries the executed (or replayed) transfer plus the
// exact response body the idempotency layer stored for it.
type TransferResult struct {
	Transfer   TransferDTO
	StatusCode int
	Body       []byte
	Replayed   bool
}

func newTransferResult(t *Transfer, statusCode int) (*TransferResult, error) {
	dto := transferDTO(t)
	body, err := json.Marshal(dto)
	if err != nil {
		return nil, err
	}
	return &TransferResult{Transfer: dto, StatusCode: statusCode, Body: body}, nil
}
