package ledger

import (
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Entry is one immutable row of the append-only movement log. Every
// transfer writes exactly two: a DEBIT on the source and a CREDIT on the
// destination with identical amount, currency, and transfer id.
type Entry struct {
	ID                    EntryID
	AccountID             AccountID
	Type                  EntryType
	Movement              MovementType
	AmountMinor           int64
	Currency              money.Currency
	BalanceAfterMinor     int64
	TransferID            TransferID
	CounterpartyAccountID AccountID
	OccurredAt            time.Time
}

// Signed returns the entry amount with credit positive and debit negative.
func (e Entry) Signed() int64 {
	if e.Type == EntryDebit {
		return -e.AmountMinor
	}
	return e.AmountMinor
}

// SignedSum folds entries into the balance they imply for one account.
func SignedSum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Signed()
	}
	return total
}
