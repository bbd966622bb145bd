package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Identifiers are canonically lowercased UUID strings. Accounts and
// transfers get random v4 ids; ledger entries and outbox rows get
// time-ordered v7 ids so primary-key writes stay append-friendly and id
// order equals chronological order.

type AccountID string

type TransferID string

type EntryID string

func NewAccountID() AccountID {
	return AccountID(uuid.NewString())
}

func NewTransferID() TransferID {
	return TransferID(uuid.NewString())
}

func NewEntryID() EntryID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		panic(err)
	}
	return EntryID(id.String())
}

// NewOutboxID is a v7 id; ordering by it reproduces commit-time order.
func NewOutboxID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ParseAccountID canonicalizes any accepted UUID spelling to lowercase.
func ParseAccountID(s string) (AccountID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid account id %q: %w", s, err)
	}
	return AccountID(u.String()), nil
}

func ParseTransferID(s string) (TransferID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid transfer id %q: %w", s, err)
	}
	return TransferID(u.String()), nil
}

func (id AccountID) String() string  { return string(id) }
func (id TransferID) String() string { return string(id) }
func (id EntryID) String() string    { return string(id) }
