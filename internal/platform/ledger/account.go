package ledger

import (
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountFrozen AccountStatus = "FROZEN"
	AccountClosed AccountStatus = "CLOSED"
)

// MovementType tags why a balance moved.
type MovementType string

const (
	MovementTransfer  MovementType = "transfer"
	MovementReversal  MovementType = "reversal"
	MovementBootstrap MovementType = "bootstrap"
)

// Account is the owner-scoped balance aggregate. All operations are pure:
// they mutate in-memory state and buffer events, and the engine persists
// the aggregate before releasing those events. Version counts persisted
// mutations and backs the optimistic save check.
type Account struct {
	ID        AccountID
	OwnerName string
	Balance   money.Balance
	Status    AccountStatus
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time

	events []Event
}

// NewAccount opens an ACTIVE account with a zero balance in the given
// currency. The opening deposit, if any, is a separate bootstrap credit so
// the ledger covers the balance from the first minor unit.
func NewAccount(ownerName string, currency money.Currency, now time.Time) *Account {
	a := &Account{
		ID:        NewAccountID(),
		OwnerName: ownerName,
		Balance:   money.Balance{AmountMinor: 0, Currency: currency},
		Status:    AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.events = append(a.events, accountLifecycleEvent(EventAccountOpened, a.ID, a.Status, now))
	return a
}

func (a *Account) requireActive(op string) error {
	if a.Status != AccountActive {
		return E(KindInvalidAccountState, "%s requires ACTIVE account, status is %s", op, a.Status)
	}
	return nil
}

// Debit removes amount from the balance. Fails when the account is not
// ACTIVE, on currency mismatch, or when the balance would undershoot.
func (a *Account) Debit(amount money.Balance, transferID TransferID, movement MovementType, counterparty AccountID, now time.Time) error {
	if err := a.requireActive("debit"); err != nil {
		return err
	}
	if !a.Balance.SameCurrency(amount) {
		return E(KindCurrencyMismatch, "account %s holds %s, debit is %s", a.ID, a.Balance.Currency, amount.Currency)
	}
	if a.Balance.AmountMinor < amount.AmountMinor {
		return E(KindInsufficientFunds, "account %s balance %d < debit %d", a.ID, a.Balance.AmountMinor, amount.AmountMinor)
	}
	next, err := a.Balance.Sub(amount)
	if err != nil {
		return E(KindInsufficientFunds, "account %s: %v", a.ID, err)
	}
	a.Balance = next
	a.UpdatedAt = now
	a.events = append(a.events, accountMovementEvent(EventAccountDebited, a.ID, amount, a.Balance.AmountMinor, transferID, movement, counterparty, now))
	return nil
}

// Credit adds amount to the balance. Fails when the account is not ACTIVE
// or on currency mismatch.
func (a *Account) Credit(amount money.Balance, transferID TransferID, movement MovementType, counterparty AccountID, now time.Time) error {
	if err := a.requireActive("credit"); err != nil {
		return err
	}
	if !a.Balance.SameCurrency(amount) {
		return E(KindCurrencyMismatch, "account %s holds %s, credit is %s", a.ID, a.Balance.Currency, amount.Currency)
	}
	next, err := a.Balance.Add(amount)
	if err != nil {
		return E(KindCurrencyMismatch, "account %s: %v", a.ID, err)
	}
	a.Balance = next
	a.UpdatedAt = now
	a.events = append(a.events, accountMovementEvent(EventAccountCredited, a.ID, amount, a.Balance.AmountMinor, transferID, movement, counterparty, now))
	return nil
}

func (a *Account) Freeze(now time.Time) error {
	if a.Status != AccountActive {
		return E(KindInvalidAccountState, "freeze requires ACTIVE account, status is %s", a.Status)
	}
	a.Status = AccountFrozen
	a.UpdatedAt = now
	a.events = append(a.events, accountLifecycleEvent(EventAccountFrozen, a.ID, a.Status, now))
	return nil
}

func (a *Account) Unfreeze(now time.Time) error {
	if a.Status != AccountFrozen {
		return E(KindInvalidAccountState, "unfreeze requires FROZEN account, status is %s", a.Status)
	}
	a.Status = AccountActive
	a.UpdatedAt = now
	a.events = append(a.events, accountLifecycleEvent(EventAccountUnfrozen, a.ID, a.Status, now))
	return nil
}

// Close is terminal and requires a zero balance.
func (a *Account) Close(now time.Time) error {
	if a.Status == AccountClosed {
		return E(KindInvalidAccountState, "account %s already CLOSED", a.ID)
	}
	if !a.Balance.IsZero() {
		return E(KindNonZeroBalanceOnClose, "account %s balance is %d", a.ID, a.Balance.AmountMinor)
	}
	a.Status = AccountClosed
	closed := now
	a.ClosedAt = &closed
	a.UpdatedAt = now
	a.events = append(a.events, accountLifecycleEvent(EventAccountClosed, a.ID, a.Status, now))
	return nil
}

// PeekEvents exposes the uncommitted buffer without draining it; the engine
// uses it to write the outbox inside the persistence transaction.
func (a *Account) PeekEvents() []Event {
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

// ReleaseEvents drains the buffer. Called exactly once, after persistence.
func (a *Account) ReleaseEvents() []Event {
	out := a.events
	a.events = nil
	return out
}
