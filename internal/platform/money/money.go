// Package money holds the minor-unit balance value type shared by every
// component that touches an amount. Amounts are signed integers in the
// currency's smallest unit; floats never appear on the money path.
package money

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrUnknownCurrency = errors.New("unknown currency code")
)

// Currency is a three-letter ISO-4217 code validated against a static
// allowlist. The zero value is invalid.
type Currency string

var allowed = map[Currency]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "CAD": {}, "AUD": {}, "JPY": {},
	"CHF": {}, "SEK": {}, "NOK": {}, "DKK": {}, "BRL": {}, "MXN": {},
	"INR": {}, "SGD": {}, "HKD": {}, "NZD": {}, "PLN": {}, "ZAR": {},
}

// ParseCurrency normalizes to upper case and rejects codes outside the
// allowlist.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := allowed[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

func (c Currency) Valid() bool {
	_, ok := allowed[c]
	return ok
}

func (c Currency) String() string { return string(c) }

// Balance is a non-negative amount in minor units plus its currency.
type Balance struct {
	AmountMinor int64
	Currency    Currency
}

// New validates both fields; a negative amount or unknown currency is a
// construction failure, not a representable state.
func New(amountMinor int64, currency string) (Balance, error) {
	if amountMinor < 0 {
		return Balance{}, fmt.Errorf("%w: %d", ErrNegativeAmount, amountMinor)
	}
	c, err := ParseCurrency(currency)
	if err != nil {
		return Balance{}, err
	}
	return Balance{AmountMinor: amountMinor, Currency: c}, nil
}

// MustNew is for tests and static fixtures only.
func MustNew(amountMinor int64, currency string) Balance {
	b, err := New(amountMinor, currency)
	if err != nil {
		panic(err)
	}
	return b
}

func (b Balance) IsZero() bool {
	return b.AmountMinor == 0
}

// SameCurrency reports whether two balances can be combined.
func (b Balance) SameCurrency(other Balance) bool {
	return b.Currency == other.Currency
}

// Add returns b increased by amount. Currencies must already match.
func (b Balance) Add(amount Balance) (Balance, error) {
	if !b.SameCurrency(amount) {
		return Balance{}, fmt.Errorf("currency mismatch: %s vs %s", b.Currency, amount.Currency)
	}
	return Balance{AmountMinor: b.AmountMinor + amount.AmountMinor, Currency: b.Currency}, nil
}

// Sub returns b decreased by amount; going below zero is an error because a
// Balance is non-negative by construction.
func (b Balance) Sub(amount Balance) (Balance, error) {
	if !b.SameCurrency(amount) {
		return Balance{}, fmt.Errorf("currency mismatch: %s vs %s", b.Currency, amount.Currency)
	}
	if b.AmountMinor < amount.AmountMinor {
		return Balance{}, fmt.Errorf("%w: %d - %d", ErrNegativeAmount, b.AmountMinor, amount.AmountMinor)
	}
	return Balance{AmountMinor: b.AmountMinor - amount.AmountMinor, Currency: b.Currency}, nil
}

func (b Balance) String() string {
	return fmt.Sprintf("%d %s", b.AmountMinor, b.Currency)
}
