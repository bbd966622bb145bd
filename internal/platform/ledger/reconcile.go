package ledger

import (
	"context"
)

type ReconcileStatus string

const (
	ReconcileOK               ReconcileStatus = "OK"
	ReconcileDriftComputed    ReconcileStatus = "DRIFT_COMPUTED"
	ReconcileDriftLatest      ReconcileStatus = "DRIFT_LATEST"
	ReconcileCurrencyMismatch ReconcileStatus = "CURRENCY_MISMATCH"
)

type Finding struct {
	AccountID            AccountID       `json:"accountId"`
	Status               ReconcileStatus `json:"status"`
	AccountBalanceMinor  int64           `json:"accountBalanceMinor"`
	ComputedBalanceMinor int64           `json:"computedBalanceMinor"`
	LatestBalanceAfter   int64           `json:"latestBalanceAfterMinor"`
	Detail               string          `json:"detail,omitempty"`
}

// Reconciler proves the account store and the append-only ledger agree.
// It walks accounts page by page; the iterator owns only the page cursor,
// so very large account tables reconcile in bounded memory and the walk is
// restartable from any page.
type Reconciler struct {
	Accounts AccountRepository
	Entries  LedgerRepository
	Metrics  *Metrics
	PerPage  int
}

func (r *Reconciler) perPage() int {
	p := Page{Page: 1, PerPage: r.PerPage}.Clamp(MaxReconcilePageSize)
	return p.PerPage
}

type ReconcileIter struct {
	r    *Reconciler
	page int
	done bool
}

// Iterator starts a sweep from the given page (1-based; values < 1 mean
// from the start).
func (r *Reconciler) Iterator(fromPage int) *ReconcileIter {
	if fromPage < 1 {
		fromPage = 1
	}
	return &ReconcileIter{r: r, page: fromPage}
}

// Next returns the findings for one page of accounts. ok is false once the
// sweep is exhausted. No connection or cursor is held between calls.
func (it *ReconcileIter) Next(ctx context.Context) (findings []Finding, ok bool, err error) {
	if it.done {
		return nil, false, nil
	}
	page := Page{Page: it.page, PerPage: it.r.perPage()}
	ids, err := it.r.Accounts.ListIDs(ctx, page)
	if err != nil {
		return nil, false, err
	}
	if len(ids) == 0 {
		it.done = true
		return nil, false, nil
	}
	it.page++
	if len(ids) < page.PerPage {
		it.done = true
	}

	findings = make([]Finding, 0, len(ids))
	for _, id := range ids {
		f, err := it.r.auditAccount(ctx, id)
		if err != nil {
			return nil, false, err
		}
		findings = append(findings, f)
	}
	return findings, true, nil
}

func (r *Reconciler) auditAccount(ctx context.Context, id AccountID) (Finding, error) {
	acct, err := r.Accounts.GetByID(ctx, id)
	if err != nil {
		return Finding{}, err
	}
	computed, err := r.Entries.ComputedBalance(ctx, id)
	if err != nil {
		return Finding{}, err
	}
	latest, hasEntries, err := r.Entries.LatestBalanceAfter(ctx, id)
	if err != nil {
		return Finding{}, err
	}
	if !hasEntries {
		latest = 0
	}

	f := Finding{
		AccountID:            id,
		Status:               ReconcileOK,
		AccountBalanceMinor:  acct.Balance.AmountMinor,
		ComputedBalanceMinor: computed,
		LatestBalanceAfter:   latest,
	}

	currencies, err := r.Entries.DistinctCurrencies(ctx, id)
	if err != nil {
		return Finding{}, err
	}
	for _, c := range currencies {
		if c != acct.Balance.Currency {
			f.Status = ReconcileCurrencyMismatch
			f.Detail = "ledger entries in " + c.String() + " against a " + acct.Balance.Currency.String() + " account"
			return f, nil
		}
	}

	switch {
	case acct.Balance.AmountMinor != computed:
		f.Status = ReconcileDriftComputed
	case acct.Balance.AmountMinor != latest:
		f.Status = ReconcileDriftLatest
	}
	return f, nil
}

// Sweep runs a complete pass and returns every non-OK finding.
func (r *Reconciler) Sweep(ctx context.Context) ([]Finding, error) {
	it := r.Iterator(1)
	var drifts []Finding
	for {
		page, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.Metrics.SetReconcileDrift(len(drifts))
			return drifts, nil
		}
		for _, f := range page {
			if f.Status != ReconcileOK {
				drifts = append(drifts, f)
			}
		}
	}
}
