package ledger

import (
	"context"
	"net/http"
)

// Lifecycle handlers share one shape: lock the row, run the pure aggregate
// transition, persist, capture outbox, dispatch after commit. Every
// mutating handler locks via GetByIDForUpdate; none of them read-then-lock.

func (e *Engine) FreezeAccount(ctx context.Context, id string) (*AccountDTO, error) {
	return e.mutateAccount(ctx, id, "freeze", func(a *Account) error {
		return a.Freeze(e.clock.Now())
	})
}

func (e *Engine) UnfreezeAccount(ctx context.Context, id string) (*AccountDTO, error) {
	return e.mutateAccount(ctx, id, "unfreeze", func(a *Account) error {
		return a.Unfreeze(e.clock.Now())
	})
}

func (e *Engine) CloseAccount(ctx context.Context, id string) (*AccountDTO, error) {
	return e.mutateAccount(ctx, id, "close", func(a *Account) error {
		return a.Close(e.clock.Now())
	})
}

func (e *Engine) mutateAccount(ctx context.Context, id, action string, op func(*Account) error) (*AccountDTO, error) {
	aid, err := ParseAccountID(id)
	if err != nil {
		return nil, E(KindAccountNotFound, "account %q: %v", id, err)
	}

	var (
		acct   *Account
		before AccountDTO
	)
	err = e.tx.Transactional(ctx, func(ctx context.Context) error {
		a, err := e.accounts.GetByIDForUpdate(ctx, aid)
		if err != nil {
			return err
		}
		before = accountDTO(a)
		if err := op(a); err != nil {
			return err
		}
		if err := e.accounts.Save(ctx, a); err != nil {
			return err
		}
		if err := e.writeOutbox(ctx, a); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.dispatch(acct)
	e.recordOp("account", acct.ID.String(), action, before, accountDTO(acct))
	dto := accountDTO(acct)
	return &dto, nil
}

func (e *Engine) GetAccount(ctx context.Context, id string) (*AccountDTO, error) {
	aid, err := ParseAccountID(id)
	if err != nil {
		return nil, E(KindAccountNotFound, "account %q: %v", id, err)
	}
	a, err := e.accounts.GetByID(ctx, aid)
	if err != nil {
		return nil, err
	}
	dto := accountDTO(a)
	return &dto, nil
}

// ListEntries returns one statement page, oldest first.
func (e *Engine) ListEntries(ctx context.Context, id string, p Page) ([]EntryDTO, error) {
	aid, err := ParseAccountID(id)
	if err != nil {
		return nil, E(KindAccountNotFound, "account %q: %v", id, err)
	}
	if _, err := e.accounts.GetByID(ctx, aid); err != nil {
		return nil, err
	}
	entries, err := e.entries.ListByAccount(ctx, aid, p.Clamp(MaxTransferPageSize))
	if err != nil {
		return nil, err
	}
	out := make([]EntryDTO, 0, len(entries))
	for _, en := range entries {
		out = append(out, entryDTO(en))
	}
	return out, nil
}

func (e *Engine) GetTransfer(ctx context.Context, id string) (*TransferDTO, error) {
	tid, err := ParseTransferID(id)
	if err != nil {
		return nil, E(KindTransferNotFound, "transfer %q: %v", id, err)
	}
	t, err := e.transfers.GetByID(ctx, tid)
	if err != nil {
		return nil, err
	}
	dto := transferDTO(t)
	return &dto, nil
}

func (e *Engine) ListTransfers(ctx context.Context, f TransferFilter) (*TransferPageDTO, error) {
	f.Page = f.Page.Clamp(MaxTransferPageSize)
	page, err := e.transfers.FindByFilters(ctx, f)
	if err != nil {
		return nil, err
	}
	out := TransferPageDTO{
		Items:   make([]TransferDTO, 0, len(page.Items)),
		Page:    page.Page,
		PerPage: page.PerPage,
		Total:   page.Total,
	}
	for _, t := range page.Items {
		out.Items = append(out.Items, transferDTO(t))
	}
	return &out, nil
}

// ReverseTransfer executes a compensating movement in the opposite
// direction and marks the original REVERSED. The reversal's reference is
// derived from the original id, so concurrent retries collapse onto one
// reversal row.
func (e *Engine) ReverseTransfer(ctx context.Context, id string) (*TransferResult, error) {
	tid, err := ParseTransferID(id)
	if err != nil {
		return nil, E(KindTransferNotFound, "transfer %q: %v", id, err)
	}

	ctx = context.WithoutCancel(ctx)

	var (
		result     *TransferResult
		aggregates []eventAggregate
	)
	err = e.tx.Transactional(ctx, func(ctx context.Context) error {
		original, err := e.transfers.GetByID(ctx, tid)
		if err != nil {
			return err
		}
		if original.Status == TransferReversed {
			// Retry path: hand back the reversal that already exists.
			rev, rerr := e.transfers.GetByID(ctx, original.ReversalTransferID)
			if rerr != nil {
				return rerr
			}
			result, rerr = newTransferResult(rev, http.StatusOK)
			return rerr
		}
		if original.Status != TransferCompleted {
			return E(KindInvalidTransferState, "transfer %s is %s, only COMPLETED transfers reverse", original.ID, original.Status)
		}

		now := e.clock.Now()
		reversal, err := NewTransfer(
			"reversal:"+original.ID.String(),
			original.DestinationAccountID,
			original.SourceAccountID,
			original.Amount,
			"reversal of "+original.ID.String(),
			now,
		)
		if err != nil {
			return err
		}
		// Savepoint around the insert, as in executeTransfer: the dedup
		// lookup needs a live transaction after a unique violation.
		ierr := e.tx.Transactional(ctx, func(ctx context.Context) error {
			return e.transfers.Insert(ctx, reversal)
		})
		if ierr != nil {
			if !IsKind(ierr, KindDuplicateReference) {
				return ierr
			}
			existing, ferr := e.transfers.FindByReference(ctx, original.DestinationAccountID, reversal.Reference)
			if ferr != nil {
				return ferr
			}
			result, ferr = newTransferResult(existing, http.StatusOK)
			return ferr
		}

		first, second := CanonicalLockOrder(reversal.SourceAccountID, reversal.DestinationAccountID)
		a1, err := e.accounts.GetByIDForUpdate(ctx, first)
		if err != nil {
			return err
		}
		a2, err := e.accounts.GetByIDForUpdate(ctx, second)
		if err != nil {
			return err
		}
		sourceAcct, destAcct := a1, a2
		if a1.ID != reversal.SourceAccountID {
			sourceAcct, destAcct = a2, a1
		}

		if err := reversal.MarkProcessing(now); err != nil {
			return err
		}

		if derr := e.applyMovement(sourceAcct, destAcct, reversal, original.Amount, MovementReversal, now); derr != nil {
			kind := KindOf(derr)
			switch kind {
			case KindInsufficientFunds, KindCurrencyMismatch, KindInvalidAccountState:
				// The original stays COMPLETED; the failed reversal commits
				// for deterministic retries.
				if ferr := reversal.MarkFailed(kind, derr.Error(), now); ferr != nil {
					return ferr
				}
				if serr := e.transfers.Save(ctx, reversal); serr != nil {
					return serr
				}
				if oerr := e.writeOutbox(ctx, reversal); oerr != nil {
					return oerr
				}
				aggregates = []eventAggregate{reversal}
				var rerr error
				result, rerr = newTransferResult(reversal, http.StatusCreated)
				return rerr
			default:
				return derr
			}
		}

		if err := e.entries.Append(ctx, e.entryFromEvent(sourceAcct, EntryDebit, MovementReversal)); err != nil {
			return err
		}
		if err := e.entries.Append(ctx, e.entryFromEvent(destAcct, EntryCredit, MovementReversal)); err != nil {
			return err
		}
		if err := reversal.MarkCompleted(now); err != nil {
			return err
		}
		if err := original.MarkReversed(reversal.ID, now); err != nil {
			return err
		}
		if err := e.accounts.Save(ctx, sourceAcct); err != nil {
			return err
		}
		if err := e.accounts.Save(ctx, destAcct); err != nil {
			return err
		}
		if err := e.transfers.Save(ctx, reversal); err != nil {
			return err
		}
		if err := e.transfers.Save(ctx, original); err != nil {
			return err
		}
		if err := e.writeOutbox(ctx, sourceAcct, destAcct, reversal, original); err != nil {
			return err
		}
		aggregates = []eventAggregate{sourceAcct, destAcct, reversal, original}
		var rerr error
		result, rerr = newTransferResult(reversal, http.StatusCreated)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	e.dispatch(aggregates...)
	e.recordOp("transfer", tid.String(), "reverse", nil, result.Transfer)
	return result, nil
}
