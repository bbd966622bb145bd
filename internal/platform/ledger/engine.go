package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
)

// Subscriber receives committed domain events in-process, after the
// transaction that produced them. Subscriber errors are logged and never
// affect the response; the outbox is the source of truth for delivery.
type Subscriber func(Event) error

type eventAggregate interface {
	PeekEvents() []Event
	ReleaseEvents() []Event
}

// Deps are the capability ports the engine orchestrates. All I/O lives
// behind them; the engine itself holds no mutable state between requests.
type Deps struct {
	Accounts    AccountRepository
	Transfers   TransferRepository
	Entries     LedgerRepository
	Outbox      OutboxRepository
	Idempotency IdempotencyRepository
	Tx          TxManager
	Clock       clock.Clock
	Log         zerolog.Logger
	Metrics     *Metrics
	Ops         *audit.Chain
}

// Engine is the transactional execution core: pessimistic locking in
// canonical order, double-entry bookkeeping, outbox capture, idempotent
// replay.
type Engine struct {
	accounts    AccountRepository
	transfers   TransferRepository
	entries     LedgerRepository
	outbox      OutboxRepository
	idempotency IdempotencyRepository
	tx          TxManager
	clock       clock.Clock
	log         zerolog.Logger
	metrics     *Metrics
	ops         *audit.Chain
	subscribers []Subscriber
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		accounts:    d.Accounts,
		transfers:   d.Transfers,
		entries:     d.Entries,
		outbox:      d.Outbox,
		idempotency: d.Idempotency,
		tx:          d.Tx,
		clock:       d.Clock,
		log:         d.Log,
		metrics:     d.Metrics,
		ops:         d.Ops,
	}
}

// Subscribe registers an in-process handler for committed events.
func (e *Engine) Subscribe(fn Subscriber) {
	e.subscribers = append(e.subscribers, fn)
}

// CanonicalLockOrder sorts two account ids lexicographically. Every code
// path that locks two accounts must acquire them in this order; it is the
// sole deadlock-avoidance mechanism.
func CanonicalLockOrder(a, b AccountID) (AccountID, AccountID) {
	if b < a {
		return b, a
	}
	return a, b
}

// OpenAccountRequest may seed an opening balance; the seed is recorded as
// a bootstrap credit entry so the ledger covers the balance from birth.
type OpenAccountRequest struct {
	OwnerName           string `json:"ownerName"`
	Currency            string `json:"currency"`
	InitialBalanceMinor int64  `json:"initialBalanceMinor"`
}

func (e *Engine) OpenAccount(ctx context.Context, req OpenAccountRequest) (*AccountDTO, error) {
	if strings.TrimSpace(req.OwnerName) == "" {
		return nil, E(KindInvalidRequest, "ownerName is required")
	}
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		return nil, E(KindInvalidRequest, "currency: %v", err)
	}
	if req.InitialBalanceMinor < 0 {
		return nil, E(KindInvalidRequest, "initialBalanceMinor must be >= 0")
	}

	var acct *Account
	err = e.tx.Transactional(ctx, func(ctx context.Context) error {
		now := e.clock.Now()
		a := NewAccount(req.OwnerName, currency, now)
		if req.InitialBalanceMinor > 0 {
			seed := money.Balance{AmountMinor: req.InitialBalanceMinor, Currency: currency}
			if err := a.Credit(seed, "", MovementBootstrap, "", now); err != nil {
				return err
			}
		}
		if err := e.accounts.Insert(ctx, a); err != nil {
			return err
		}
		if req.InitialBalanceMinor > 0 {
			if err := e.entries.Append(ctx, e.entryFromEvent(a, EntryCredit, MovementBootstrap)); err != nil {
				return err
			}
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
	e.recordOp("account", acct.ID.String(), "open", nil, acct)
	dto := accountDTO(acct)
	return &dto, nil
}

// TransferRequest is the engine-facing shape of a create-transfer call.
// IdempotencyKey is the transport header; Reference is the client's
// per-source natural key for the movement itself. RawBody is the wire
// body as received: the fingerprint hashes it, so two requests differing
// in any field are distinct even when this struct does not model it.
type TransferRequest struct {
	IdempotencyKey       string `json:"-"`
	RawBody              []byte `json:"-"`
	Reference            string `json:"reference"`
	SourceAccountID      string `json:"sourceAccountId"`
	DestinationAccountID string `json:"destinationAccountId"`
	AmountMinor          int64  `json:"amountMinor"`
	Currency             string `json:"currency"`
	Description          string `json:"description,omitempty"`
}

func (r TransferRequest) fingerprint() (string, error) {
	body := r.RawBody
	if len(body) == 0 {
		// Direct engine callers have no wire body to hash.
		b, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		body = b
	}
	return Fingerprint(body)
}

// ExecuteTransfer runs the full critical section described by the design:
// idempotent pre-check, reference dedup, canonical lock order, double
// entry, outbox capture, post-commit dispatch, idempotent post-record.
func (e *Engine) ExecuteTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	timer := e.metrics.TransferTimer()
	defer timer()

	reserved := false
	if req.IdempotencyKey != "" {
		if len(req.IdempotencyKey) > MaxIdempotencyKeyLen {
			return nil, E(KindInvalidRequest, "idempotency key exceeds %d chars", MaxIdempotencyKeyLen)
		}
		fp, err := req.fingerprint()
		if err != nil {
			return nil, E(KindInvalidRequest, "request not fingerprintable: %v", err)
		}
		res, err := e.idempotency.Reserve(ctx, req.IdempotencyKey, fp, e.clock.Now())
		if err != nil {
			return nil, err
		}
		switch res.State {
		case ReservationMismatch:
			e.metrics.ObserveTransfer("idempotency_conflict")
			return nil, E(KindIdempotencyConflict, "key %q reused with a different request body", req.IdempotencyKey)
		case ReservationExisting:
			if res.Record.Status == IdempotencyInFlight {
				return nil, E(KindRequestInProgress, "request with key %q is still in flight", req.IdempotencyKey)
			}
			var dto TransferDTO
			if err := json.Unmarshal(res.Record.ResponseBody, &dto); err != nil {
				return nil, Wrap(KindInternal, err, "stored idempotent response is unreadable")
			}
			e.metrics.ObserveTransfer("replayed")
			return &TransferResult{
				Transfer:   dto,
				StatusCode: res.Record.ResponseCode,
				Body:       res.Record.ResponseBody,
				Replayed:   true,
			}, nil
		case ReservationNew:
			reserved = true
		}
	}

	result, err := e.executeTransfer(ctx, req)
	if err != nil {
		if reserved {
			if derr := e.idempotency.Delete(ctx, req.IdempotencyKey); derr != nil {
				e.log.Error().Err(derr).Str("key", req.IdempotencyKey).Msg("idempotency reservation cleanup failed")
			}
		}
		e.metrics.ObserveTransfer("error")
		return nil, err
	}
	if reserved {
		status := IdempotencyCompleted
		if result.Transfer.Status == string(TransferFailed) {
			status = IdempotencyFailed
		}
		if cerr := e.idempotency.Complete(ctx, req.IdempotencyKey, status, result.StatusCode, result.Body); cerr != nil {
			e.log.Error().Err(cerr).Str("key", req.IdempotencyKey).Msg("idempotency post-record failed")
		}
	}
	e.metrics.ObserveTransfer(strings.ToLower(result.Transfer.Status))
	return result, nil
}

func (e *Engine) executeTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	source, err := ParseAccountID(req.SourceAccountID)
	if err != nil {
		return nil, E(KindInvalidRequest, "sourceAccountId: %v", err)
	}
	destination, err := ParseAccountID(req.DestinationAccountID)
	if err != nil {
		return nil, E(KindInvalidRequest, "destinationAccountId: %v", err)
	}
	amount, err := money.New(req.AmountMinor, req.Currency)
	if err != nil {
		return nil, E(KindInvalidRequest, "amount: %v", err)
	}
	transfer, err := NewTransfer(req.Reference, source, destination, amount, req.Description, e.clock.Now())
	if err != nil {
		return nil, err
	}

	// Past this point the caller's disconnect must not abort a half-done
	// movement; the outcome is recovered via idempotent replay.
	ctx = context.WithoutCancel(ctx)

	var (
		result     *TransferResult
		aggregates []eventAggregate
	)
	err = e.tx.Transactional(ctx, func(ctx context.Context) error {
		// The insert runs in its own savepoint: a unique violation aborts
		// only the savepoint, so the dedup lookup below still has a live
		// transaction to run in.
		ierr := e.tx.Transactional(ctx, func(ctx context.Context) error {
			return e.transfers.Insert(ctx, transfer)
		})
		if ierr != nil {
			if !IsKind(ierr, KindDuplicateReference) {
				return ierr
			}
			// Transport-layer retry path: the reference already has a row.
			existing, ferr := e.transfers.FindByReference(ctx, source, transfer.Reference)
			if ferr != nil {
				return ferr
			}
			if existing.DestinationAccountID != destination ||
				existing.Amount.AmountMinor != amount.AmountMinor ||
				existing.Amount.Currency != amount.Currency {
				return E(KindDuplicateReference, "reference %q already used by transfer %s with a different request", transfer.Reference, existing.ID)
			}
			var rerr error
			result, rerr = newTransferResult(existing, http.StatusOK)
			return rerr
		}

		first, second := CanonicalLockOrder(source, destination)
		a1, err := e.accounts.GetByIDForUpdate(ctx, first)
		if err != nil {
			return err
		}
		a2, err := e.accounts.GetByIDForUpdate(ctx, second)
		if err != nil {
			return err
		}
		// The sorted order is for locking only; re-bind by role.
		sourceAcct, destAcct := a1, a2
		if a1.ID != source {
			sourceAcct, destAcct = a2, a1
		}

		now := e.clock.Now()
		if err := transfer.MarkProcessing(now); err != nil {
			return err
		}

		if derr := e.applyMovement(sourceAcct, destAcct, transfer, amount, MovementTransfer, now); derr != nil {
			kind := KindOf(derr)
			switch kind {
			case KindInsufficientFunds, KindCurrencyMismatch, KindInvalidAccountState:
				// Business outcome, not a system error: the FAILED transfer
				// must commit so retries with this reference are
				// deterministic.
				if ferr := transfer.MarkFailed(kind, derr.Error(), now); ferr != nil {
					return ferr
				}
				if serr := e.transfers.Save(ctx, transfer); serr != nil {
					return serr
				}
				if oerr := e.writeOutbox(ctx, transfer); oerr != nil {
					return oerr
				}
				aggregates = []eventAggregate{transfer}
				var rerr error
				result, rerr = newTransferResult(transfer, http.StatusCreated)
				return rerr
			default:
				return derr
			}
		}

		if err := e.entries.Append(ctx, e.entryFromEvent(sourceAcct, EntryDebit, MovementTransfer)); err != nil {
			return err
		}
		if err := e.entries.Append(ctx, e.entryFromEvent(destAcct, EntryCredit, MovementTransfer)); err != nil {
			return err
		}
		if err := transfer.MarkCompleted(now); err != nil {
			return err
		}
		if err := e.accounts.Save(ctx, sourceAcct); err != nil {
			return err
		}
		if err := e.accounts.Save(ctx, destAcct); err != nil {
			return err
		}
		if err := e.transfers.Save(ctx, transfer); err != nil {
			return err
		}
		if err := e.writeOutbox(ctx, sourceAcct, destAcct, transfer); err != nil {
			return err
		}
		aggregates = []eventAggregate{sourceAcct, destAcct, transfer}
		var rerr error
		result, rerr = newTransferResult(transfer, http.StatusCreated)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	e.dispatch(aggregates...)
	return result, nil
}

// applyMovement debits then credits; both aggregates stay untouched when
// the debit fails, and a failed credit surfaces before any persistence.
func (e *Engine) applyMovement(sourceAcct, destAcct *Account, t *Transfer, amount money.Balance, movement MovementType, now time.Time) error {
	if err := sourceAcct.Debit(amount, t.ID, movement, destAcct.ID, now); err != nil {
		return err
	}
	return destAcct.Credit(amount, t.ID, movement, sourceAcct.ID, now)
}

// entryFromEvent materializes a ledger row from the aggregate's latest
// movement event; balanceAfter comes from the event, not a re-read.
func (e *Engine) entryFromEvent(a *Account, typ EntryType, movement MovementType) Entry {
	events := a.PeekEvents()
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if (typ == EntryDebit && ev.Type != EventAccountDebited) ||
			(typ == EntryCredit && ev.Type != EventAccountCredited) {
			continue
		}
		return Entry{
			ID:                    NewEntryID(),
			AccountID:             a.ID,
			Type:                  typ,
			Movement:              movement,
			AmountMinor:           ev.Data["amountMinor"].(int64),
			Currency:              money.Currency(ev.Data["currency"].(string)),
			BalanceAfterMinor:     ev.Data["balanceAfterMinor"].(int64),
			TransferID:            TransferID(ev.Data["transferId"].(string)),
			CounterpartyAccountID: AccountID(ev.Data["counterpartyAccountId"].(string)),
			OccurredAt:            ev.OccurredAt,
		}
	}
	// The engine only calls this right after a successful movement.
	panic("no movement event buffered for account " + a.ID.String())
}

func (e *Engine) writeOutbox(ctx context.Context, aggs ...eventAggregate) error {
	for _, agg := range aggs {
		for _, ev := range agg.PeekEvents() {
			payload, err := ev.Payload()
			if err != nil {
				return err
			}
			row := &OutboxEvent{
				ID:            NewOutboxID(),
				AggregateType: ev.AggregateType,
				AggregateID:   ev.AggregateID,
				EventType:     ev.Type,
				Payload:       payload,
				OccurredAt:    ev.OccurredAt,
				NextAttemptAt: ev.OccurredAt,
			}
			if err := e.outbox.Save(ctx, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatch releases buffered events post-commit and hands them to
// in-process subscribers. Handler failures are logged, never propagated.
func (e *Engine) dispatch(aggs ...eventAggregate) {
	for _, agg := range aggs {
		for _, ev := range agg.ReleaseEvents() {
			for _, fn := range e.subscribers {
				if err := e.safeDeliver(fn, ev); err != nil {
					e.log.Error().Err(err).Str("event", string(ev.Type)).
						Str("aggregate", ev.AggregateType+":"+ev.AggregateID).
						Msg("in-process subscriber failed")
				}
			}
		}
	}
}

func (e *Engine) safeDeliver(fn Subscriber, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = E(KindInternal, "subscriber panic: %v", r)
		}
	}()
	return fn(ev)
}

func (e *Engine) recordOp(objectType, objectID, action string, before, after any) {
	if e.ops == nil {
		return
	}
	snap := func(v any) []byte {
		if v == nil {
			return []byte(`{}`)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return []byte(`{}`)
		}
		return b
	}
	now := e.clock.Now()
	_, err := e.ops.Append(audit.Record{
		OccurredAt: now,
		RecordedAt: now,
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Before:     snap(before),
		After:      snap(after),
		Result:     audit.ResultSuccess,
	})
	if err != nil {
		e.log.Error().Err(err).Str("object", objectType+":"+objectID).Str("action", action).
			Msg("operations log append failed")
	}
}
