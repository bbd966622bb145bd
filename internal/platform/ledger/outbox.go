package ledger

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// Transport delivers one outbox event to the external bus. Implementations
// must tolerate redelivery: the guarantee is at-least-once.
type Transport interface {
	Deliver(ctx context.Context, e OutboxEvent) error
}

const (
	defaultOutboxBatch       = 100
	defaultOutboxInterval    = time.Second
	defaultOutboxMaxAttempts = 100
	outboxBackoffBase        = 500 * time.Millisecond
	outboxBackoffCap         = time.Hour
)

// Backoff is exponential with full jitter, capped at one hour.
func Backoff(attempts int) time.Duration {
	d := outboxBackoffBase
	for i := 0; i < attempts && d < outboxBackoffCap; i++ {
		d *= 2
	}
	if d > outboxBackoffCap {
		d = outboxBackoffCap
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Publisher drains pending outbox rows in id order (v7 ids, so commit
// order) and delivers them. It must run as a single logical worker per
// partition to preserve per-aggregate ordering; when a delivery fails, the
// rest of that aggregate's events in the batch are skipped so they cannot
// overtake the failed one.
type Publisher struct {
	Repo        OutboxRepository
	Transport   Transport
	Clock       clock.Clock
	Log         zerolog.Logger
	Metrics     *Metrics
	Batch       int
	Interval    time.Duration
	MaxAttempts int
}

func (p *Publisher) batch() int {
	if p.Batch <= 0 {
		return defaultOutboxBatch
	}
	return p.Batch
}

func (p *Publisher) interval() time.Duration {
	if p.Interval <= 0 {
		return defaultOutboxInterval
	}
	return p.Interval
}

func (p *Publisher) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return defaultOutboxMaxAttempts
	}
	return p.MaxAttempts
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil {
				p.Log.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// Drain runs one publish pass and returns how many events were delivered.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	now := p.Clock.Now()
	pending, err := p.Repo.Pending(ctx, p.batch(), now)
	if err != nil {
		return 0, err
	}

	published := 0
	blocked := make(map[string]struct{})
	for _, evt := range pending {
		aggKey := evt.AggregateType + ":" + evt.AggregateID
		if _, held := blocked[aggKey]; held {
			continue
		}
		if err := p.Transport.Deliver(ctx, evt); err != nil {
			blocked[aggKey] = struct{}{}
			attempts := evt.Attempts + 1
			p.Metrics.ObserveOutboxDelivery(false)
			if attempts >= p.maxAttempts() {
				// Dead-lettered rows keep their payload and history; they are
				// excluded from Pending but never dropped.
				if derr := p.Repo.MarkDead(ctx, evt.ID, p.Clock.Now()); derr != nil {
					return published, derr
				}
				p.Metrics.ObserveOutboxDeadLetter()
				p.Log.Error().Str("event_id", evt.ID).Str("aggregate", aggKey).
					Int("attempts", attempts).Msg("outbox event dead-lettered")
				continue
			}
			next := p.Clock.Now().Add(Backoff(attempts))
			if berr := p.Repo.BumpFailure(ctx, evt.ID, attempts, next); berr != nil {
				return published, berr
			}
			p.Log.Warn().Err(err).Str("event_id", evt.ID).Str("aggregate", aggKey).
				Int("attempts", attempts).Time("next_attempt", next).Msg("outbox delivery failed")
			continue
		}
		if err := p.Repo.MarkPublished(ctx, evt.ID, p.Clock.Now()); err != nil {
			return published, err
		}
		p.Metrics.ObserveOutboxDelivery(true)
		published++
	}
	return published, nil
}
