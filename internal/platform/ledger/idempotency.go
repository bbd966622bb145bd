package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// IdempotencyTTL is how long a stored response stays replayable.
const IdempotencyTTL = 24 * time.Hour

// MaxIdempotencyKeyLen bounds the opaque client-supplied key.
const MaxIdempotencyKeyLen = 255

// CanonicalizeJSON re-encodes a JSON document with object keys sorted and
// whitespace normalized, so two spellings of the same request share a
// fingerprint. Numbers round-trip through json.Number to avoid float
// mangling of large minor-unit amounts.
func CanonicalizeJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Fingerprint is SHA-256 over the canonical form, hex encoded.
func Fingerprint(body []byte) (string, error) {
	canonical, err := CanonicalizeJSON(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyPruner deletes expired records on an interval. One logical
// sweeper is enough; deletes are idempotent across replicas.
type IdempotencyPruner struct {
	Repo     IdempotencyRepository
	Clock    clock.Clock
	Log      zerolog.Logger
	Metrics  *Metrics
	Interval time.Duration
}

func (p *IdempotencyPruner) interval() time.Duration {
	if p.Interval <= 0 {
		return time.Hour
	}
	return p.Interval
}

func (p *IdempotencyPruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one prune pass and records the outcome.
func (p *IdempotencyPruner) Sweep(ctx context.Context) int64 {
	deleted, err := p.Repo.DeleteExpired(ctx, p.Clock.Now())
	p.Metrics.ObserveIdempotencyPrune(deleted, err)
	if err != nil {
		p.Log.Error().Err(err).Msg("idempotency prune failed")
		return 0
	}
	if deleted > 0 {
		p.Log.Info().Int64("deleted", deleted).Msg("idempotency records pruned")
	}
	return deleted
}
