package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

// reconcile sweeps every account and reports where the account balance,
// the summed ledger entries, or the latest balance-after disagree. Exit
// code 1 means drift was found, 2 means the sweep itself failed.
func main() {
	var (
		fromPage = flag.Int("from-page", 1, "resume the sweep from this page")
		perPage  = flag.Int("per-page", 200, "accounts per page")
		timeout  = flag.Duration("timeout", 10*time.Minute, "overall sweep timeout")
	)
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "reconcile").Logger()

	databaseURL := os.Getenv("LEDGERD_DATABASE_URL")
	if databaseURL == "" {
		log.Fatal().Msg("LEDGERD_DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database pool")
	}
	defer pool.Close()

	store := ledger.NewPGStore(pool)
	recon := &ledger.Reconciler{Accounts: store, Entries: store, PerPage: *perPage}

	enc := json.NewEncoder(os.Stdout)
	it := recon.Iterator(*fromPage)
	var audited, drifted int
	for {
		findings, ok, err := it.Next(ctx)
		if err != nil {
			log.Error().Err(err).Int("next_page", *fromPage+audited / *perPage).Msg("sweep failed, resumable from next_page")
			os.Exit(2)
		}
		if !ok {
			break
		}
		audited += len(findings)
		for _, f := range findings {
			if f.Status == ledger.ReconcileOK {
				continue
			}
			drifted++
			if err := enc.Encode(f); err != nil {
				log.Fatal().Err(err).Msg("write finding")
			}
		}
	}

	log.Info().Int("accounts", audited).Int("drift", drifted).Msg("sweep complete")
	if drifted > 0 {
		os.Exit(1)
	}
}
