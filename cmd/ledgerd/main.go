package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/server"
)

// logTransport is the default outbox sink: events land in the structured
// log. A broker-backed Transport slots in without touching the publisher.
type logTransport struct {
	log zerolog.Logger
}

func (t logTransport) Deliver(_ context.Context, e ledger.OutboxEvent) error {
	t.log.Info().Str("event_id", e.ID).Str("event_type", string(e.EventType)).
		Str("aggregate", e.AggregateType+":"+e.AggregateID).
		RawJSON("payload", e.Payload).Msg("outbox event")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "ledgerd").Logger()

	version := envOr("LEDGERD_VERSION", "dev")
	httpAddr := envOr("LEDGERD_HTTP_ADDR", ":8080")
	databaseURL := envOr("LEDGERD_DATABASE_URL", "")
	jwtSecret := envOr("LEDGERD_JWT_SECRET", "")
	lockWait := envDurationOr("LEDGERD_LOCK_WAIT", 5*time.Second)
	outboxInterval := envDurationOr("LEDGERD_OUTBOX_INTERVAL", time.Second)
	outboxBatch := envIntOr("LEDGERD_OUTBOX_BATCH", 100)
	pruneInterval := envDurationOr("LEDGERD_PRUNE_INTERVAL", time.Hour)

	clk := clock.RealClock{}
	metrics := ledger.NewMetrics()
	ops := audit.NewChain()

	var (
		deps  ledger.Deps
		ready func() error
	)
	if databaseURL != "" {
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open database pool")
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("ping database")
		}
		store := ledger.NewPGStore(pool)
		store.LockWait = lockWait
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		deps = ledger.Deps{
			Accounts:    store,
			Transfers:   store.Transfers(),
			Entries:     store,
			Outbox:      store.Outbox(),
			Idempotency: store.Idempotency(),
			Tx:          store,
		}
		ready = func() error { return pool.Ping(context.Background()) }
		log.Info().Msg("using postgres store")
	} else {
		store := ledger.NewMemoryStore()
		store.LockWait = lockWait
		deps = ledger.Deps{
			Accounts:    store,
			Transfers:   store.Transfers(),
			Entries:     store,
			Outbox:      store.Outbox(),
			Idempotency: store.Idempotency(),
			Tx:          store,
		}
		log.Warn().Msg("no LEDGERD_DATABASE_URL set, using in-memory store")
	}

	deps.Clock = clk
	deps.Log = log
	deps.Metrics = metrics
	deps.Ops = ops
	engine := ledger.NewEngine(deps)

	publisher := &ledger.Publisher{
		Repo:      deps.Outbox,
		Transport: logTransport{log: log},
		Clock:     clk,
		Log:       log,
		Metrics:   metrics,
		Batch:     outboxBatch,
		Interval:  outboxInterval,
	}
	go publisher.Run(ctx)

	pruner := &ledger.IdempotencyPruner{
		Repo:     deps.Idempotency,
		Clock:    clk,
		Log:      log,
		Metrics:  metrics,
		Interval: pruneInterval,
	}
	go pruner.Run(ctx)

	recon := &ledger.Reconciler{Accounts: deps.Accounts, Entries: deps.Entries, Metrics: metrics}

	router := mux.NewRouter()
	server.SystemHandler{Version: version, Ready: ready}.Register(router)
	server.NewHandler(engine, recon, log).Register(router)
	router.Use(server.MetricsMiddleware)

	var handler http.Handler = router
	if jwtSecret != "" {
		verifier := auth.NewJWTVerifier(jwtSecret)
		handler = auth.Middleware(verifier, router, []string{"/healthz", "/readyz", "/metrics"})
	} else {
		log.Warn().Msg("no LEDGERD_JWT_SECRET set, requests are unauthenticated")
	}

	httpServer := &http.Server{Addr: httpAddr, Handler: handler}
	go func() {
		log.Info().Str("addr", httpAddr).Str("version", version).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	// One final drain so events committed just before shutdown still leave.
	if _, err := publisher.Drain(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final outbox drain")
	}
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
