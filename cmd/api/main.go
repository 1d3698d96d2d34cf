package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/velasquezlegal/timeledger/internal/bus"
	"github.com/velasquezlegal/timeledger/internal/config"
	"github.com/velasquezlegal/timeledger/internal/httpserver"
	"github.com/velasquezlegal/timeledger/internal/relay"
	"github.com/velasquezlegal/timeledger/internal/service"
	"github.com/velasquezlegal/timeledger/internal/store"
)

// relaySource adapts the store's outbox claim to the relay's source contract.
type relaySource struct {
	st *store.Store
}

func (r relaySource) ClaimPending(ctx context.Context, limit int) (relay.Batch, error) {
	batch, err := r.st.ClaimPendingOutbox(ctx, limit)
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// main boots the service: config → logging → DB → schema → bus → relay → HTTP.
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// Load runtime config from environment (DB_URL, AMQP_URL, API_KEYS, ...).
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	// Connect to durable storage (Postgres) using a connection pool.
	st, err := store.New(cfg.DBURL, logger)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ensure required tables/indexes/policies exist so `docker compose up
	// --build` is enough.
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal("schema bootstrap failed", zap.Error(err))
	}

	// Connect to the event bus.
	publisher, closeBus, err := bus.Connect(cfg.AMQPURL, cfg.Exchange, logger)
	if err != nil {
		logger.Fatal("event bus connection failed", zap.Error(err))
	}
	defer closeBus()

	// Start the outbox relay as the single background drainer.
	outboxRelay := relay.New(relaySource{st: st}, publisher, logger, relay.Config{
		Interval:  cfg.RelayInterval,
		BatchSize: cfg.RelayBatchSize,
	})

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		outboxRelay.Run(ctx)
	}()

	// Build HTTP router (public health + authenticated workflow APIs).
	svc := service.NewTimeEntryService(st, logger, cfg.IdempotencyTTL)
	router := httpserver.NewRouter(cfg, st, svc)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started", zap.String("addr", cfg.ListenAddr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	stop()
	<-relayDone

	logger.Info("shutdown complete")
}
