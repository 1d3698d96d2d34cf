// Package relay drains the outbox to the external bus. It is the system's
// at-least-once delivery boundary: rows are marked published only after a
// successful publish, so a crash or broker outage means redelivery, never
// loss.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velasquezlegal/timeledger/internal/bus"
	"github.com/velasquezlegal/timeledger/internal/models"
)

const (
	defaultInterval  = 3 * time.Second
	defaultBatchSize = 100
)

// Batch is a claimed set of pending outbox events.
type Batch interface {
	Events() []models.OutboxEvent
	// Complete marks publishedIDs as delivered and releases the claim.
	// Rows left out stay pending for the next tick.
	Complete(ctx context.Context, publishedIDs []uuid.UUID) error
}

// Source claims pending outbox events for delivery.
type Source interface {
	ClaimPending(ctx context.Context, limit int) (Batch, error)
}

// Config controls relay polling.
type Config struct {
	// Interval between ticks.
	Interval time.Duration
	// BatchSize is the max events fetched per tick.
	BatchSize int
}

func (cfg *Config) normalize() {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
}

// TickResult summarizes one relay cycle.
type TickResult struct {
	Fetched   int
	Published int
	Failed    int
}

// Relay is the periodic outbox poller. Publish failures are retried on the
// next tick with no cap: the flat interval plus the bus-side deduplication
// key make unbounded retry safe. Persistent failure shows up operationally
// as pending-row backlog, which is the signal to alert on.
type Relay struct {
	source Source
	pub    bus.Publisher
	log    *zap.Logger
	cfg    Config

	// tickMu serializes ticks so a slow cycle is never overlapped by the
	// next interval firing.
	tickMu sync.Mutex
}

// New creates a relay. Zero config fields fall back to defaults.
func New(source Source, pub bus.Publisher, logger *zap.Logger, cfg Config) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.normalize()

	return &Relay{source: source, pub: pub, log: logger, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info("outbox relay started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)
	defer r.log.Info("outbox relay stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Drain whatever accumulated before startup, then settle into the tick.
	r.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one fetch-publish-mark cycle. It never returns an error: every
// failure mode resolves to rows staying pending and a log line.
func (r *Relay) Tick(ctx context.Context) TickResult {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	batch, err := r.source.ClaimPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.log.Error("outbox claim failed", zap.Error(err))
		return TickResult{}
	}

	events := batch.Events()

	result := TickResult{Fetched: len(events)}

	var published []uuid.UUID

	for _, ev := range events {
		if err := r.pub.Publish(ctx, ev.EventType, ev.Payload, ev.FirmID, ev.EventKey); err != nil {
			// Row stays pending; the next tick retries it.
			r.log.Warn("outbox publish failed",
				zap.String("event_id", ev.ID.String()),
				zap.String("event_type", ev.EventType),
				zap.String("firm_id", ev.FirmID),
				zap.Error(err),
			)

			result.Failed++

			continue
		}

		published = append(published, ev.ID)
	}

	if err := batch.Complete(ctx, published); err != nil {
		// Nothing was marked: the claim transaction resolved without the
		// update, so every row in the batch is retried next tick.
		r.log.Error("outbox batch completion failed",
			zap.Int("published", len(published)),
			zap.Error(err),
		)

		return TickResult{Fetched: result.Fetched, Failed: result.Fetched}
	}

	result.Published = len(published)

	if result.Fetched > 0 {
		r.log.Info("outbox tick",
			zap.Int("fetched", result.Fetched),
			zap.Int("published", result.Published),
			zap.Int("failed", result.Failed),
		)
	}

	return result
}
