// Package feed discovers newly created markets and delivers them as a stream
// of MarketEvents. The primary source polls the Gamma REST API; an optional
// WebSocket source shortens discovery latency. Both sources may emit
// duplicates; consumers resolve them by upserting on slug.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// marketLister is the slice of the Gamma client the ingestor needs.
type marketLister interface {
	GetNewMarkets(ctx context.Context, limit int) ([]domain.Market, error)
}

// pollLimit is how many of the newest markets each poll fetches. New
// creations arrive far slower than this, so a poll never misses one.
const pollLimit = 100

// Ingestor polls the venue for new markets and emits one MarketEvent per
// market per process lifetime. Sends block when the consumer falls behind;
// backpressure is preferred over dropping a discovery.
type Ingestor struct {
	source   marketLister
	interval time.Duration
	seenTTL  time.Duration
	events   chan domain.MarketEvent
	logger   *slog.Logger

	// seen maps slug to the time it was first emitted. Entries older than
	// seenTTL are pruned; by then the market is long past the freshness
	// window and the filter rejects it anyway.
	seen map[string]time.Time
}

// NewIngestor creates an Ingestor polling source every interval. seenTTL
// bounds the dedup window and should comfortably exceed the filter's
// freshness window.
func NewIngestor(source marketLister, interval, seenTTL time.Duration, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		source:   source,
		interval: interval,
		seenTTL:  seenTTL,
		events:   make(chan domain.MarketEvent, 64),
		logger:   logger.With(slog.String("component", "ingestor")),
		seen:     make(map[string]time.Time),
	}
}

// Events returns the discovery stream. The channel is shared with the
// optional WebSocket feed and is never closed; consumers stop on context
// cancellation.
func (in *Ingestor) Events() <-chan domain.MarketEvent {
	return in.events
}

// Sink exposes the send side of the stream for supplementary sources.
func (in *Ingestor) Sink() chan<- domain.MarketEvent {
	return in.events
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on the
// next tick; the loop only stops with the process.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	// First poll happens immediately so startup does not wait a full tick.
	if err := in.poll(ctx); err != nil && ctx.Err() == nil {
		in.logger.Warn("market poll failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := in.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				in.logger.Warn("market poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (in *Ingestor) poll(ctx context.Context) error {
	markets, err := in.source.GetNewMarkets(ctx, pollLimit)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	in.prune(now)

	emitted := 0
	for _, m := range markets {
		if _, ok := in.seen[m.Slug]; ok {
			continue
		}
		in.seen[m.Slug] = now

		ev := domain.MarketEvent{
			Market:     m,
			Source:     "gamma_poll",
			ObservedAt: now,
		}
		select {
		case in.events <- ev:
			emitted++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if emitted > 0 {
		in.logger.Info("new markets discovered",
			slog.Int("count", emitted),
			slog.Int("polled", len(markets)),
		)
	}
	return nil
}

func (in *Ingestor) prune(now time.Time) {
	for slug, at := range in.seen {
		if now.Sub(at) > in.seenTTL {
			delete(in.seen, slug)
		}
	}
}
