package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// BalanceMonitor polls the venue balance on a fixed interval and publishes
// the latest snapshot through an atomic pointer. Position sizing reads the
// snapshot without ever blocking on the network; a failed poll keeps the
// previous value.
type BalanceMonitor struct {
	source   domain.BalanceSource
	interval time.Duration
	logger   *slog.Logger

	snap atomic.Pointer[domain.BalanceSnapshot]
}

// NewBalanceMonitor creates a monitor polling source every interval.
func NewBalanceMonitor(source domain.BalanceSource, interval time.Duration, logger *slog.Logger) *BalanceMonitor {
	return &BalanceMonitor{
		source:   source,
		interval: interval,
		logger:   logger.With(slog.String("component", "balance_monitor")),
	}
}

// Snapshot returns the last observed balance. ok is false until the first
// successful poll.
func (b *BalanceMonitor) Snapshot() (domain.BalanceSnapshot, bool) {
	p := b.snap.Load()
	if p == nil {
		return domain.BalanceSnapshot{}, false
	}
	return *p, true
}

// Run polls until ctx is cancelled. The first poll happens immediately so
// sizing has a balance before the first trade.
func (b *BalanceMonitor) Run(ctx context.Context) error {
	b.refresh(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.refresh(ctx)
		}
	}
}

func (b *BalanceMonitor) refresh(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	usd, err := b.source.Balance(callCtx)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("balance poll failed", slog.String("error", err.Error()))
		}
		return
	}

	b.snap.Store(&domain.BalanceSnapshot{
		USD:        usd,
		ObservedAt: time.Now().UTC(),
	})
	b.logger.Debug("balance refreshed", slog.Float64("usd", usd))
}
