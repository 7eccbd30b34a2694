package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkuznetsov/polysniper/internal/config"
	"github.com/dkuznetsov/polysniper/internal/domain"
)

// Submitter accepts entry decisions from the filter. Capacity-style errors
// (domain.ErrCapacity, domain.ErrDailyCapReached) mean the request was not
// entered now but may be retried by the manager; any other error is final for
// this observation.
type Submitter interface {
	Submit(ctx context.Context, req domain.OpenRequest) error
}

// Filter evaluates each discovered market against the entry rules and
// forwards survivors to the lifecycle manager. Rules run in a fixed order so
// the recorded rejection reason is always the first rule that failed:
// freshness, liquidity, price, then capacity.
type Filter struct {
	cfg        config.FilterConfig
	side       string
	strategy   string
	markets    domain.MarketStore
	rejections domain.RejectionStore
	submitter  Submitter
	logger     *slog.Logger
	now        func() time.Time
}

// NewFilter creates a Filter. side and strategy come from the trading config
// and apply to every entry the filter produces.
func NewFilter(
	cfg config.FilterConfig,
	side, strategy string,
	markets domain.MarketStore,
	rejections domain.RejectionStore,
	submitter Submitter,
	logger *slog.Logger,
) *Filter {
	return &Filter{
		cfg:        cfg,
		side:       side,
		strategy:   strategy,
		markets:    markets,
		rejections: rejections,
		submitter:  submitter,
		logger:     logger.With(slog.String("component", "filter")),
		now:        time.Now,
	}
}

// Run consumes discovery events until ctx is cancelled. Every observation is
// persisted before evaluation so the market record exists even when the
// market is rejected.
func (f *Filter) Run(ctx context.Context, events <-chan domain.MarketEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			f.handle(ctx, ev)
		}
	}
}

// maxPriceHistory caps how many samples a market's price history carries; the
// oldest samples roll off first.
const maxPriceHistory = 48

func (f *Filter) handle(ctx context.Context, ev domain.MarketEvent) {
	m := ev.Market
	m.NoPricePct = m.NoPrice * 100

	// A market already in a terminal status has been decided; duplicate
	// observations from the other source are dropped here.
	if existing, err := f.markets.GetBySlug(ctx, m.Slug); err == nil {
		switch existing.Status {
		case domain.MarketStatusRejected, domain.MarketStatusTraded, domain.MarketStatusClosed:
			return
		}
		m.FirstSeenAt = existing.FirstSeenAt
		m.PriceHistory = existing.PriceHistory
	}
	m.PriceHistory = appendPricePoint(m.PriceHistory, domain.PricePoint{
		Price: m.NoPrice,
		At:    f.now().UTC(),
	})

	if err := f.markets.Upsert(ctx, m); err != nil {
		f.logger.Error("market upsert failed",
			slog.String("slug", m.Slug),
			slog.String("error", err.Error()),
		)
		// Evaluation continues; a storage hiccup must not block trading.
	}

	if reason, ok := f.evaluate(m); !ok {
		f.reject(ctx, m, reason, true)
		return
	}

	tokenID, _ := m.OutcomeToken(f.side)
	req := domain.OpenRequest{
		Market:    m,
		Side:      f.side,
		TokenID:   tokenID,
		Price:     m.OutcomePrice(f.side),
		Strategy:  f.strategy,
		CreatedAt: m.CreatedAt,
	}

	err := f.submitter.Submit(ctx, req)
	switch {
	case err == nil:
		f.logger.Info("market accepted",
			slog.String("slug", m.Slug),
			slog.String("side", f.side),
			slog.Float64("price", req.Price),
		)
	case errors.Is(err, domain.ErrCapacity), errors.Is(err, domain.ErrDailyCapReached):
		f.reject(ctx, m, err.Error(), false)
	case errors.Is(err, domain.ErrDuplicatePosition):
		// Same market seen twice past the filter; nothing to record.
	case errors.Is(err, domain.ErrTradingDisabled):
		f.reject(ctx, m, err.Error(), false)
	default:
		f.logger.Error("submit failed",
			slog.String("slug", m.Slug),
			slog.String("error", err.Error()),
		)
	}
}

func appendPricePoint(history []domain.PricePoint, p domain.PricePoint) []domain.PricePoint {
	history = append(history, p)
	if len(history) > maxPriceHistory {
		history = history[len(history)-maxPriceHistory:]
	}
	return history
}

// evaluate runs the market-local rules in order. It returns the failure
// reason and false when the market must be permanently rejected.
func (f *Filter) evaluate(m domain.Market) (string, bool) {
	age := m.Age(f.now())
	if age > f.cfg.FreshnessWindow.Duration {
		return fmt.Sprintf("stale: age %s exceeds freshness window %s",
			age.Round(time.Second), f.cfg.FreshnessWindow.Duration), false
	}

	if m.Liquidity < f.cfg.MinLiquidityUSD {
		return fmt.Sprintf("illiquid: $%.2f below minimum $%.2f",
			m.Liquidity, f.cfg.MinLiquidityUSD), false
	}

	price := m.OutcomePrice(f.side)
	if price <= 0 || price >= 1 {
		return fmt.Sprintf("unpriced: %s quote %v unusable", f.side, price), false
	}
	if price > f.cfg.MaxEntryPrice {
		return fmt.Sprintf("expensive: %s price %.3f above maximum %.3f",
			f.side, price, f.cfg.MaxEntryPrice), false
	}

	if !m.Active || !m.Tradeable {
		return "untradeable: market inactive or order book disabled", false
	}
	if _, ok := m.OutcomeToken(f.side); !ok {
		return fmt.Sprintf("malformed: no %s outcome token", f.side), false
	}

	return "", true
}

// reject records the rejection and, for permanent ones, advances the market
// status so the same slug is never evaluated again.
func (f *Filter) reject(ctx context.Context, m domain.Market, reason string, permanent bool) {
	f.logger.Info("market rejected",
		slog.String("slug", m.Slug),
		slog.String("reason", reason),
		slog.Bool("permanent", permanent),
	)

	if err := f.rejections.Log(ctx, domain.Rejection{
		MarketID:   m.ID,
		Slug:       m.Slug,
		Reason:     reason,
		Permanent:  permanent,
		RejectedAt: f.now().UTC(),
	}); err != nil {
		f.logger.Warn("rejection log failed",
			slog.String("slug", m.Slug),
			slog.String("error", err.Error()),
		)
	}

	if permanent {
		if err := f.markets.SetStatus(ctx, m.Slug, domain.MarketStatusRejected); err != nil {
			f.logger.Warn("market status update failed",
				slog.String("slug", m.Slug),
				slog.String("error", err.Error()),
			)
		}
	}
}
