package app

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/dkuznetsov/polysniper/internal/blob/s3"
	"github.com/dkuznetsov/polysniper/internal/command"
	"github.com/dkuznetsov/polysniper/internal/domain"
	"github.com/dkuznetsov/polysniper/internal/engine"
	"github.com/dkuznetsov/polysniper/internal/feed"
)

// TradeMode runs the full pipeline: discovery, filtering, order placement,
// and position supervision. Without a wallet key the app degrades to monitor
// behavior instead of failing.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	if deps.Clob == nil {
		a.logger.Warn("trade mode without wallet key, running monitor behavior")
		return a.MonitorMode(ctx, deps)
	}

	health := deps.Store.Health()
	if health.Degraded {
		deps.Notifier.StoreDegraded(ctx, health)
	}

	limiter := engine.NewDailyLimiter(a.cfg.Trading.DailyTradeCaps, a.cfg.DayLocation())
	balance := engine.NewBalanceMonitor(deps.Clob, a.cfg.Monitor.BalanceInterval.Duration, a.logger)

	manager := engine.NewManager(
		a.cfg.Trading,
		a.cfg.Filter.FreshnessWindow.Duration,
		a.cfg.Monitor.PositionInterval.Duration,
		engine.ManagerDeps{
			Positions: deps.Store.Positions,
			Markets:   deps.Store.Markets,
			Executor:  deps.Clob,
			Prices:    deps.Clob,
			Cache:     deps.PriceCache,
			Bus:       deps.SignalBus,
			Balance:   balance,
			Limiter:   limiter,
			Notifier:  deps.Notifier,
		},
		a.logger,
	)

	filter := engine.NewFilter(
		a.cfg.Filter,
		a.cfg.Trading.Side,
		a.cfg.Trading.Strategy,
		deps.Store.Markets,
		deps.Store.Rejections,
		manager,
		a.logger,
	)

	ingestor := a.newIngestor(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return balance.Run(gctx) })
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return filter.Run(gctx, ingestor.Events()) })

	if a.cfg.Polymarket.WsHost != "" {
		ws := feed.NewWSFeed(
			a.cfg.Polymarket.WsHost+"/ws/market",
			deps.Gamma,
			ingestor.Sink(),
			a.logger,
		)
		g.Go(func() error { return ws.Run(gctx) })
	}

	if a.cfg.Command.Enabled {
		bot := command.NewBot(
			a.cfg.Notify.TelegramToken,
			a.cfg.Command.AdminIDs,
			manager,
			balance,
			limiter,
			a.cfg.Trading.Strategy,
			health,
			a.logger,
		)
		g.Go(func() error { return bot.Run(gctx) })
	}

	if deps.ArchiveStore != nil {
		archiver := s3blob.NewArchiver(
			deps.Store.Positions,
			deps.ArchiveStore,
			a.cfg.Archive.Bucket,
			a.cfg.Archive.RetentionDays,
			a.cfg.Archive.Interval.Duration,
			a.logger,
		)
		g.Go(func() error { return archiver.Run(gctx) })
	}

	return g.Wait()
}

// MonitorMode runs discovery and filtering with persistence but never places
// an order. Accepted markets are logged so the filter settings can be tuned
// against live traffic.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	health := deps.Store.Health()
	if health.Degraded {
		deps.Notifier.StoreDegraded(ctx, health)
	}

	filter := engine.NewFilter(
		a.cfg.Filter,
		a.cfg.Trading.Side,
		a.cfg.Trading.Strategy,
		deps.Store.Markets,
		deps.Store.Rejections,
		dryRunSubmitter{logger: a.logger},
		a.logger,
	)

	ingestor := a.newIngestor(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return filter.Run(gctx, ingestor.Events()) })

	if a.cfg.Polymarket.WsHost != "" {
		ws := feed.NewWSFeed(
			a.cfg.Polymarket.WsHost+"/ws/market",
			deps.Gamma,
			ingestor.Sink(),
			a.logger,
		)
		g.Go(func() error { return ws.Run(gctx) })
	}

	return g.Wait()
}

func (a *App) newIngestor(deps *Dependencies) *feed.Ingestor {
	// The dedup window covers twice the freshness window so a market never
	// re-enters evaluation while it could still be traded.
	seenTTL := 2 * a.cfg.Filter.FreshnessWindow.Duration
	return feed.NewIngestor(
		deps.Gamma,
		a.cfg.Monitor.MarketPollInterval.Duration,
		seenTTL,
		a.logger,
	)
}

// dryRunSubmitter accepts every entry without placing orders.
type dryRunSubmitter struct {
	logger *slog.Logger
}

func (s dryRunSubmitter) Submit(_ context.Context, req domain.OpenRequest) error {
	s.logger.Info("would open position",
		slog.String("slug", req.Market.Slug),
		slog.String("side", req.Side),
		slog.Float64("price", req.Price),
	)
	return nil
}
