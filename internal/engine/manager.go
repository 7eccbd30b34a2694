package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dkuznetsov/polysniper/internal/config"
	"github.com/dkuznetsov/polysniper/internal/domain"
)

// EventNotifier receives position lifecycle events for outbound channels.
// Implementations must not block the trading path for long; delivery is best
// effort.
type EventNotifier interface {
	PositionOpened(ctx context.Context, p domain.Position)
	PositionClosed(ctx context.Context, p domain.Position)
	PositionOpenFailed(ctx context.Context, req domain.OpenRequest, reason string)
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

func (NoopNotifier) PositionOpened(context.Context, domain.Position)               {}
func (NoopNotifier) PositionClosed(context.Context, domain.Position)               {}
func (NoopNotifier) PositionOpenFailed(context.Context, domain.OpenRequest, string) {}

// openTimeout bounds a single order placement round trip.
const openTimeout = 30 * time.Second

// Manager owns the position lifecycle. It accepts entries from the filter,
// sizes and places orders, spawns one supervisor goroutine per open position,
// and enforces the concurrency cap, the one-position-per-market rule, and the
// daily trade cap. Entries rejected only for capacity are parked in a
// deferral queue and retried when a slot frees up, as long as the market is
// still inside its freshness window.
type Manager struct {
	cfg       config.TradingConfig
	freshness time.Duration
	interval  time.Duration

	positions domain.PositionStore
	markets   domain.MarketStore
	executor  domain.OrderExecutor
	prices    domain.PriceSource
	cache     domain.PriceCache // optional
	bus       domain.SignalBus  // optional
	balance   *BalanceMonitor
	limiter   *DailyLimiter
	notifier  EventNotifier
	logger    *slog.Logger
	now       func() time.Time

	enabled atomic.Bool

	mu       sync.Mutex
	runCtx   context.Context
	handles  map[string]*handle // position ID -> handle
	byMarket map[string]string  // market ID -> position ID
	opening  int                // entries past the capacity check, order in flight
	deferred []domain.OpenRequest

	wg sync.WaitGroup
}

// ManagerDeps bundles the manager's collaborators. Cache, Bus, and Notifier
// may be nil.
type ManagerDeps struct {
	Positions domain.PositionStore
	Markets   domain.MarketStore
	Executor  domain.OrderExecutor
	Prices    domain.PriceSource
	Cache     domain.PriceCache
	Bus       domain.SignalBus
	Balance   *BalanceMonitor
	Limiter   *DailyLimiter
	Notifier  EventNotifier
}

// NewManager creates a Manager. freshness bounds how long a deferred entry
// stays retryable; interval is the supervisor tick period.
func NewManager(cfg config.TradingConfig, freshness, interval time.Duration, deps ManagerDeps, logger *slog.Logger) *Manager {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	m := &Manager{
		cfg:       cfg,
		freshness: freshness,
		interval:  interval,
		positions: deps.Positions,
		markets:   deps.Markets,
		executor:  deps.Executor,
		prices:    deps.Prices,
		cache:     deps.Cache,
		bus:       deps.Bus,
		balance:   deps.Balance,
		limiter:   deps.Limiter,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "manager")),
		now:       time.Now,
		handles:   make(map[string]*handle),
		byMarket:  make(map[string]string),
	}
	m.enabled.Store(true)
	return m
}

// Run adopts any open positions left over from a previous process, then
// blocks until ctx is cancelled and every supervisor has drained.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	if err := m.adopt(ctx); err != nil {
		m.logger.Error("adopting open positions failed", slog.String("error", err.Error()))
	}

	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

// adopt re-attaches supervisors to positions persisted as open. Adopted
// positions count toward the concurrency cap like any other.
func (m *Manager) adopt(ctx context.Context) error {
	open, err := m.positions.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: load open positions: %w", err)
	}
	for _, p := range open {
		m.register(ctx, p, false)
		m.logger.Info("position adopted",
			slog.String("position_id", p.ID),
			slog.String("slug", p.Slug),
			slog.Float64("entry_price", p.EntryPrice),
		)
	}
	return nil
}

// SetTradingEnabled toggles acceptance of new entries. Open positions keep
// being supervised either way.
func (m *Manager) SetTradingEnabled(v bool) {
	m.enabled.Store(v)
	m.logger.Info("trading toggled", slog.Bool("enabled", v))
}

// TradingEnabled reports whether new entries are accepted.
func (m *Manager) TradingEnabled() bool {
	return m.enabled.Load()
}

// Submit attempts to enter a position for the given request. Capacity misses
// return domain.ErrCapacity after parking the request for deferred retry.
func (m *Manager) Submit(ctx context.Context, req domain.OpenRequest) error {
	if !m.enabled.Load() {
		return domain.ErrTradingDisabled
	}

	m.mu.Lock()
	if m.runCtx == nil {
		m.mu.Unlock()
		return fmt.Errorf("engine: manager not running")
	}
	if _, ok := m.byMarket[req.Market.ID]; ok {
		m.mu.Unlock()
		return domain.ErrDuplicatePosition
	}
	if len(m.handles)+m.opening >= m.cfg.MaxOpenPositions {
		m.deferred = append(m.deferred, req)
		m.mu.Unlock()
		m.logger.Info("entry deferred, at capacity",
			slog.String("slug", req.Market.Slug),
		)
		return domain.ErrCapacity
	}
	// Claim the market and a concurrency slot before releasing the lock so
	// concurrent submits cannot overshoot the cap.
	m.byMarket[req.Market.ID] = ""
	m.opening++
	m.mu.Unlock()

	if err := m.limiter.Reserve(req.Strategy); err != nil {
		m.abandonClaim(req.Market.ID)
		return err
	}

	p, err := m.open(ctx, req)
	if err != nil {
		m.limiter.Release(req.Strategy)
		m.abandonClaim(req.Market.ID)
		m.notifier.PositionOpenFailed(ctx, req, err.Error())
		return fmt.Errorf("engine: open %s: %w", req.Market.Slug, err)
	}

	m.register(ctx, p, true)
	return nil
}

// open sizes and places the entry order, persists the new position, and
// returns it in the open state.
func (m *Manager) open(ctx context.Context, req domain.OpenRequest) (domain.Position, error) {
	size := m.cfg.PositionSizeUSD
	if snap, ok := m.balance.Snapshot(); ok {
		if capped := snap.USD * m.cfg.MaxPositionPctOfBalance / 100; capped < size {
			size = capped
		}
	}
	if size <= 0 {
		return domain.Position{}, fmt.Errorf("insufficient balance for any position")
	}

	p := domain.Position{
		ID:              uuid.NewString(),
		MarketID:        req.Market.ID,
		Slug:            req.Market.Slug,
		TokenID:         req.TokenID,
		Strategy:        req.Strategy,
		Side:            req.Side,
		SizeUSD:         size,
		ProfitTargetPct: m.cfg.ProfitTargetPct,
		StopLossPct:     m.cfg.StopLossPct,
		Status:          domain.PositionStatusOpening,
	}

	callCtx, cancel := context.WithTimeout(ctx, openTimeout)
	fill, err := m.executor.Open(callCtx, req.Market, req.Side, size)
	cancel()
	if err != nil {
		m.logger.Warn("order placement failed",
			slog.String("slug", req.Market.Slug),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, err
	}

	p.EntryPrice = fill
	p.Shares = size / fill
	p.CurrentPrice = fill
	p.Status = domain.PositionStatusOpen
	p.OpenedAt = m.now().UTC()

	if err := m.positions.Create(ctx, p); err != nil {
		// The order is already filled; supervision proceeds in memory and the
		// write is retried once so the position is not silently lost.
		m.logger.Error("position persist failed",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
		if err := m.positions.Create(ctx, p); err != nil {
			m.logger.Error("position persist retry failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := m.markets.SetStatus(ctx, p.Slug, domain.MarketStatusTraded); err != nil {
		m.logger.Warn("market status update failed",
			slog.String("slug", p.Slug),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("position opened",
		slog.String("position_id", p.ID),
		slog.String("slug", p.Slug),
		slog.String("side", p.Side),
		slog.Float64("size_usd", p.SizeUSD),
		slog.Float64("entry_price", p.EntryPrice),
	)
	m.notifier.PositionOpened(ctx, p)
	m.publish(ctx, "positions.opened", p)
	return p, nil
}

// register installs a handle and starts the supervisor. fromSubmit releases
// the in-flight slot claimed by Submit.
func (m *Manager) register(ctx context.Context, p domain.Position, fromSubmit bool) {
	h := newHandle(p)

	m.mu.Lock()
	runCtx := m.runCtx
	if runCtx == nil {
		runCtx = ctx
	}
	m.handles[p.ID] = h
	m.byMarket[p.MarketID] = p.ID
	if fromSubmit {
		m.opening--
	}
	m.mu.Unlock()

	m.wg.Add(1)
	s := &supervisor{
		m: m,
		h: h,
		logger: m.logger.With(
			slog.String("component", "supervisor"),
			slog.String("position_id", p.ID),
			slog.String("slug", p.Slug),
		),
	}
	go s.run(runCtx)
}

// abandonClaim rolls back the market claim and concurrency slot taken by
// Submit when the open does not go through.
func (m *Manager) abandonClaim(marketID string) {
	m.mu.Lock()
	delete(m.byMarket, marketID)
	m.opening--
	m.mu.Unlock()
}

// release detaches a finished supervisor and kicks the deferral queue.
func (m *Manager) release(h *handle) {
	m.mu.Lock()
	delete(m.handles, h.id)
	delete(m.byMarket, h.marketID)
	m.mu.Unlock()
	m.retryDeferred()
}

// retryDeferred drops expired deferrals and resubmits the oldest still-fresh
// request on its own goroutine.
func (m *Manager) retryDeferred() {
	m.mu.Lock()
	ctx := m.runCtx
	now := m.now()

	var next *domain.OpenRequest
	keep := m.deferred[:0]
	for i := range m.deferred {
		req := m.deferred[i]
		if now.Sub(req.CreatedAt) > m.freshness {
			m.logger.Info("deferred entry expired",
				slog.String("slug", req.Market.Slug),
			)
			continue
		}
		if next == nil {
			next = &req
			continue
		}
		keep = append(keep, req)
	}
	m.deferred = keep
	m.mu.Unlock()

	if next == nil || ctx == nil || ctx.Err() != nil {
		return
	}

	req := *next
	go func() {
		if err := m.Submit(ctx, req); err != nil {
			m.logger.Info("deferred entry retry failed",
				slog.String("slug", req.Market.Slug),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// RequestClose asks the supervisor of the given position to exit with the
// manual close reason on its next tick.
func (m *Manager) RequestClose(positionID string) error {
	m.mu.Lock()
	h, ok := m.handles[positionID]
	m.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	h.closeRequest.Store(true)
	return nil
}

// Snapshot returns copies of all supervised positions.
func (m *Manager) Snapshot() []domain.Position {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]domain.Position, 0, len(handles))
	for _, h := range handles {
		if p := h.snapshot.Load(); p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// OpenCount reports the number of supervised positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles) + m.opening
}

// DeferredCount reports the number of parked capacity deferrals.
func (m *Manager) DeferredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}

// publish sends a lifecycle event on the signal bus when one is configured.
func (m *Manager) publish(ctx context.Context, channel string, p domain.Position) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"position_id": p.ID,
		"market_id":   p.MarketID,
		"slug":        p.Slug,
		"side":        p.Side,
		"status":      string(p.Status),
		"entry_price": p.EntryPrice,
		"size_usd":    p.SizeUSD,
		"at":          m.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.logger.Debug("signal publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
