package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkuznetsov/polysniper/internal/config"
	"github.com/dkuznetsov/polysniper/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ------------------------------------------------------------------
// fakes
// ------------------------------------------------------------------

type fakePositionStore struct {
	mu      sync.Mutex
	rows    map[string]domain.Position
	updates int
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{rows: make(map[string]domain.Position)}
}

func (s *fakePositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
	return nil
}

func (s *fakePositionStore) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.rows[p.ID] = p
	s.updates++
	return nil
}

func (s *fakePositionStore) Close(_ context.Context, id string, exitPrice, realizedPnL float64, reason domain.CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok || p.Status == domain.PositionStatusClosed {
		return nil
	}
	now := time.Now().UTC()
	p.Status = domain.PositionStatusClosed
	p.ExitPrice = &exitPrice
	p.RealizedPnL = &realizedPnL
	p.CloseReason = &reason
	p.ClosedAt = &now
	s.rows[id] = p
	return nil
}

func (s *fakePositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakePositionStore) GetOpen(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.rows {
		if p.Status == domain.PositionStatusOpen || p.Status == domain.PositionStatusClosing {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListHistory(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakePositionStore) ListClosedBefore(context.Context, time.Time, int) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakePositionStore) get(id string) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	return p, ok
}

type fakeMarketStore struct {
	mu       sync.Mutex
	statuses map[string]domain.MarketStatus
}

func newFakeMarketStore() *fakeMarketStore {
	return &fakeMarketStore{statuses: make(map[string]domain.MarketStatus)}
}

func (s *fakeMarketStore) Upsert(context.Context, domain.Market) error { return nil }

func (s *fakeMarketStore) GetBySlug(context.Context, string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (s *fakeMarketStore) SetStatus(_ context.Context, slug string, status domain.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[slug] = status
	return nil
}

func (s *fakeMarketStore) Count(context.Context) (int64, error) { return 0, nil }

func (s *fakeMarketStore) status(slug string) domain.MarketStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[slug]
}

type fakeExecutor struct {
	mu         sync.Mutex
	openPrice  float64
	openErr    error
	closePrice float64
	closeErr   error
	opens      int
	closes     int
}

func (e *fakeExecutor) Open(context.Context, domain.Market, string, float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens++
	if e.openErr != nil {
		return 0, e.openErr
	}
	return e.openPrice, nil
}

func (e *fakeExecutor) Close(context.Context, domain.Position) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	if e.closeErr != nil {
		return 0, e.closeErr
	}
	return e.closePrice, nil
}

type fakePrices struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (p *fakePrices) Price(context.Context, string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, p.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	opened []domain.Position
	closed []domain.Position
	failed []string
}

func (n *recordingNotifier) PositionOpened(_ context.Context, p domain.Position) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, p)
}

func (n *recordingNotifier) PositionClosed(_ context.Context, p domain.Position) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, p)
}

func (n *recordingNotifier) PositionOpenFailed(_ context.Context, req domain.OpenRequest, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, req.Market.Slug)
}

// ------------------------------------------------------------------
// harness
// ------------------------------------------------------------------

type managerHarness struct {
	m        *Manager
	store    *fakePositionStore
	markets  *fakeMarketStore
	executor *fakeExecutor
	prices   *fakePrices
	notifier *recordingNotifier
	limiter  *DailyLimiter
	cancel   context.CancelFunc
}

func defaultTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		PositionSizeUSD:         1.0,
		ProfitTargetPct:         10,
		StopLossPct:             -20,
		MaxPositionHours:        24,
		MaxOpenPositions:        3,
		MaxPositionPctOfBalance: 10,
		Side:                    domain.SideNo,
		Strategy:                "conservative",
		DailyTradeCaps:          map[string]int{"conservative": 10},
	}
}

func newManagerHarness(t *testing.T, cfg config.TradingConfig) *managerHarness {
	t.Helper()

	h := &managerHarness{
		store:    newFakePositionStore(),
		markets:  newFakeMarketStore(),
		executor: &fakeExecutor{openPrice: 0.70, closePrice: 0.77},
		prices:   &fakePrices{price: 0.70},
		notifier: &recordingNotifier{},
		limiter:  NewDailyLimiter(cfg.DailyTradeCaps, time.UTC),
	}

	balance := NewBalanceMonitor(nil, time.Hour, testLogger())
	balance.snap.Store(&domain.BalanceSnapshot{USD: 100, ObservedAt: time.Now()})

	// A long tick keeps supervisors idle unless a test drives them directly.
	h.m = NewManager(cfg, 10*time.Minute, time.Hour, ManagerDeps{
		Positions: h.store,
		Markets:   h.markets,
		Executor:  h.executor,
		Prices:    h.prices,
		Balance:   balance,
		Limiter:   h.limiter,
		Notifier:  h.notifier,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.m.runCtx = ctx
	t.Cleanup(func() {
		cancel()
		h.m.wg.Wait()
	})
	return h
}

func makeRequest(slug string) domain.OpenRequest {
	now := time.Now().UTC()
	return domain.OpenRequest{
		Market: domain.Market{
			ID:        "mkt-" + slug,
			Slug:      slug,
			Outcomes:  [2]string{"Yes", "No"},
			TokenIDs:  [2]string{"111", "222"},
			YesPrice:  0.30,
			NoPrice:   0.70,
			Liquidity: 500,
			Active:    true,
			Tradeable: true,
			CreatedAt: now,
		},
		Side:      domain.SideNo,
		TokenID:   "222",
		Price:     0.70,
		Strategy:  "conservative",
		CreatedAt: now,
	}
}

// ------------------------------------------------------------------
// tests
// ------------------------------------------------------------------

func TestManager_SubmitOpensPosition(t *testing.T) {
	h := newManagerHarness(t, defaultTradingConfig())
	ctx := context.Background()

	require.NoError(t, h.m.Submit(ctx, makeRequest("fresh-market")))

	assert.Equal(t, 1, h.m.OpenCount())
	assert.Equal(t, 1, h.limiter.Used("conservative"))
	assert.Equal(t, domain.MarketStatusTraded, h.markets.status("fresh-market"))

	snaps := h.m.Snapshot()
	require.Len(t, snaps, 1)
	p := snaps[0]
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assert.InDelta(t, 0.70, p.EntryPrice, 0.0001)
	assert.InDelta(t, 1.0, p.SizeUSD, 0.0001)
	assert.InDelta(t, 1.0/0.70, p.Shares, 0.0001)

	stored, ok := h.store.get(p.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)

	require.Len(t, h.notifier.opened, 1)
}

func TestManager_SizingIsCappedByBalance(t *testing.T) {
	cfg := defaultTradingConfig()
	cfg.PositionSizeUSD = 5.0
	h := newManagerHarness(t, cfg)

	// 10% of $100 is $10, above the $5 fixed size; fixed size wins.
	require.NoError(t, h.m.Submit(context.Background(), makeRequest("rich")))
	snaps := h.m.Snapshot()
	require.Len(t, snaps, 1)
	assert.InDelta(t, 5.0, snaps[0].SizeUSD, 0.0001)
}

func TestManager_SizingShrinksWithSmallBalance(t *testing.T) {
	h := newManagerHarness(t, defaultTradingConfig())
	h.m.balance.snap.Store(&domain.BalanceSnapshot{USD: 4, ObservedAt: time.Now()})

	// 10% of $4 is $0.40, below the $1 fixed size.
	require.NoError(t, h.m.Submit(context.Background(), makeRequest("poor")))
	snaps := h.m.Snapshot()
	require.Len(t, snaps, 1)
	assert.InDelta(t, 0.40, snaps[0].SizeUSD, 0.0001)
}

func TestManager_RejectsDuplicateMarket(t *testing.T) {
	h := newManagerHarness(t, defaultTradingConfig())
	ctx := context.Background()

	req := makeRequest("one-market")
	require.NoError(t, h.m.Submit(ctx, req))
	assert.ErrorIs(t, h.m.Submit(ctx, req), domain.ErrDuplicatePosition)
	assert.Equal(t, 1, h.m.OpenCount())
}

func TestManager_DefersAtCapacity(t *testing.T) {
	cfg := defaultTradingConfig()
	cfg.MaxOpenPositions = 1
	h := newManagerHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.m.Submit(ctx, makeRequest("first")))
	assert.ErrorIs(t, h.m.Submit(ctx, makeRequest("second")), domain.ErrCapacity)
	assert.Equal(t, 1, h.m.DeferredCount())
	// A deferred entry consumes no daily cap.
	assert.Equal(t, 1, h.limiter.Used("conservative"))
}

func TestManager_RetriesDeferredWhenSlotFrees(t *testing.T) {
	cfg := defaultTradingConfig()
	cfg.MaxOpenPositions = 1
	h := newManagerHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.m.Submit(ctx, makeRequest("first")))
	assert.ErrorIs(t, h.m.Submit(ctx, makeRequest("second")), domain.ErrCapacity)

	h.m.mu.Lock()
	var firstHandle *handle
	for _, hd := range h.m.handles {
		firstHandle = hd
	}
	h.m.mu.Unlock()
	require.NotNil(t, firstHandle)

	h.m.release(firstHandle)

	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		_, ok := h.m.byMarket["mkt-second"]
		return ok && len(h.m.deferred) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_DropsExpiredDeferrals(t *testing.T) {
	cfg := defaultTradingConfig()
	cfg.MaxOpenPositions = 1
	h := newManagerHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.m.Submit(ctx, makeRequest("first")))

	stale := makeRequest("too-late")
	stale.CreatedAt = time.Now().Add(-time.Hour)
	assert.ErrorIs(t, h.m.Submit(ctx, stale), domain.ErrCapacity)

	h.m.retryDeferred()
	assert.Equal(t, 0, h.m.DeferredCount())

	h.m.mu.Lock()
	_, resubmitted := h.m.byMarket["mkt-too-late"]
	h.m.mu.Unlock()
	assert.False(t, resubmitted)
}

func TestManager_EnforcesDailyCap(t *testing.T) {
	cfg := defaultTradingConfig()
	cfg.DailyTradeCaps = map[string]int{"conservative": 1}
	h := newManagerHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.m.Submit(ctx, makeRequest("a")))
	assert.ErrorIs(t, h.m.Submit(ctx, makeRequest("b")), domain.ErrDailyCapReached)
	assert.Equal(t, 1, h.m.OpenCount())
}

func TestManager_OpenFailureReleasesEverything(t *testing.T) {
	h := newManagerHarness(t, defaultTradingConfig())
	h.executor.openErr = errors.New("order rejected: no liquidity")
	ctx := context.Background()

	err := h.m.Submit(ctx, makeRequest("doomed"))
	require.Error(t, err)

	// The failed attempt must not consume cap, slot, or market claim.
	assert.Equal(t, 0, h.m.OpenCount())
	assert.Equal(t, 0, h.limiter.Used("conservative"))
	require.Len(t, h.notifier.failed, 1)
	assert.Equal(t, "doomed", h.notifier.failed[0])

	h.executor.openErr = nil
	assert.NoError(t, h.m.Submit(ctx, makeRequest("doomed")))
}

func TestManager_TradingDisabledRejectsSubmit(t *testing.T) {
	h := newManagerHarness(t, defaultTradingConfig())
	h.m.SetTradingEnabled(false)

	err := h.m.Submit(context.Background(), makeRequest("paused"))
	assert.ErrorIs(t, err, domain.ErrTradingDisabled)

	h.m.SetTradingEnabled(true)
	assert.NoError(t, h.m.Submit(context.Background(), makeRequest("paused")))
}

func TestManager_RequestCloseUnknownPosition(t *testing.T) {
	h := newManagerHarness(t, defaultTradingConfig())
	assert.ErrorIs(t, h.m.RequestClose("nope"), domain.ErrNotFound)
}
