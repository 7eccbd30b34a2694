package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

type fakePriceCache struct {
	mu    sync.Mutex
	price float64
	ts    time.Time
	err   error
	sets  int
}

func (c *fakePriceCache) SetPrice(_ context.Context, _ string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.price = price
	c.ts = ts
	return nil
}

func (c *fakePriceCache) GetPrice(context.Context, string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, time.Time{}, c.err
	}
	return c.price, c.ts, nil
}

func openedPosition(now time.Time) domain.Position {
	return domain.Position{
		ID:              "pos-1",
		MarketID:        "mkt-1",
		Slug:            "some-market",
		TokenID:         "222",
		Strategy:        "conservative",
		Side:            domain.SideNo,
		SizeUSD:         1.0,
		Shares:          1.0 / 0.70,
		EntryPrice:      0.70,
		CurrentPrice:    0.70,
		ProfitTargetPct: 10,
		StopLossPct:     -20,
		Status:          domain.PositionStatusOpen,
		OpenedAt:        now.Add(-time.Minute),
	}
}

func newSupervisorHarness(t *testing.T, p domain.Position) (*managerHarness, *supervisor, *domain.Position) {
	t.Helper()
	h := newManagerHarness(t, defaultTradingConfig())
	require.NoError(t, h.store.Create(context.Background(), p))

	hd := newHandle(p)
	s := &supervisor{m: h.m, h: hd, logger: testLogger()}
	pos := p
	return h, s, &pos
}

func TestSupervisor_ExitReasonPriority(t *testing.T) {
	now := time.Now().UTC()
	h, s, pos := newSupervisorHarness(t, openedPosition(now))
	h.m.now = func() time.Time { return now }

	// No condition met.
	_, exit := s.exitReason(pos, 0.71)
	assert.False(t, exit)

	// Profit target wins over everything else that holds at the same tick.
	pos.OpenedAt = now.Add(-48 * time.Hour)
	s.h.closeRequest.Store(true)
	reason, exit := s.exitReason(pos, 0.77)
	require.True(t, exit)
	assert.Equal(t, domain.CloseReasonProfit, reason)

	// Stop loss beats timeout and manual.
	reason, exit = s.exitReason(pos, 0.56)
	require.True(t, exit)
	assert.Equal(t, domain.CloseReasonStopLoss, reason)

	// Timeout fires at a neutral price once the holding limit passes.
	s.h.closeRequest.Store(false)
	reason, exit = s.exitReason(pos, 0.70)
	require.True(t, exit)
	assert.Equal(t, domain.CloseReasonTimeout, reason)

	// Manual is the lowest priority.
	pos.OpenedAt = now.Add(-time.Minute)
	s.h.closeRequest.Store(true)
	reason, exit = s.exitReason(pos, 0.70)
	require.True(t, exit)
	assert.Equal(t, domain.CloseReasonManual, reason)
}

func TestSupervisor_TickClosesOnProfit(t *testing.T) {
	now := time.Now().UTC()
	h, s, pos := newSupervisorHarness(t, openedPosition(now))
	h.prices.price = 0.77
	h.executor.closePrice = 0.77

	done := s.tick(context.Background(), pos)
	require.True(t, done)

	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	require.NotNil(t, pos.CloseReason)
	assert.Equal(t, domain.CloseReasonProfit, *pos.CloseReason)
	require.NotNil(t, pos.RealizedPnL)
	assert.InDelta(t, 0.10, *pos.RealizedPnL, 0.0001)

	stored, ok := h.store.get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)

	require.Len(t, h.notifier.closed, 1)
}

func TestSupervisor_TickSkipsOnQuoteError(t *testing.T) {
	now := time.Now().UTC()
	h, s, pos := newSupervisorHarness(t, openedPosition(now))
	h.prices.err = errors.New("clob: 503")

	done := s.tick(context.Background(), pos)
	assert.False(t, done)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	// The stale price is kept rather than zeroed.
	assert.InDelta(t, 0.70, pos.CurrentPrice, 0.0001)
}

func TestSupervisor_FailedExitStaysInClosing(t *testing.T) {
	now := time.Now().UTC()
	h, s, pos := newSupervisorHarness(t, openedPosition(now))
	h.prices.price = 0.56
	h.executor.closeErr = errors.New("clob: order rejected")

	done := s.tick(context.Background(), pos)
	assert.False(t, done)
	assert.Equal(t, domain.PositionStatusClosing, pos.Status)
	require.NotNil(t, pos.CloseReason)
	assert.Equal(t, domain.CloseReasonStopLoss, *pos.CloseReason)

	// The next tick retries the exit order without re-quoting and settles
	// once the venue recovers.
	h.executor.mu.Lock()
	h.executor.closeErr = nil
	h.executor.closePrice = 0.56
	h.executor.mu.Unlock()

	done = s.tick(context.Background(), pos)
	require.True(t, done)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, domain.CloseReasonStopLoss, *pos.CloseReason)
}

func TestSupervisor_ManualCloseDoesNotNeedQuote(t *testing.T) {
	now := time.Now().UTC()
	h, s, pos := newSupervisorHarness(t, openedPosition(now))
	h.prices.err = errors.New("clob: 503")
	h.executor.closePrice = 0.70
	s.h.closeRequest.Store(true)

	done := s.tick(context.Background(), pos)
	require.True(t, done)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	require.NotNil(t, pos.CloseReason)
	assert.Equal(t, domain.CloseReasonManual, *pos.CloseReason)

	stored, ok := h.store.get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
}

func TestSupervisor_FinalCloseOnShutdown(t *testing.T) {
	now := time.Now().UTC()
	h, s, _ := newSupervisorHarness(t, openedPosition(now))
	h.executor.closePrice = 0.71

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.m.wg.Add(1)
	s.run(ctx)

	stored, ok := h.store.get("pos-1")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, domain.CloseReasonManual, *stored.CloseReason)

	h.executor.mu.Lock()
	closes := h.executor.closes
	h.executor.mu.Unlock()
	assert.Equal(t, 1, closes)

	snap := s.h.snapshot.Load()
	assert.Equal(t, domain.PositionStatusClosed, snap.Status)
}

func TestSupervisor_ShutdownCloseFailureLeavesRowForAdoption(t *testing.T) {
	now := time.Now().UTC()
	h, s, _ := newSupervisorHarness(t, openedPosition(now))
	h.executor.closeErr = errors.New("clob: 503")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.m.wg.Add(1)
	s.run(ctx)

	// The row stays non-terminal so the next start re-adopts it.
	stored, ok := h.store.get("pos-1")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusClosing, stored.Status)

	adoptable, err := h.store.GetOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, adoptable, 1)
	assert.Equal(t, "pos-1", adoptable[0].ID)
}

func TestSupervisor_QuotePrefersFreshCache(t *testing.T) {
	now := time.Now().UTC()
	h, s, _ := newSupervisorHarness(t, openedPosition(now))
	h.m.now = func() time.Time { return now }
	h.prices.err = errors.New("clob: 503")
	h.m.cache = &fakePriceCache{price: 0.72, ts: now.Add(-time.Second)}

	// The REST source is down; a fresh cache entry still answers.
	price, err := s.quote(context.Background(), "222")
	require.NoError(t, err)
	assert.InDelta(t, 0.72, price, 0.0001)
}

func TestSupervisor_QuoteRefreshesStaleCache(t *testing.T) {
	now := time.Now().UTC()
	h, s, _ := newSupervisorHarness(t, openedPosition(now))
	h.m.now = func() time.Time { return now }
	h.prices.price = 0.73
	cache := &fakePriceCache{price: 0.60, ts: now.Add(-time.Minute)}
	h.m.cache = cache

	price, err := s.quote(context.Background(), "222")
	require.NoError(t, err)
	assert.InDelta(t, 0.73, price, 0.0001)

	// The REST result is written back for sibling readers.
	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Equal(t, 1, cache.sets)
	assert.InDelta(t, 0.73, cache.price, 0.0001)
}

func TestSupervisor_UnrealizedPnLTracksPrice(t *testing.T) {
	now := time.Now().UTC()
	h, s, pos := newSupervisorHarness(t, openedPosition(now))
	h.prices.price = 0.73

	done := s.tick(context.Background(), pos)
	assert.False(t, done)
	assert.InDelta(t, 0.73, pos.CurrentPrice, 0.0001)
	assert.InDelta(t, pos.PnLAt(0.73), pos.UnrealizedPnL, 0.0001)

	stored, ok := h.store.get(pos.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.73, stored.CurrentPrice, 0.0001)
}
