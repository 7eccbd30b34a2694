package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkuznetsov/polysniper/internal/domain"
	"github.com/dkuznetsov/polysniper/internal/store/sqlite"
)

func newTestClient(t *testing.T) *sqlite.Client {
	t.Helper()
	c, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func makeMarket(slug string) domain.Market {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Market{
		ID:          "mkt-" + slug,
		Slug:        slug,
		Question:    "Will it happen?",
		Outcomes:    [2]string{"Yes", "No"},
		TokenIDs:    [2]string{"111", "222"},
		YesPrice:    0.30,
		NoPrice:     0.70,
		Liquidity:   500,
		Active:      true,
		Tradeable:   true,
		Status:      domain.MarketStatusNew,
		NoPricePct:  70,
		CreatedAt:   now,
		FirstSeenAt: now,
		UpdatedAt:   now,
	}
}

func makePosition(id, marketID string) domain.Position {
	return domain.Position{
		ID:              id,
		MarketID:        marketID,
		Slug:            "some-market",
		TokenID:         "222",
		Strategy:        "conservative",
		Side:            domain.SideNo,
		SizeUSD:         1.0,
		Shares:          1.4286,
		EntryPrice:      0.70,
		CurrentPrice:    0.70,
		ProfitTargetPct: 10,
		StopLossPct:     -20,
		Status:          domain.PositionStatusOpen,
		OpenedAt:        time.Now().UTC().Truncate(time.Second),
	}
}

func TestMarketStore_UpsertIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewMarketStore(c)
	ctx := context.Background()

	m := makeMarket("will-it-happen")
	require.NoError(t, s.Upsert(ctx, m))

	m.NoPrice = 0.75
	require.NoError(t, s.Upsert(ctx, m))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := s.GetBySlug(ctx, "will-it-happen")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.NoPrice, 0.0001)
}

func TestMarketStore_UpsertPreservesTerminalStatus(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewMarketStore(c)
	ctx := context.Background()

	m := makeMarket("already-decided")
	require.NoError(t, s.Upsert(ctx, m))
	require.NoError(t, s.SetStatus(ctx, m.Slug, domain.MarketStatusRejected))

	// A late duplicate observation must not resurrect the market.
	require.NoError(t, s.Upsert(ctx, m))

	got, err := s.GetBySlug(ctx, m.Slug)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusRejected, got.Status)
}

func TestMarketStore_PriceHistoryRoundTrip(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewMarketStore(c)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	m := makeMarket("tracked")
	m.PriceHistory = []domain.PricePoint{
		{Price: 0.70, At: now.Add(-time.Minute)},
		{Price: 0.72, At: now},
	}
	require.NoError(t, s.Upsert(ctx, m))

	got, err := s.GetBySlug(ctx, "tracked")
	require.NoError(t, err)
	require.Len(t, got.PriceHistory, 2)
	assert.InDelta(t, 0.70, got.PriceHistory[0].Price, 0.0001)
	assert.InDelta(t, 0.72, got.PriceHistory[1].Price, 0.0001)
	assert.True(t, got.PriceHistory[1].At.Equal(now))
}

func TestMarketStore_EmptyPriceHistoryStaysNil(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewMarketStore(c)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, makeMarket("untracked")))

	got, err := s.GetBySlug(ctx, "untracked")
	require.NoError(t, err)
	assert.Empty(t, got.PriceHistory)
}

func TestMarketStore_GetBySlugNotFound(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewMarketStore(c)

	_, err := s.GetBySlug(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_Lifecycle(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewPositionStore(c)
	ctx := context.Background()

	p := makePosition("pos-1", "mkt-1")
	require.NoError(t, s.Create(ctx, p))

	open, err := s.GetOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "pos-1", open[0].ID)

	p.CurrentPrice = 0.78
	p.UnrealizedPnL = p.PnLAt(0.78)
	require.NoError(t, s.Update(ctx, p))

	require.NoError(t, s.Close(ctx, p.ID, 0.78, 0.114, domain.CloseReasonProfit))

	got, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	require.NotNil(t, got.CloseReason)
	assert.Equal(t, domain.CloseReasonProfit, *got.CloseReason)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 0.78, *got.ExitPrice, 0.0001)
	require.NotNil(t, got.RealizedPnL)
	assert.InDelta(t, 0.114, *got.RealizedPnL, 0.0001)

	open, err = s.GetOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPositionStore_GetOpenIncludesClosing(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewPositionStore(c)
	ctx := context.Background()

	p := makePosition("pos-mid-close", "mkt-1")
	require.NoError(t, s.Create(ctx, p))

	// A crash between the closing write and the exit fill leaves the row in
	// closing; it must still surface for supervision on the next start.
	reason := domain.CloseReasonStopLoss
	p.Status = domain.PositionStatusClosing
	p.CloseReason = &reason
	require.NoError(t, s.Update(ctx, p))

	open, err := s.GetOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "pos-mid-close", open[0].ID)
	assert.Equal(t, domain.PositionStatusClosing, open[0].Status)
	require.NotNil(t, open[0].CloseReason)
	assert.Equal(t, domain.CloseReasonStopLoss, *open[0].CloseReason)
}

func TestPositionStore_CloseIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewPositionStore(c)
	ctx := context.Background()

	p := makePosition("pos-2", "mkt-2")
	require.NoError(t, s.Create(ctx, p))
	require.NoError(t, s.Close(ctx, p.ID, 0.56, -0.2, domain.CloseReasonStopLoss))

	// A second close must not overwrite the recorded exit.
	require.NoError(t, s.Close(ctx, p.ID, 0.99, 5.0, domain.CloseReasonManual))

	got, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 0.56, *got.ExitPrice, 0.0001)
	require.NotNil(t, got.CloseReason)
	assert.Equal(t, domain.CloseReasonStopLoss, *got.CloseReason)
}

func TestPositionStore_UpdateMissing(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewPositionStore(c)

	err := s.Update(context.Background(), makePosition("ghost", "mkt-x"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_ListClosedBefore(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewPositionStore(c)
	ctx := context.Background()

	old := makePosition("pos-old", "mkt-a")
	old.OpenedAt = time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Close(ctx, old.ID, 0.8, 0.1, domain.CloseReasonProfit))

	fresh := makePosition("pos-fresh", "mkt-b")
	require.NoError(t, s.Create(ctx, fresh))

	// Only closed rows older than the cutoff qualify.
	got, err := s.ListClosedBefore(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pos-old", got[0].ID)

	got, err = s.ListClosedBefore(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPositionStore_ListHistory(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewPositionStore(c)
	ctx := context.Background()

	for _, id := range []string{"h1", "h2", "h3"} {
		p := makePosition(id, "mkt-"+id)
		require.NoError(t, s.Create(ctx, p))
	}

	got, err := s.ListHistory(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListHistory(ctx, domain.ListOpts{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRejectionStore_LogAndList(t *testing.T) {
	c := newTestClient(t)
	s := sqlite.NewRejectionStore(c)
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, domain.Rejection{
		MarketID:   "mkt-1",
		Slug:       "too-old",
		Reason:     "stale: age 20m exceeds freshness window 10m",
		Permanent:  true,
		RejectedAt: time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, s.Log(ctx, domain.Rejection{
		MarketID:   "mkt-2",
		Slug:       "crowded",
		Reason:     "open position cap reached",
		Permanent:  false,
		RejectedAt: time.Now().UTC(),
	}))

	got, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "crowded", got[0].Slug)
	assert.False(t, got[0].Permanent)
	assert.True(t, got[1].Permanent)
}
