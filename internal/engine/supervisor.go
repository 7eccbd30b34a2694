package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// quoteTimeout bounds one price refresh so a stuck request cannot freeze the
// supervisor loop.
const quoteTimeout = 10 * time.Second

// closeAttempts is how many times one tick retries the exit order before
// giving the market a full tick to recover.
const closeAttempts = 3

// shutdownCloseTimeout bounds the final close attempt made when the run
// context is cancelled.
const shutdownCloseTimeout = 45 * time.Second

// cacheQuoteMaxAge is how fresh a cached price must be to stand in for a REST
// quote. A supervisor's own previous write is a full tick old, so only entries
// written by a sibling process pass this bound.
const cacheQuoteMaxAge = 5 * time.Second

// handle is the manager's view of a supervised position: identity, the
// manual-close flag, and the latest snapshot published by the supervisor.
type handle struct {
	id       string
	marketID string

	closeRequest atomic.Bool
	snapshot     atomic.Pointer[domain.Position]
}

func newHandle(p domain.Position) *handle {
	h := &handle{
		id:       p.ID,
		marketID: p.MarketID,
	}
	h.snapshot.Store(&p)
	return h
}

// supervisor owns exactly one position from open to terminal. The position
// record is mutated only here; everyone else reads the published snapshot.
type supervisor struct {
	m      *Manager
	h      *handle
	logger *slog.Logger
}

func (s *supervisor) run(ctx context.Context) {
	defer s.m.wg.Done()

	pos := *s.h.snapshot.Load()

	ticker := time.NewTicker(s.m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One final close attempt before the process exits. Only when
			// that attempt fails does the row stay behind for startup
			// reconciliation.
			s.finalClose(ctx, &pos)
			s.h.snapshot.Store(&pos)
			return
		case <-ticker.C:
			done := s.tick(ctx, &pos)
			s.h.snapshot.Store(&pos)
			if done {
				s.m.release(s.h)
				return
			}
		}
	}
}

// finalClose runs the shutdown close attempt on a context detached from the
// cancelled run context.
func (s *supervisor) finalClose(ctx context.Context, pos *domain.Position) {
	if pos.Status.Terminal() {
		return
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownCloseTimeout)
	defer cancel()

	reason := domain.CloseReasonManual
	if pos.CloseReason != nil {
		reason = *pos.CloseReason
	}
	if pos.Status != domain.PositionStatusClosing {
		pos.Status = domain.PositionStatusClosing
		pos.CloseReason = &reason
		if err := s.m.positions.Update(closeCtx, *pos); err != nil {
			s.logger.Warn("position update failed", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("closing on shutdown", slog.String("reason", string(reason)))
	if !s.settle(closeCtx, pos, reason) {
		s.logger.Warn("shutdown close failed, position left for startup reconciliation",
			slog.String("status", string(pos.Status)),
		)
	}
}

// tick advances the position one step. It returns true when the position has
// reached a terminal state.
func (s *supervisor) tick(ctx context.Context, pos *domain.Position) bool {
	// A position stuck in closing keeps retrying the exit order; the market
	// data refresh is irrelevant until the order goes through.
	if pos.Status == domain.PositionStatusClosing {
		reason := domain.CloseReasonManual
		if pos.CloseReason != nil {
			reason = *pos.CloseReason
		}
		return s.settle(ctx, pos, reason)
	}

	price, err := s.quote(ctx, pos.TokenID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		// A manual close needs no quote; honor it even while the price
		// source is down.
		if s.h.closeRequest.Load() {
			reason := domain.CloseReasonManual
			pos.Status = domain.PositionStatusClosing
			pos.CloseReason = &reason
			if err := s.m.positions.Update(ctx, *pos); err != nil {
				s.logger.Warn("position update failed", slog.String("error", err.Error()))
			}
			return s.settle(ctx, pos, reason)
		}
		s.logger.Warn("price refresh failed, skipping tick",
			slog.String("error", err.Error()),
		)
		return false
	}

	pos.CurrentPrice = price
	pos.UnrealizedPnL = pos.PnLAt(price)

	if err := s.m.positions.Update(ctx, *pos); err != nil {
		s.logger.Warn("position update failed", slog.String("error", err.Error()))
	}

	reason, exit := s.exitReason(pos, price)
	if !exit {
		return false
	}

	s.logger.Info("exit condition met",
		slog.String("reason", string(reason)),
		slog.Float64("price", price),
		slog.Float64("pnl_pct", pos.PnLPctAt(price)),
	)

	pos.Status = domain.PositionStatusClosing
	pos.CloseReason = &reason
	if err := s.m.positions.Update(ctx, *pos); err != nil {
		s.logger.Warn("position update failed", slog.String("error", err.Error()))
	}
	return s.settle(ctx, pos, reason)
}

// exitReason checks the exit conditions in priority order: profit target,
// stop loss, holding timeout, then manual request.
func (s *supervisor) exitReason(pos *domain.Position, price float64) (domain.CloseReason, bool) {
	pct := pos.PnLPctAt(price)
	switch {
	case pct >= pos.ProfitTargetPct:
		return domain.CloseReasonProfit, true
	case pct <= pos.StopLossPct:
		return domain.CloseReasonStopLoss, true
	case s.m.now().Sub(pos.OpenedAt) >= s.m.cfg.MaxHold():
		return domain.CloseReasonTimeout, true
	case s.h.closeRequest.Load():
		return domain.CloseReasonManual, true
	}
	return "", false
}

// settle places the exit order with bounded retry and finalizes the record.
// On exhaustion the position stays in closing and the next tick tries again.
func (s *supervisor) settle(ctx context.Context, pos *domain.Position, reason domain.CloseReason) bool {
	exit, err := s.closeOrder(ctx, *pos)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("exit order failed, retrying next tick",
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	realized := pos.PnLAt(exit)
	closedAt := s.m.now().UTC()
	pos.Status = domain.PositionStatusClosed
	pos.CurrentPrice = exit
	pos.ExitPrice = &exit
	pos.RealizedPnL = &realized
	pos.UnrealizedPnL = 0
	pos.ClosedAt = &closedAt

	// The close write is retried once; the position is gone from the venue
	// either way, so a second failure is logged and reconciled by hand.
	if err := s.m.positions.Close(ctx, pos.ID, exit, realized, reason); err != nil {
		s.logger.Error("close persist failed, retrying once",
			slog.String("error", err.Error()),
		)
		if err := s.m.positions.Close(ctx, pos.ID, exit, realized, reason); err != nil {
			s.logger.Error("close persist retry failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("position closed",
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exit),
		slog.Float64("realized_pnl", realized),
	)
	s.m.notifier.PositionClosed(ctx, *pos)
	s.m.publish(ctx, "positions.closed", *pos)
	return true
}

// closeOrder submits the exit order with exponential backoff between
// attempts.
func (s *supervisor) closeOrder(ctx context.Context, pos domain.Position) (float64, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= closeAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, openTimeout)
		exit, err := s.m.executor.Close(callCtx, pos)
		cancel()
		if err == nil {
			return exit, nil
		}
		lastErr = err
		if attempt == closeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return 0, lastErr
}

// quote returns the current price for the token, preferring a fresh cache
// entry over a REST round trip and writing REST results back to the cache.
func (s *supervisor) quote(ctx context.Context, tokenID string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	if s.m.cache != nil {
		if price, ts, err := s.m.cache.GetPrice(callCtx, tokenID); err == nil && s.m.now().Sub(ts) <= cacheQuoteMaxAge {
			return price, nil
		}
	}

	price, err := s.m.prices.Price(callCtx, tokenID)
	if err != nil {
		return 0, err
	}
	if s.m.cache != nil {
		if err := s.m.cache.SetPrice(callCtx, tokenID, price, s.m.now().UTC()); err != nil {
			s.logger.Debug("price cache write failed", slog.String("error", err.Error()))
		}
	}
	return price, nil
}
