package domain

import "time"

// PositionStatus tracks a position through its lifecycle state machine:
//
//	pending -> opening -> open -> closing -> closed
//	              \-> open_failed (terminal)
type PositionStatus string

const (
	PositionStatusPending    PositionStatus = "pending"
	PositionStatusOpening    PositionStatus = "opening"
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosing    PositionStatus = "closing"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusOpenFailed PositionStatus = "open_failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusOpenFailed
}

// CanTransition reports whether the edge s -> to exists in the lifecycle
// state machine.
func (s PositionStatus) CanTransition(to PositionStatus) bool {
	switch s {
	case PositionStatusPending:
		return to == PositionStatusOpening
	case PositionStatusOpening:
		return to == PositionStatusOpen || to == PositionStatusOpenFailed
	case PositionStatusOpen:
		return to == PositionStatusClosing
	case PositionStatusClosing:
		return to == PositionStatusClosed
	default:
		return false
	}
}

// CloseReason records why a position left the open state. When several exit
// conditions hold in the same tick, the first in this priority order wins:
// profit, stop_loss, timeout, manual.
type CloseReason string

const (
	CloseReasonProfit   CloseReason = "profit"
	CloseReasonStopLoss CloseReason = "stop_loss"
	CloseReasonTimeout  CloseReason = "timeout"
	CloseReasonManual   CloseReason = "manual"
)

// Position is a single trading commitment tied to exactly one market. It is
// exclusively owned and mutated by its supervising goroutine; other readers
// receive copies, never the live record.
type Position struct {
	ID       string
	MarketID string
	Slug     string // market slug, denormalized for notifications
	TokenID  string // outcome token actually bought
	Strategy string
	Side     string // SideYes or SideNo

	SizeUSD    float64 // entry notional in USD
	Shares     float64 // SizeUSD / EntryPrice
	EntryPrice float64

	CurrentPrice  float64
	UnrealizedPnL float64
	RealizedPnL   *float64

	ProfitTargetPct float64 // e.g. 10.0 means +10%
	StopLossPct     float64 // e.g. -20.0 means -20%

	Status      PositionStatus
	CloseReason *CloseReason

	OpenedAt  time.Time
	ClosedAt  *time.Time
	ExitPrice *float64
}

// PnLAt returns the profit or loss of the position if it were exited at the
// given price.
func (p Position) PnLAt(price float64) float64 {
	return (price - p.EntryPrice) * p.Shares
}

// PnLPctAt returns the percentage move from entry at the given price.
func (p Position) PnLPctAt(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// OpenRequest is an entry decision produced by the filter stage and consumed
// by the lifecycle manager.
type OpenRequest struct {
	Market    Market
	Side      string
	TokenID   string
	Price     float64 // candidate outcome price at evaluation time
	Strategy  string
	CreatedAt time.Time // copy of Market.CreatedAt, bounds deferral retries
}

// Rejection records why a candidate market was not entered. Permanent
// rejections are never re-evaluated; capacity rejections may be retried while
// the market's freshness window is still open.
type Rejection struct {
	MarketID   string
	Slug       string
	Reason     string
	Permanent  bool
	RejectedAt time.Time
}

// BalanceSnapshot is the last observed account balance. It is published by a
// single writer through an atomically replaceable pointer and consulted,
// never blocking, by position sizing.
type BalanceSnapshot struct {
	USD        float64
	ObservedAt time.Time
}
