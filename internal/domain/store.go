package domain

import (
	"context"
	"time"
)

// Backend identifies which persistence backend is serving requests.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// StoreHealth reports the active backend and whether the store is running in
// degraded mode (primary unreachable, switched to fallback).
type StoreHealth struct {
	Backend  Backend
	Degraded bool
}

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists discovered markets keyed by unique slug.
type MarketStore interface {
	// Upsert inserts the market or, when the slug already exists, updates it
	// in place. Repeated observations of the same market must never produce
	// a second row.
	Upsert(ctx context.Context, m Market) error
	GetBySlug(ctx context.Context, slug string) (Market, error)
	SetStatus(ctx context.Context, slug string, status MarketStatus) error
	Count(ctx context.Context) (int64, error)
}

// PositionStore persists positions keyed by identifier.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Update(ctx context.Context, p Position) error
	// Close marks the position closed with the exit price, realized PnL and
	// close reason. Closing an already-closed position is a no-op (writes are
	// idempotent by key).
	Close(ctx context.Context, id string, exitPrice, realizedPnL float64, reason CloseReason) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetOpen returns every position that still needs a supervisor: rows in
	// the open state plus rows left in closing by an interrupted exit.
	GetOpen(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
}

// RejectionStore records filter rejections for observability.
type RejectionStore interface {
	Log(ctx context.Context, r Rejection) error
	ListRecent(ctx context.Context, limit int) ([]Rejection, error)
}
