package domain

import (
	"context"
	"time"
)

// OrderExecutor submits orders to the trading venue. Both calls are
// synchronous: they return the fill price on success or an error. Retry
// policy belongs to the caller.
type OrderExecutor interface {
	// Open buys sizeUSD worth of the given outcome token and returns the
	// fill price.
	Open(ctx context.Context, m Market, side string, sizeUSD float64) (fillPrice float64, err error)
	// Close sells out the position and returns the exit price.
	Close(ctx context.Context, p Position) (exitPrice float64, err error)
}

// PriceSource quotes the current price of an outcome token.
type PriceSource interface {
	Price(ctx context.Context, tokenID string) (float64, error)
}

// BalanceSource reads the current account balance in USD.
type BalanceSource interface {
	Balance(ctx context.Context) (float64, error)
}

// PriceCache stores recently observed token prices. Implementations must be
// safe for concurrent use by many position supervisors.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error)
}

// SignalBus publishes lifecycle events for external consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
