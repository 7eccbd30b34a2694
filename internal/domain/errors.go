package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrCapacity          = errors.New("open position cap reached")
	ErrDailyCapReached   = errors.New("daily trade cap reached")
	ErrMarketExpired     = errors.New("market outside freshness window")
	ErrDuplicatePosition = errors.New("market already has an open position")
	ErrTradingDisabled   = errors.New("trading is disabled")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedMarket   = errors.New("malformed market data")
)
