package domain

import "time"

// MarketStatus represents the lifecycle state of a discovered market. Markets
// are never deleted; they only advance to a terminal status.
type MarketStatus string

const (
	MarketStatusNew      MarketStatus = "new"      // discovered, not yet evaluated
	MarketStatusRejected MarketStatus = "rejected" // permanently filtered out
	MarketStatusTraded   MarketStatus = "traded"   // a position was opened on it
	MarketStatusClosed   MarketStatus = "closed"   // market resolved or delisted upstream
)

// Market is a discovered prediction-market candidate. Slug is the unique,
// stable external key: the same market observed twice must be upserted, never
// duplicated.
type Market struct {
	ID        string
	Slug      string
	Question  string
	Outcomes  [2]string // e.g. ["Yes","No"]
	TokenIDs  [2]string // outcome token IDs (large decimal strings)
	YesPrice  float64
	NoPrice   float64
	Liquidity float64
	Active    bool
	Tradeable bool
	Status    MarketStatus

	// Analytic fields added by the filter stage.
	NoPricePct   float64      // NoPrice expressed as a percentage of 1.00
	PriceHistory []PricePoint // observed prices for the tracked side, oldest first

	CreatedAt   time.Time // creation time reported by the venue
	FirstSeenAt time.Time // when this process first observed the market
	UpdatedAt   time.Time
}

// PricePoint is one observed price sample kept in a market's history.
type PricePoint struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// OutcomeToken returns the token ID for the requested side ("YES" or "NO").
// The second return is false when the market carries no token for that side.
func (m Market) OutcomeToken(side string) (string, bool) {
	switch side {
	case SideYes:
		if m.TokenIDs[0] != "" {
			return m.TokenIDs[0], true
		}
	case SideNo:
		if m.TokenIDs[1] != "" {
			return m.TokenIDs[1], true
		}
	}
	return "", false
}

// OutcomePrice returns the current price of the requested side.
func (m Market) OutcomePrice(side string) float64 {
	if side == SideYes {
		return m.YesPrice
	}
	return m.NoPrice
}

// Age reports how long ago the market was created at the venue.
func (m Market) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// MarketEvent is one normalized "market created" observation delivered by an
// event source. Sources may deliver duplicates and out-of-order events; the
// consumer resolves both by upserting on slug.
type MarketEvent struct {
	Market     Market
	Source     string // "gamma_poll" or "clob_ws"
	ObservedAt time.Time
}

const (
	SideYes = "YES"
	SideNo  = "NO"
)
