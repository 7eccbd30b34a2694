package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// flexBool accepts JSON bool or string ("true"/"false"/"1") because the Gamma
// API is inconsistent about boolean encoding across endpoints.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat accepts JSON number or numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	return json.Unmarshal([]byte(s), (*float64)(f))
}

// stringList accepts a JSON array of strings or a JSON-encoded array inside a
// string, e.g. "[\"Yes\",\"No\"]". Gamma sends the latter for outcomes,
// outcomePrices, and clobTokenIds.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err == nil {
		*l = items
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*l = nil
		return nil
	}
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return err
	}
	*l = items
	return nil
}

// APIMarket is a market as returned by the Gamma API.
type APIMarket struct {
	ID            string     `json:"id"`
	Slug          string     `json:"slug"`
	Question      string     `json:"question"`
	Outcomes      stringList `json:"outcomes"`
	OutcomePrices stringList `json:"outcomePrices"`
	ClobTokenIDs  stringList `json:"clobTokenIds"`
	Liquidity     flexFloat  `json:"liquidity"`
	LiquidityNum  flexFloat  `json:"liquidityNum"`
	Active        flexBool   `json:"active"`
	Closed        flexBool   `json:"closed"`
	AcceptingOrds flexBool   `json:"acceptingOrders"`
	EnableBook    flexBool   `json:"enableOrderBook"`
	StartDate     string     `json:"startDate"`
	CreatedAt     string     `json:"createdAt"`
	EndDate       string     `json:"endDate"`
}

// ToDomain normalizes an APIMarket into a domain.Market observation. It
// returns domain.ErrMalformedMarket when the entry lacks the fields the rest
// of the pipeline depends on (slug, two outcomes, two token IDs).
func (m *APIMarket) ToDomain(observedAt time.Time) (domain.Market, error) {
	if m.Slug == "" || m.ID == "" {
		return domain.Market{}, domain.ErrMalformedMarket
	}
	if len(m.Outcomes) < 2 || len(m.ClobTokenIDs) < 2 {
		return domain.Market{}, domain.ErrMalformedMarket
	}

	dm := domain.Market{
		ID:          m.ID,
		Slug:        m.Slug,
		Question:    m.Question,
		Outcomes:    [2]string{m.Outcomes[0], m.Outcomes[1]},
		TokenIDs:    [2]string{m.ClobTokenIDs[0], m.ClobTokenIDs[1]},
		Liquidity:   float64(m.Liquidity),
		Active:      bool(m.Active) && !bool(m.Closed),
		Tradeable:   bool(m.AcceptingOrds) && bool(m.EnableBook),
		Status:      domain.MarketStatusNew,
		FirstSeenAt: observedAt,
		UpdatedAt:   observedAt,
	}
	if dm.Liquidity == 0 {
		dm.Liquidity = float64(m.LiquidityNum)
	}

	if len(m.OutcomePrices) >= 2 {
		dm.YesPrice = parsePrice(m.OutcomePrices[0])
		dm.NoPrice = parsePrice(m.OutcomePrices[1])
	}
	dm.NoPricePct = dm.NoPrice * 100

	dm.CreatedAt = parseAPITime(m.CreatedAt)
	if dm.CreatedAt.IsZero() {
		dm.CreatedAt = parseAPITime(m.StartDate)
	}
	if dm.CreatedAt.IsZero() {
		dm.CreatedAt = observedAt
	}

	return dm, nil
}

func parsePrice(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// apiTimeFormats are the timestamp layouts seen in Gamma responses.
var apiTimeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02",
}

func parseAPITime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range apiTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ------------------------------------------------------------------
// CLOB DTOs
// ------------------------------------------------------------------

// APIOrderResult is the CLOB response to an order submission.
type APIOrderResult struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg,omitempty"`
	OrderID     string   `json:"orderID,omitempty"`
	Status      string   `json:"status,omitempty"`
	AvgPrice    string   `json:"avgPrice,omitempty"`
	TakingPrice string   `json:"takingAmount,omitempty"`
	TransactIDs []string `json:"transactionsHashes,omitempty"`
}

// midpointResponse is the CLOB /midpoint response.
type midpointResponse struct {
	Mid string `json:"mid"`
}

// balanceResponse is the CLOB balance-allowance response. Values are reported
// in USDC base units (6 decimals).
type balanceResponse struct {
	Balance string `json:"balance"`
}

// ------------------------------------------------------------------
// WebSocket DTOs
// ------------------------------------------------------------------

// WSSubscribe is the subscription payload sent after connecting to the CLOB
// market channel.
type WSSubscribe struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel,omitempty"`
	Assets  []string `json:"assets_ids,omitempty"`
}

// WSMarketEvent is the envelope for market-channel frames. Only the fields
// used for new-market discovery are decoded.
type WSMarketEvent struct {
	EventType string `json:"event_type"`
	Market    string `json:"market"`
	Slug      string `json:"slug"`
	AssetID   string `json:"asset_id"`
	Timestamp string `json:"timestamp"`
}
