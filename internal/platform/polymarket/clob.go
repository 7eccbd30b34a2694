package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/dkuznetsov/polysniper/internal/crypto"
	"github.com/dkuznetsov/polysniper/internal/domain"
)

// usdcDecimals converts USD amounts to USDC base units.
const usdcDecimals = 1e6

// ClobClient is the authenticated REST client for the Polymarket CLOB. It
// implements domain.OrderExecutor, domain.PriceSource, and
// domain.BalanceSource. All orders are fill-or-kill market orders so a
// partial fill never leaves the bot with an unknown position size.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
}

// NewClobClient creates a CLOB client. signer provides EIP-712 order
// signatures; hmac provides the L2 request authentication derived from the
// same wallet.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
	}
}

// Price returns the current midpoint for an outcome token.
func (c *ClobClient) Price(ctx context.Context, tokenID string) (float64, error) {
	body, err := c.doGet(ctx, "/midpoint?token_id="+tokenID)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: midpoint %s: %w", tokenID, err)
	}

	var resp midpointResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode midpoint: %w", err)
	}
	mid, err := strconv.ParseFloat(resp.Mid, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: parse midpoint %q: %w", resp.Mid, err)
	}
	return mid, nil
}

// Balance returns the available USDC collateral in USD.
func (c *ClobClient) Balance(ctx context.Context) (float64, error) {
	body, err := c.doAuthGet(ctx, "/balance-allowance?asset_type=COLLATERAL")
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: balance: %w", err)
	}

	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode balance: %w", err)
	}
	raw, err := strconv.ParseFloat(resp.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: parse balance %q: %w", resp.Balance, err)
	}
	return raw / usdcDecimals, nil
}

// Open buys sizeUSD worth of the chosen outcome token at the current
// midpoint and returns the fill price.
func (c *ClobClient) Open(ctx context.Context, m domain.Market, side string, sizeUSD float64) (float64, error) {
	tokenID, ok := m.OutcomeToken(side)
	if !ok {
		return 0, fmt.Errorf("polymarket/clob: open %s: %w", m.Slug, domain.ErrMalformedMarket)
	}

	price, err := c.Price(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	if price <= 0 || price >= 1 {
		return 0, fmt.Errorf("polymarket/clob: open %s: unusable quote %v", m.Slug, price)
	}

	shares := sizeUSD / price
	result, err := c.postOrder(ctx, tokenID, sideBuy, sizeUSD, shares)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: open %s: %w", m.Slug, err)
	}
	return fillPrice(result, price), nil
}

// Close sells out the full position and returns the exit price.
func (c *ClobClient) Close(ctx context.Context, p domain.Position) (float64, error) {
	price, err := c.Price(ctx, p.TokenID)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("polymarket/clob: close %s: unusable quote %v", p.ID, price)
	}

	proceeds := p.Shares * price
	result, err := c.postOrder(ctx, p.TokenID, sideSell, proceeds, p.Shares)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: close %s: %w", p.ID, err)
	}
	return fillPrice(result, price), nil
}

const (
	sideBuy  = 0
	sideSell = 1
)

// postOrder signs and submits a fill-or-kill order. For a buy, usd is the
// collateral spent and shares the tokens received; for a sell the two swap
// roles.
func (c *ClobClient) postOrder(ctx context.Context, tokenID string, side int, usd, shares float64) (APIOrderResult, error) {
	maker := baseUnits(usd)
	taker := baseUnits(shares)
	if side == sideSell {
		maker, taker = taker, maker
	}

	address := c.signer.Address().Hex()
	payload := crypto.OrderPayload{
		Salt:          strconv.FormatInt(rand.Int63(), 10),
		Maker:         address,
		Signer:        address,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: 0,
	}

	signature, err := c.signer.SignOrder(payload)
	if err != nil {
		return APIOrderResult{}, err
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenId":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          payload.Side,
			"signatureType": payload.SignatureType,
			"signature":     signature,
		},
		"owner":     c.hmacAuth.Key,
		"orderType": "FOK",
	}

	respBody, err := c.doAuthPost(ctx, "/order", body)
	if err != nil {
		return APIOrderResult{}, err
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return APIOrderResult{}, fmt.Errorf("decode order result: %w", err)
	}
	if !result.Success {
		return result, fmt.Errorf("order rejected: %s", result.ErrorMsg)
	}
	return result, nil
}

// fillPrice extracts the average fill price from the order result, falling
// back to the quoted midpoint when the venue omits it.
func fillPrice(result APIOrderResult, quoted float64) float64 {
	if p, err := strconv.ParseFloat(result.AvgPrice, 64); err == nil && p > 0 {
		return p
	}
	return quoted
}

// baseUnits converts a USD/share amount to a USDC base-unit decimal string,
// rounding down so the order never exceeds the intended spend.
func baseUnits(v float64) string {
	return strconv.FormatInt(int64(math.Floor(v*usdcDecimals)), 10)
}

func (c *ClobClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req)
}

func (c *ClobClient) doAuthGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authenticate(req, http.MethodGet, path, "")
	return c.send(req)
}

func (c *ClobClient) doAuthPost(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	c.authenticate(req, http.MethodPost, path, string(data))
	return c.send(req)
}

func (c *ClobClient) authenticate(req *http.Request, method, path, body string) {
	for k, v := range c.hmacAuth.L2Headers(c.signer.Address().Hex(), method, path, body) {
		req.Header.Set(k, v)
	}
}

func (c *ClobClient) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
