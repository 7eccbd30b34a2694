package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkuznetsov/polysniper/internal/domain"
	"github.com/dkuznetsov/polysniper/internal/platform/polymarket"
)

const (
	wsHandshakeTimeout = 15 * time.Second
	wsWriteWait        = 10 * time.Second
	wsPongWait         = 60 * time.Second
	wsPingPeriod       = (wsPongWait * 9) / 10

	wsReconnectBase = 2 * time.Second
	wsReconnectMax  = 60 * time.Second
)

// slugResolver resolves a slug seen on the wire into full market metadata.
type slugResolver interface {
	GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error)
}

// WSFeed supplements the poll-based ingestor with the CLOB market WebSocket.
// Frames that reference a slug the feed has not seen trigger a Gamma lookup
// and, on success, a MarketEvent on the shared stream. The feed is purely an
// accelerator: every market it finds would also be found by the next poll.
type WSFeed struct {
	url      string
	resolver slugResolver
	events   chan<- domain.MarketEvent
	logger   *slog.Logger

	seen map[string]struct{}
}

// NewWSFeed creates a WSFeed publishing into events. url is the CLOB market
// channel endpoint, e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSFeed(url string, resolver slugResolver, events chan<- domain.MarketEvent, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:      url,
		resolver: resolver,
		events:   events,
		logger:   logger.With(slog.String("component", "ws_feed")),
		seen:     make(map[string]struct{}),
	}
}

// Run maintains the connection until ctx is cancelled, reconnecting with
// exponential backoff after any failure.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := wsReconnectBase
	for {
		err := f.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("websocket disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, wsReconnectMax)
	}
}

// serve runs one connection lifetime: dial, subscribe, read until error.
func (f *WSFeed) serve(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	sub := polymarket.WSSubscribe{Type: "subscribe", Channel: "market"}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	f.logger.Info("websocket connected", slog.String("url", f.url))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleFrame(ctx, data)
	}
}

func (f *WSFeed) handleFrame(ctx context.Context, data []byte) {
	var ev polymarket.WSMarketEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Slug == "" {
		return
	}
	if _, ok := f.seen[ev.Slug]; ok {
		return
	}
	f.seen[ev.Slug] = struct{}{}

	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	m, err := f.resolver.GetMarketBySlug(lookupCtx, ev.Slug)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			f.logger.Warn("slug lookup failed",
				slog.String("slug", ev.Slug),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	select {
	case f.events <- domain.MarketEvent{
		Market:     m,
		Source:     "clob_ws",
		ObservedAt: time.Now().UTC(),
	}:
	case <-ctx.Done():
	}
}
