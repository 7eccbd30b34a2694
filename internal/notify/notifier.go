// Package notify delivers position lifecycle alerts to operator channels
// (Telegram, Discord). Delivery is best effort and filtered by event type so
// operators receive only the alerts they opted into.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// Event type names accepted in the notify.events config list.
const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventOpenFailed     = "open_failed"
	EventStoreDegraded  = "store_degraded"
)

// Sender is one outbound channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// sendTimeout bounds one delivery so a slow channel cannot stall the trading
// goroutine that raised the event.
const sendTimeout = 10 * time.Second

// Notifier fans events out to all senders. It satisfies the engine's
// EventNotifier interface.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. Only event types in
// events pass the filter; an empty list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// PositionOpened announces a new position.
func (n *Notifier) PositionOpened(ctx context.Context, p domain.Position) {
	n.notify(ctx, EventPositionOpened, "Position opened", fmt.Sprintf(
		"%s\n%s $%.2f @ %.3f (%.2f shares)\ntarget %+.1f%% / stop %+.1f%%",
		p.Slug, p.Side, p.SizeUSD, p.EntryPrice, p.Shares,
		p.ProfitTargetPct, p.StopLossPct,
	))
}

// PositionClosed announces a settled position with its realized result.
func (n *Notifier) PositionClosed(ctx context.Context, p domain.Position) {
	realized := 0.0
	if p.RealizedPnL != nil {
		realized = *p.RealizedPnL
	}
	exit := p.CurrentPrice
	if p.ExitPrice != nil {
		exit = *p.ExitPrice
	}
	reason := "unknown"
	if p.CloseReason != nil {
		reason = string(*p.CloseReason)
	}
	n.notify(ctx, EventPositionClosed, "Position closed", fmt.Sprintf(
		"%s\n%s exited @ %.3f (%s)\nPnL %+.2f USD (%+.1f%%)",
		p.Slug, p.Side, exit, reason, realized, p.PnLPctAt(exit),
	))
}

// PositionOpenFailed announces an entry that could not be filled.
func (n *Notifier) PositionOpenFailed(ctx context.Context, req domain.OpenRequest, reason string) {
	n.notify(ctx, EventOpenFailed, "Open failed", fmt.Sprintf(
		"%s\n%s @ %.3f not entered: %s",
		req.Market.Slug, req.Side, req.Price, reason,
	))
}

// StoreDegraded announces the fallback switch at startup.
func (n *Notifier) StoreDegraded(ctx context.Context, health domain.StoreHealth) {
	n.notify(ctx, EventStoreDegraded, "Storage degraded", fmt.Sprintf(
		"primary unreachable, running on %s fallback", health.Backend,
	))
}

func (n *Notifier) notify(ctx context.Context, event, title, message string) {
	if len(n.events) > 0 && !n.events[event] {
		return
	}
	if len(n.senders) == 0 {
		return
	}

	// Detach from the caller's context: a position close must still be
	// announced even when the raising goroutine is shutting down.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	for _, s := range n.senders {
		if err := s.Send(sendCtx, title, message); err != nil {
			n.logger.Warn("sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
}
