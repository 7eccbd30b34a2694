// Package command implements the inbound Telegram control bot. Operators
// query status and toggle trading over the Bot API long-poll interface; only
// configured admin IDs are honored.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// Engine is the slice of the lifecycle manager the bot drives.
type Engine interface {
	Snapshot() []domain.Position
	OpenCount() int
	DeferredCount() int
	TradingEnabled() bool
	SetTradingEnabled(bool)
	RequestClose(positionID string) error
}

// BalanceReader exposes the last observed account balance.
type BalanceReader interface {
	Snapshot() (domain.BalanceSnapshot, bool)
}

// CapReader exposes today's daily-cap usage for one strategy.
type CapReader interface {
	Used(strategy string) int
	Remaining(strategy string) int
}

const pollTimeout = 30 * time.Second

// Bot long-polls the Telegram getUpdates endpoint and executes operator
// commands. It shares the notifier's bot token.
type Bot struct {
	token    string
	admins   map[int64]bool
	engine   Engine
	balance  BalanceReader
	caps     CapReader
	strategy string
	health   domain.StoreHealth
	client   *http.Client
	logger   *slog.Logger

	offset int64
}

// NewBot creates a command bot. adminIDs is the allowlist of Telegram user
// IDs; messages from anyone else are ignored.
func NewBot(
	token string,
	adminIDs []int64,
	engine Engine,
	balance BalanceReader,
	caps CapReader,
	strategy string,
	health domain.StoreHealth,
	logger *slog.Logger,
) *Bot {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Bot{
		token:    token,
		admins:   admins,
		engine:   engine,
		balance:  balance,
		caps:     caps,
		strategy: strategy,
		health:   health,
		client:   &http.Client{Timeout: pollTimeout + 10*time.Second},
		logger:   logger.With(slog.String("component", "command_bot")),
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Run polls for commands until ctx is cancelled. Poll errors back off and
// retry; the bot only stops with the process.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("command bot started", slog.Int("admins", len(b.admins)))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := b.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("poll failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			b.offset = u.UpdateID + 1
			b.handle(ctx, u)
		}
	}
}

func (b *Bot) poll(ctx context.Context) ([]update, error) {
	url := fmt.Sprintf(
		"https://api.telegram.org/bot%s/getUpdates?timeout=%d&offset=%d&allowed_updates=[\"message\"]",
		b.token, int(pollTimeout.Seconds()), b.offset,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("command: create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("command: get updates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("command: read updates: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("command: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("command: decode updates: %w", err)
	}
	if !payload.OK {
		return nil, fmt.Errorf("command: telegram returned ok=false")
	}
	return payload.Result, nil
}

func (b *Bot) handle(ctx context.Context, u update) {
	if u.Message == nil || u.Message.Text == "" {
		return
	}
	if !b.admins[u.Message.From.ID] {
		b.logger.Warn("command from unauthorized user",
			slog.Int64("user_id", u.Message.From.ID),
		)
		return
	}

	fields := strings.Fields(u.Message.Text)
	cmd := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])

	var reply string
	switch cmd {
	case "/status":
		reply = b.statusText()
	case "/balance":
		reply = b.balanceText()
	case "/positions":
		reply = b.positionsText()
	case "/stop":
		b.engine.SetTradingEnabled(false)
		reply = "Trading stopped. Open positions remain supervised."
	case "/start_trading":
		b.engine.SetTradingEnabled(true)
		reply = "Trading resumed."
	case "/close":
		reply = b.closeText(fields)
	case "/help", "/start":
		reply = helpText
	default:
		reply = "Unknown command. " + helpText
	}

	if err := b.send(ctx, u.Message.Chat.ID, reply); err != nil {
		b.logger.Warn("reply failed", slog.String("error", err.Error()))
	}
}

const helpText = "Commands:\n" +
	"/status - engine state\n" +
	"/balance - account balance\n" +
	"/positions - open positions\n" +
	"/close <id> - close one position\n" +
	"/stop - stop entering new positions\n" +
	"/start_trading - resume entries"

func (b *Bot) statusText() string {
	state := "running"
	if !b.engine.TradingEnabled() {
		state = "paused"
	}
	storage := string(b.health.Backend)
	if b.health.Degraded {
		storage += " (degraded)"
	}
	return fmt.Sprintf(
		"Trading: %s\nOpen positions: %d\nDeferred entries: %d\nDaily cap (%s): %d used, %d left\nStorage: %s",
		state, b.engine.OpenCount(), b.engine.DeferredCount(),
		b.strategy, b.caps.Used(b.strategy), b.caps.Remaining(b.strategy),
		storage,
	)
}

func (b *Bot) balanceText() string {
	snap, ok := b.balance.Snapshot()
	if !ok {
		return "Balance not observed yet."
	}
	return fmt.Sprintf("Balance: $%.2f (as of %s)",
		snap.USD, snap.ObservedAt.Format(time.RFC3339))
}

func (b *Bot) positionsText() string {
	positions := b.engine.Snapshot()
	if len(positions) == 0 {
		return "No open positions."
	}
	var sb strings.Builder
	for _, p := range positions {
		fmt.Fprintf(&sb, "%s\n  %s %s entry %.3f now %.3f pnl %+.2f USD\n  id %s\n",
			p.Slug, p.Side, string(p.Status), p.EntryPrice, p.CurrentPrice,
			p.UnrealizedPnL, p.ID)
	}
	return sb.String()
}

func (b *Bot) closeText(fields []string) string {
	if len(fields) < 2 {
		return "Usage: /close <position id>"
	}
	if err := b.engine.RequestClose(fields[1]); err != nil {
		return fmt.Sprintf("Close failed: %v", err)
	}
	return "Close requested; the position exits on its next tick."
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("command: marshal reply: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", b.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("command: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("command: send reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("command: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
