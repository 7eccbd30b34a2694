package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// throttleRetryDelay is how long to wait before the single retry after a 429.
// A batch of position closes can land inside Telegram's per-chat burst limit;
// one spaced retry clears it.
const throttleRetryDelay = 2 * time.Second

// TelegramSender delivers alerts to one chat via the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a sender for the given bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
	NoPreview bool   `json:"disable_web_page_preview"`
}

// Send posts the alert to the configured chat, title in bold. Market slugs in
// the body often look like URLs to Telegram, so link previews are disabled.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	msg := telegramMessage{
		ChatID:    t.chatID,
		Text:      fmt.Sprintf("*%s*\n%s", title, message),
		ParseMode: "Markdown",
		NoPreview: true,
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	err := postJSON(ctx, t.client, "telegram", url, msg)
	if !errors.Is(err, errThrottled) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(throttleRetryDelay):
	}
	return postJSON(ctx, t.client, "telegram", url, msg)
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
