package notify

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Embed colors per alert tone: green for entries, red for failures and
// degradation, grey for everything else.
const (
	discordGreen = 0x2ecc71
	discordRed   = 0xe74c3c
	discordGrey  = 0x95a5a6
)

// DiscordSender delivers alerts to a Discord channel webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordWebhook struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts the alert as a single colored embed.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := discordWebhook{
		Username: "polysniper",
		Embeds: []discordEmbed{{
			Title:       title,
			Description: message,
			Color:       embedColor(title),
		}},
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, payload)
}

func embedColor(title string) int {
	lower := strings.ToLower(title)
	switch {
	case strings.Contains(lower, "opened"):
		return discordGreen
	case strings.Contains(lower, "failed"), strings.Contains(lower, "degraded"):
		return discordRed
	default:
		return discordGrey
	}
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
