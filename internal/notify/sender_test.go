package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSender_SendShapesMessage(t *testing.T) {
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok-123/sendMessage", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok-123", "chat-9")
	s.baseURL = srv.URL

	require.NoError(t, s.Send(context.Background(), "Position opened", "some-market\nNO $1.00 @ 0.700"))
	assert.Equal(t, "chat-9", got.ChatID)
	assert.Equal(t, "*Position opened*\nsome-market\nNO $1.00 @ 0.700", got.Text)
	assert.Equal(t, "Markdown", got.ParseMode)
	assert.True(t, got.NoPreview)
}

func TestTelegramSender_RetriesOnceWhenThrottled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "chat")
	s.baseURL = srv.URL

	require.NoError(t, s.Send(context.Background(), "Position closed", "done"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegramSender_SurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "chat")
	s.baseURL = srv.URL

	err := s.Send(context.Background(), "Open failed", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestDiscordSender_SendsColoredEmbed(t *testing.T) {
	var got discordWebhook
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Position opened", "some-market"))

	assert.Equal(t, "polysniper", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Position opened", got.Embeds[0].Title)
	assert.Equal(t, "some-market", got.Embeds[0].Description)
	assert.Equal(t, discordGreen, got.Embeds[0].Color)
}

func TestDiscordSender_ColorMatchesTone(t *testing.T) {
	assert.Equal(t, discordGreen, embedColor("Position opened"))
	assert.Equal(t, discordRed, embedColor("Open failed"))
	assert.Equal(t, discordRed, embedColor("Storage degraded"))
	assert.Equal(t, discordGrey, embedColor("Position closed"))
}
