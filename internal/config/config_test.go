package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkuznetsov/polysniper/internal/config"
)

func validConfig() config.Config {
	cfg := config.Defaults()
	cfg.Storage.Host = "localhost"
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, "NO", cfg.Trading.Side)
	assert.Equal(t, 3, cfg.Trading.MaxOpenPositions)
	assert.Equal(t, 10, cfg.Trading.DailyTradeCaps["conservative"])
	assert.Equal(t, 25, cfg.Trading.DailyTradeCaps["aggressive"])
	assert.Equal(t, 10*time.Minute, cfg.Filter.FreshnessWindow.Duration)
	assert.Equal(t, 24*time.Hour, cfg.Trading.MaxHold())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown mode", func(c *config.Config) { c.Mode = "backtest" }},
		{"zero position size", func(c *config.Config) { c.Trading.PositionSizeUSD = 0 }},
		{"non-negative stop loss", func(c *config.Config) { c.Trading.StopLossPct = 5 }},
		{"zero open positions", func(c *config.Config) { c.Trading.MaxOpenPositions = 0 }},
		{"bad side", func(c *config.Config) { c.Trading.Side = "MAYBE" }},
		{"strategy without cap", func(c *config.Config) { c.Trading.Strategy = "yolo" }},
		{"bad day boundary tz", func(c *config.Config) { c.Trading.DayBoundaryTZ = "Mars/Olympus" }},
		{"entry price out of range", func(c *config.Config) { c.Filter.MaxEntryPrice = 1.5 }},
		{"unknown storage backend", func(c *config.Config) { c.Storage.Backend = "mysql" }},
		{"postgres without target", func(c *config.Config) { c.Storage.Host = ""; c.Storage.DSN = "" }},
		{"zero connect attempts", func(c *config.Config) { c.Storage.ConnectAttempts = 0 }},
		{"archive without bucket", func(c *config.Config) { c.Archive.Enabled = true }},
		{"command bot without token", func(c *config.Config) { c.Command.Enabled = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Storage.Backend)
	assert.InDelta(t, 1.0, cfg.Trading.PositionSizeUSD, 0.0001)
}

func TestLoad_ReadsTOMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
log_level = "debug"

[trading]
position_size_usd = 2.5
side = "YES"

[filter]
freshness_window = "5m"

[storage]
backend = "sqlite"
sqlite_path = "bot.db"
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.InDelta(t, 2.5, cfg.Trading.PositionSizeUSD, 0.0001)
	assert.Equal(t, "YES", cfg.Trading.Side)
	assert.Equal(t, 5*time.Minute, cfg.Filter.FreshnessWindow.Duration)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)

	// Untouched fields keep their defaults.
	assert.InDelta(t, -20.0, cfg.Trading.StopLossPct, 0.0001)
	assert.Equal(t, "https://clob.polymarket.com", cfg.Polymarket.ClobHost)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[trading]
position_size_usd = 2.5
`), 0o644))

	t.Setenv("POLYSNIPER_POSITION_SIZE_USD", "4.0")
	t.Setenv("POLYSNIPER_MODE", "monitor")
	t.Setenv("POLYSNIPER_FRESHNESS_WINDOW", "15m")
	t.Setenv("POLYSNIPER_NOTIFY_EVENTS", "position_opened, position_closed")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.InDelta(t, 4.0, cfg.Trading.PositionSizeUSD, 0.0001)
	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 15*time.Minute, cfg.Filter.FreshnessWindow.Duration)
	assert.Equal(t, []string{"position_opened", "position_closed"}, cfg.Notify.Events)
}
