// Package config defines the configuration surface of the sniper bot and
// provides loading and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so values can be written as "30s" or "10m" in
// the TOML file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by POLYSNIPER_* environment
// variables. It is loaded once at startup and passed explicitly to every
// component that needs it.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	API        APIConfig        `toml:"api"`
	Trading    TradingConfig    `toml:"trading"`
	Filter     FilterConfig     `toml:"filter"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Storage    StorageConfig    `toml:"storage"`
	Redis      RedisConfig      `toml:"redis"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Command    CommandConfig    `toml:"command"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds wallet credentials used to sign orders.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds venue API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
}

// APIConfig holds CLOB L2 API credentials.
type APIConfig struct {
	Key        string `toml:"key"`
	Secret     string `toml:"secret"`
	Passphrase string `toml:"passphrase"`
}

// TradingConfig holds position sizing and exit-rule parameters.
type TradingConfig struct {
	PositionSizeUSD         float64        `toml:"position_size_usd"`
	ProfitTargetPct         float64        `toml:"profit_target_pct"`
	StopLossPct             float64        `toml:"stop_loss_pct"` // negative, e.g. -20
	MaxPositionHours        int            `toml:"max_position_hours"`
	MaxOpenPositions        int            `toml:"max_open_positions"`
	MaxPositionPctOfBalance float64        `toml:"max_position_pct_of_balance"`
	Side                    string         `toml:"side"`     // "YES" or "NO"
	Strategy                string         `toml:"strategy"` // active strategy tag
	DailyTradeCaps          map[string]int `toml:"daily_trade_caps"`
	DayBoundaryTZ           string         `toml:"day_boundary_tz"` // IANA name, "" = local
}

// MaxHold returns the maximum holding duration for a position.
func (t TradingConfig) MaxHold() time.Duration {
	return time.Duration(t.MaxPositionHours) * time.Hour
}

// FilterConfig holds entry-filter thresholds.
type FilterConfig struct {
	MinLiquidityUSD float64  `toml:"min_liquidity_usd"`
	MaxEntryPrice   float64  `toml:"max_entry_price"`
	FreshnessWindow Duration `toml:"freshness_window"`
}

// MonitorConfig holds poll intervals for the background tasks.
type MonitorConfig struct {
	PositionInterval   Duration `toml:"position_interval"`
	BalanceInterval    Duration `toml:"balance_interval"`
	MarketPollInterval Duration `toml:"market_poll_interval"`
}

// StorageConfig selects and parameterizes the persistence backends.
type StorageConfig struct {
	// Backend is "auto" (primary with fallback), "postgres", or "sqlite".
	Backend         string   `toml:"backend"`
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	ConnectAttempts int      `toml:"connect_attempts"`
	SQLitePath      string   `toml:"sqlite_path"`
}

// RedisConfig holds the optional Redis connection. An empty Addr disables the
// price cache and signal bus.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
}

// ArchiveConfig holds S3-compatible storage for closed-position archives.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
	RetentionDays  int      `toml:"retention_days"`
	Interval       Duration `toml:"interval"`
}

// NotifyConfig holds outbound notification channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// CommandConfig holds the inbound Telegram command bot settings. The bot
// reuses Notify.TelegramToken.
type CommandConfig struct {
	Enabled  bool    `toml:"enabled"`
	AdminIDs []int64 `toml:"admin_ids"`
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:   137,
		},
		Trading: TradingConfig{
			PositionSizeUSD:         1.0,
			ProfitTargetPct:         10.0,
			StopLossPct:             -20.0,
			MaxPositionHours:        24,
			MaxOpenPositions:        3,
			MaxPositionPctOfBalance: 10.0,
			Side:                    "NO",
			Strategy:                "conservative",
			DailyTradeCaps: map[string]int{
				"conservative": 10,
				"aggressive":   25,
			},
		},
		Filter: FilterConfig{
			MinLiquidityUSD: 100.0,
			MaxEntryPrice:   0.85,
			FreshnessWindow: Duration{10 * time.Minute},
		},
		Monitor: MonitorConfig{
			PositionInterval:   Duration{10 * time.Second},
			BalanceInterval:    Duration{5 * time.Minute},
			MarketPollInterval: Duration{30 * time.Second},
		},
		Storage: StorageConfig{
			Backend:         "auto",
			Port:            5432,
			SSLMode:         "disable",
			PoolMaxConns:    5,
			ConnectTimeout:  Duration{15 * time.Second},
			ConnectAttempts: 3,
			SQLitePath:      "polysniper.db",
		},
		Archive: ArchiveConfig{
			Region:        "us-east-1",
			RetentionDays: 30,
			Interval:      Duration{24 * time.Hour},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// Validate checks the configuration for values that would make the bot
// misbehave. It returns the first problem found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "trade", "monitor":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Trading.PositionSizeUSD <= 0 {
		return fmt.Errorf("config: trading.position_size_usd must be positive, got %v", c.Trading.PositionSizeUSD)
	}
	if c.Trading.ProfitTargetPct <= 0 {
		return fmt.Errorf("config: trading.profit_target_pct must be positive, got %v", c.Trading.ProfitTargetPct)
	}
	if c.Trading.StopLossPct >= 0 {
		return fmt.Errorf("config: trading.stop_loss_pct must be negative, got %v", c.Trading.StopLossPct)
	}
	if c.Trading.MaxOpenPositions <= 0 {
		return fmt.Errorf("config: trading.max_open_positions must be positive, got %d", c.Trading.MaxOpenPositions)
	}
	if c.Trading.MaxPositionPctOfBalance <= 0 || c.Trading.MaxPositionPctOfBalance > 100 {
		return fmt.Errorf("config: trading.max_position_pct_of_balance must be in (0,100], got %v", c.Trading.MaxPositionPctOfBalance)
	}
	if c.Trading.Side != "YES" && c.Trading.Side != "NO" {
		return fmt.Errorf("config: trading.side must be YES or NO, got %q", c.Trading.Side)
	}
	if _, ok := c.Trading.DailyTradeCaps[c.Trading.Strategy]; !ok {
		return fmt.Errorf("config: no daily trade cap configured for strategy %q", c.Trading.Strategy)
	}
	if c.Trading.DayBoundaryTZ != "" {
		if _, err := time.LoadLocation(c.Trading.DayBoundaryTZ); err != nil {
			return fmt.Errorf("config: trading.day_boundary_tz: %w", err)
		}
	}

	if c.Filter.MaxEntryPrice <= 0 || c.Filter.MaxEntryPrice >= 1 {
		return fmt.Errorf("config: filter.max_entry_price must be in (0,1), got %v", c.Filter.MaxEntryPrice)
	}
	if c.Filter.FreshnessWindow.Duration <= 0 {
		return fmt.Errorf("config: filter.freshness_window must be positive")
	}

	switch c.Storage.Backend {
	case "auto", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != "sqlite" && c.Storage.DSN == "" && c.Storage.Host == "" {
		return fmt.Errorf("config: storage backend %q requires dsn or host", c.Storage.Backend)
	}
	if c.Storage.ConnectAttempts <= 0 {
		return fmt.Errorf("config: storage.connect_attempts must be positive, got %d", c.Storage.ConnectAttempts)
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive.bucket is required when archive is enabled")
	}
	if c.Command.Enabled && c.Notify.TelegramToken == "" {
		return fmt.Errorf("config: command bot requires notify.telegram_token")
	}

	return nil
}

// DayLocation resolves the configured day-boundary time zone, defaulting to
// the process-local zone.
func (c *Config) DayLocation() *time.Location {
	if c.Trading.DayBoundaryTZ == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Trading.DayBoundaryTZ)
	if err != nil {
		return time.Local
	}
	return loc
}
