package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYSNIPER_* environment variable overrides, and
// returns the final Config. The caller should invoke Config.Validate() after
// Load. A missing file is not an error: defaults plus environment variables
// are enough to run.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env if present (silently ignore when missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYSNIPER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Wallet.PrivateKey, "POLYSNIPER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYSNIPER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYSNIPER_WALLET_KEY_PASSWORD")

	setStr(&cfg.Polymarket.ClobHost, "POLYSNIPER_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYSNIPER_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYSNIPER_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYSNIPER_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYSNIPER_SIGNATURE_TYPE")

	setStr(&cfg.API.Key, "POLYSNIPER_API_KEY")
	setStr(&cfg.API.Secret, "POLYSNIPER_API_SECRET")
	setStr(&cfg.API.Passphrase, "POLYSNIPER_API_PASSPHRASE")

	setFloat64(&cfg.Trading.PositionSizeUSD, "POLYSNIPER_POSITION_SIZE_USD")
	setFloat64(&cfg.Trading.ProfitTargetPct, "POLYSNIPER_PROFIT_TARGET_PCT")
	setFloat64(&cfg.Trading.StopLossPct, "POLYSNIPER_STOP_LOSS_PCT")
	setInt(&cfg.Trading.MaxPositionHours, "POLYSNIPER_MAX_POSITION_HOURS")
	setInt(&cfg.Trading.MaxOpenPositions, "POLYSNIPER_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Trading.MaxPositionPctOfBalance, "POLYSNIPER_MAX_POSITION_PCT_OF_BALANCE")
	setStr(&cfg.Trading.Side, "POLYSNIPER_POSITION_SIDE")
	setStr(&cfg.Trading.Strategy, "POLYSNIPER_STRATEGY")
	setStr(&cfg.Trading.DayBoundaryTZ, "POLYSNIPER_DAY_BOUNDARY_TZ")

	setFloat64(&cfg.Filter.MinLiquidityUSD, "POLYSNIPER_MIN_LIQUIDITY_USD")
	setFloat64(&cfg.Filter.MaxEntryPrice, "POLYSNIPER_MAX_ENTRY_PRICE")
	setDuration(&cfg.Filter.FreshnessWindow, "POLYSNIPER_FRESHNESS_WINDOW")

	setDuration(&cfg.Monitor.PositionInterval, "POLYSNIPER_POSITION_INTERVAL")
	setDuration(&cfg.Monitor.BalanceInterval, "POLYSNIPER_BALANCE_INTERVAL")
	setDuration(&cfg.Monitor.MarketPollInterval, "POLYSNIPER_MARKET_POLL_INTERVAL")

	setStr(&cfg.Storage.Backend, "POLYSNIPER_STORAGE_BACKEND")
	setStr(&cfg.Storage.DSN, "POLYSNIPER_DATABASE_URL")
	setStr(&cfg.Storage.Host, "POLYSNIPER_DB_HOST")
	setInt(&cfg.Storage.Port, "POLYSNIPER_DB_PORT")
	setStr(&cfg.Storage.Database, "POLYSNIPER_DB_NAME")
	setStr(&cfg.Storage.User, "POLYSNIPER_DB_USER")
	setStr(&cfg.Storage.Password, "POLYSNIPER_DB_PASSWORD")
	setStr(&cfg.Storage.SSLMode, "POLYSNIPER_DB_SSLMODE")
	setDuration(&cfg.Storage.ConnectTimeout, "POLYSNIPER_DB_CONNECT_TIMEOUT")
	setInt(&cfg.Storage.ConnectAttempts, "POLYSNIPER_DB_CONNECT_ATTEMPTS")
	setStr(&cfg.Storage.SQLitePath, "POLYSNIPER_SQLITE_PATH")

	setStr(&cfg.Redis.Addr, "POLYSNIPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYSNIPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYSNIPER_REDIS_DB")

	setBool(&cfg.Archive.Enabled, "POLYSNIPER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "POLYSNIPER_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "POLYSNIPER_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "POLYSNIPER_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "POLYSNIPER_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "POLYSNIPER_ARCHIVE_SECRET_KEY")

	setStr(&cfg.Notify.TelegramToken, "POLYSNIPER_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYSNIPER_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYSNIPER_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYSNIPER_NOTIFY_EVENTS")

	setBool(&cfg.Command.Enabled, "POLYSNIPER_COMMAND_ENABLED")

	setStr(&cfg.Mode, "POLYSNIPER_MODE")
	setStr(&cfg.LogLevel, "POLYSNIPER_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
