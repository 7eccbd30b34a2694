package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/dkuznetsov/polysniper/internal/blob/s3"
	"github.com/dkuznetsov/polysniper/internal/cache/redis"
	"github.com/dkuznetsov/polysniper/internal/config"
	"github.com/dkuznetsov/polysniper/internal/crypto"
	"github.com/dkuznetsov/polysniper/internal/domain"
	"github.com/dkuznetsov/polysniper/internal/notify"
	"github.com/dkuznetsov/polysniper/internal/platform/polymarket"
	"github.com/dkuznetsov/polysniper/internal/store"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Dependencies bundles everything the operating modes need. Clob is nil when
// no wallet key is configured; the optional pieces (cache, bus, archive) are
// nil when their config section is absent.
type Dependencies struct {
	Store *store.Store

	Gamma *polymarket.GammaClient
	Clob  *polymarket.ClobClient

	PriceCache domain.PriceCache
	SignalBus  domain.SignalBus

	ArchiveStore *awss3.Client

	Notifier *notify.Notifier
}

// Wire constructs the concrete dependency graph and returns it with a
// cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// Persistence: primary with permanent fallback.
	st, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: store: %w", err)
	}
	closers = append(closers, st.Close)
	deps.Store = st

	// Venue clients. Gamma is always available; the CLOB client needs a
	// wallet key and is skipped without one.
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

	keyHex, err := resolvePrivateKey(cfg.Wallet)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: wallet: %w", err)
	}
	if keyHex != "" {
		signer, err := crypto.NewSigner(keyHex, cfg.Polymarket.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
		hmacAuth := &crypto.HMACAuth{
			Key:        cfg.API.Key,
			Secret:     cfg.API.Secret,
			Passphrase: cfg.API.Passphrase,
		}
		deps.Clob = polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, hmacAuth)
		logger.Info("clob client ready", slog.String("address", signer.Address().Hex()))
	} else {
		logger.Warn("no wallet key configured, order placement unavailable")
	}

	// Optional Redis price cache and signal bus.
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// Optional S3 archive target.
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.NewClient(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.ArchiveStore = s3Client
	}

	// Outbound notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// resolvePrivateKey returns the wallet key from config, decrypting the key
// file when one is configured. An empty result means no key is available.
func resolvePrivateKey(cfg config.WalletConfig) (string, error) {
	if cfg.PrivateKey != "" {
		return cfg.PrivateKey, nil
	}
	if cfg.EncryptedKeyPath == "" {
		return "", nil
	}
	if cfg.KeyPassword == "" {
		return "", fmt.Errorf("encrypted key configured without a password")
	}
	key, err := crypto.LoadEncryptedKey(cfg.EncryptedKeyPath, cfg.KeyPassword)
	if err != nil {
		return "", err
	}
	return key, nil
}
