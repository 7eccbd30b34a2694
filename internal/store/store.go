// Package store bundles the persistence backends behind one handle and owns
// the primary-to-fallback selection policy: the PostgreSQL primary is tried
// at startup with a bounded time budget and a bounded number of attempts;
// when it cannot be reached the process switches permanently to the embedded
// SQLite fallback and reports itself as degraded. Steady-state write errors
// never trigger another switch; callers fail fast and treat them as
// transient.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkuznetsov/polysniper/internal/config"
	"github.com/dkuznetsov/polysniper/internal/domain"
	"github.com/dkuznetsov/polysniper/internal/store/postgres"
	"github.com/dkuznetsov/polysniper/internal/store/sqlite"
)

// Store is the persistence handle shared by all tasks. The backend is chosen
// once at startup and never changes for the lifetime of the process. The
// handle is safe for concurrent use: the postgres backend pools connections,
// the sqlite backend serializes on a single connection.
type Store struct {
	Markets    domain.MarketStore
	Positions  domain.PositionStore
	Rejections domain.RejectionStore

	health  domain.StoreHealth
	closeFn func()
}

// Health reports the active backend and whether the store is degraded.
func (s *Store) Health() domain.StoreHealth {
	return s.health
}

// Close releases the underlying backend resources.
func (s *Store) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// Open selects and connects a backend according to cfg.Backend:
//
//   - "postgres": primary only; failure to connect is fatal.
//   - "sqlite": fallback only, never degraded.
//   - "auto": try the primary within the configured attempt/timeout budget,
//     then switch permanently to the fallback and mark the store degraded.
//
// The returned Store is ready for use; migrations have been applied.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Store, error) {
	logger = logger.With(slog.String("component", "store"))

	switch cfg.Backend {
	case "sqlite":
		return openFallback(cfg, false, logger)
	case "postgres":
		s, err := openPrimary(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("store: primary backend: %w", err)
		}
		return s, nil
	}

	// "auto": primary with fallback.
	s, err := openPrimary(ctx, cfg, logger)
	if err == nil {
		return s, nil
	}
	logger.Warn("primary backend unreachable, switching to fallback",
		slog.String("error", err.Error()),
		slog.String("sqlite_path", cfg.SQLitePath),
	)
	return openFallback(cfg, true, logger)
}

// openPrimary dials PostgreSQL with up to cfg.ConnectAttempts attempts inside
// an overall cfg.ConnectTimeout budget, backing off exponentially between
// attempts (1s, 2s, 4s, ...).
func openPrimary(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Store, error) {
	budget := cfg.ConnectTimeout.Duration
	if budget <= 0 {
		budget = 15 * time.Second
	}
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 3
	}

	deadline, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	perAttempt := budget / time.Duration(attempts)

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, attemptCancel := context.WithTimeout(deadline, perAttempt)
		client, err := postgres.New(attemptCtx, postgres.ClientConfig{
			DSN:      cfg.DSN,
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Database,
			User:     cfg.User,
			Password: cfg.Password,
			SSLMode:  cfg.SSLMode,
			MaxConns: cfg.PoolMaxConns,
			MinConns: cfg.PoolMinConns,
		})
		attemptCancel()

		if err == nil {
			if err := client.RunMigrations(ctx); err != nil {
				client.Close()
				return nil, fmt.Errorf("migrations: %w", err)
			}
			pool := client.Pool()
			logger.Info("connected to primary backend",
				slog.Int("attempt", attempt),
			)
			return &Store{
				Markets:    postgres.NewMarketStore(pool),
				Positions:  postgres.NewPositionStore(pool),
				Rejections: postgres.NewRejectionStore(pool),
				health:     domain.StoreHealth{Backend: domain.BackendPostgres},
				closeFn:    client.Close,
			}, nil
		}

		lastErr = err
		logger.Warn("primary backend connect attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)

		if attempt == attempts {
			break
		}
		select {
		case <-deadline.Done():
			return nil, fmt.Errorf("connect budget exhausted after %d attempts: %w", attempt, lastErr)
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("connect failed after %d attempts: %w", attempts, lastErr)
}

func openFallback(cfg config.StorageConfig, degraded bool, logger *slog.Logger) (*Store, error) {
	client, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("store: fallback backend: %w", err)
	}
	logger.Info("using sqlite backend",
		slog.String("path", cfg.SQLitePath),
		slog.Bool("degraded", degraded),
	)
	return &Store{
		Markets:    sqlite.NewMarketStore(client),
		Positions:  sqlite.NewPositionStore(client),
		Rejections: sqlite.NewRejectionStore(client),
		health:     domain.StoreHealth{Backend: domain.BackendSQLite, Degraded: degraded},
		closeFn:    func() { _ = client.Close() },
	}, nil
}
