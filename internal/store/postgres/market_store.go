package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `slug, id, question, outcome_1, outcome_2,
	token_id_1, token_id_2, yes_price, no_price, liquidity,
	active, tradeable, status, no_price_pct, price_history,
	created_at, first_seen_at, updated_at`

// Upsert inserts or updates a market keyed by its unique slug. A market
// observed twice updates in place; the status of an already-terminal row is
// preserved so a late duplicate event cannot resurrect a rejected market.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			slug, id, question, outcome_1, outcome_2,
			token_id_1, token_id_2, yes_price, no_price, liquidity,
			active, tradeable, status, no_price_pct, price_history,
			created_at, first_seen_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, NOW()
		)
		ON CONFLICT (slug) DO UPDATE SET
			question      = EXCLUDED.question,
			yes_price     = EXCLUDED.yes_price,
			no_price      = EXCLUDED.no_price,
			liquidity     = EXCLUDED.liquidity,
			active        = EXCLUDED.active,
			tradeable     = EXCLUDED.tradeable,
			no_price_pct  = EXCLUDED.no_price_pct,
			price_history = EXCLUDED.price_history,
			status        = CASE
				WHEN markets.status IN ('rejected','traded','closed') THEN markets.status
				ELSE EXCLUDED.status
			END,
			updated_at    = NOW()`

	history, err := encodePriceHistory(m.PriceHistory)
	if err != nil {
		return fmt.Errorf("postgres: encode price history for %s: %w", m.Slug, err)
	}

	_, err = s.pool.Exec(ctx, query,
		m.Slug, m.ID, m.Question,
		m.Outcomes[0], m.Outcomes[1],
		m.TokenIDs[0], m.TokenIDs[1],
		m.YesPrice, m.NoPrice, m.Liquidity,
		m.Active, m.Tradeable, string(m.Status), m.NoPricePct, history,
		m.CreatedAt, m.FirstSeenAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.Slug, err)
	}
	return nil
}

func encodePriceHistory(history []domain.PricePoint) ([]byte, error) {
	if len(history) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(history)
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	var history []byte
	err := row.Scan(
		&m.Slug, &m.ID, &m.Question,
		&m.Outcomes[0], &m.Outcomes[1],
		&m.TokenIDs[0], &m.TokenIDs[1],
		&m.YesPrice, &m.NoPrice, &m.Liquidity,
		&m.Active, &m.Tradeable, &status, &m.NoPricePct, &history,
		&m.CreatedAt, &m.FirstSeenAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if len(history) > 0 && string(history) != "[]" {
		if err := json.Unmarshal(history, &m.PriceHistory); err != nil {
			return domain.Market{}, fmt.Errorf("decode price history for %s: %w", m.Slug, err)
		}
	}
	return m, nil
}

// GetBySlug retrieves a market by its unique slug.
func (s *MarketStore) GetBySlug(ctx context.Context, slug string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE slug = $1`, slug)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", slug, err)
	}
	return m, nil
}

// SetStatus updates the lifecycle status of a market.
func (s *MarketStore) SetStatus(ctx context.Context, slug string, status domain.MarketStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = NOW() WHERE slug = $1`,
		slug, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set market %s status: %w", slug, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Count returns the total number of markets in the store.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}
