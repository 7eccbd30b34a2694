package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// MarketStore implements domain.MarketStore using SQLite.
type MarketStore struct {
	db *sql.DB
}

// NewMarketStore creates a MarketStore backed by the given client.
func NewMarketStore(c *Client) *MarketStore {
	return &MarketStore{db: c.DB()}
}

const marketCols = `slug, id, question, outcome_1, outcome_2,
	token_id_1, token_id_2, yes_price, no_price, liquidity,
	active, tradeable, status, no_price_pct, price_history,
	created_at, first_seen_at, updated_at`

// Upsert inserts or updates a market keyed by slug. Terminal statuses are
// preserved across duplicate observations, same as the primary backend.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			slug, id, question, outcome_1, outcome_2,
			token_id_1, token_id_2, yes_price, no_price, liquidity,
			active, tradeable, status, no_price_pct, price_history,
			created_at, first_seen_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			question      = excluded.question,
			yes_price     = excluded.yes_price,
			no_price      = excluded.no_price,
			liquidity     = excluded.liquidity,
			active        = excluded.active,
			tradeable     = excluded.tradeable,
			no_price_pct  = excluded.no_price_pct,
			price_history = excluded.price_history,
			status        = CASE
				WHEN markets.status IN ('rejected','traded','closed') THEN markets.status
				ELSE excluded.status
			END,
			updated_at    = excluded.updated_at`

	history, err := encodePriceHistory(m.PriceHistory)
	if err != nil {
		return fmt.Errorf("sqlite: encode price history for %s: %w", m.Slug, err)
	}

	_, err = s.db.ExecContext(ctx, query,
		m.Slug, m.ID, m.Question,
		m.Outcomes[0], m.Outcomes[1],
		m.TokenIDs[0], m.TokenIDs[1],
		m.YesPrice, m.NoPrice, m.Liquidity,
		m.Active, m.Tradeable, string(m.Status), m.NoPricePct, history,
		m.CreatedAt.UTC(), m.FirstSeenAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert market %s: %w", m.Slug, err)
	}
	return nil
}

func encodePriceHistory(history []domain.PricePoint) (string, error) {
	if len(history) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetBySlug retrieves a market by its unique slug.
func (s *MarketStore) GetBySlug(ctx context.Context, slug string) (domain.Market, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE slug = ?`, slug)

	var m domain.Market
	var status, history string
	err := row.Scan(
		&m.Slug, &m.ID, &m.Question,
		&m.Outcomes[0], &m.Outcomes[1],
		&m.TokenIDs[0], &m.TokenIDs[1],
		&m.YesPrice, &m.NoPrice, &m.Liquidity,
		&m.Active, &m.Tradeable, &status, &m.NoPricePct, &history,
		&m.CreatedAt, &m.FirstSeenAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", slug, err)
	}
	m.Status = domain.MarketStatus(status)
	if history != "" && history != "[]" {
		if err := json.Unmarshal([]byte(history), &m.PriceHistory); err != nil {
			return domain.Market{}, fmt.Errorf("sqlite: decode price history for %s: %w", slug, err)
		}
	}
	return m, nil
}

// SetStatus updates the lifecycle status of a market.
func (s *MarketStore) SetStatus(ctx context.Context, slug string, status domain.MarketStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET status = ?, updated_at = ? WHERE slug = ?`,
		string(status), time.Now().UTC(), slug)
	if err != nil {
		return fmt.Errorf("sqlite: set market %s status: %w", slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Count returns the total number of markets in the store.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM markets").Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count markets: %w", err)
	}
	return count, nil
}
