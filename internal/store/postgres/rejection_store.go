package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// RejectionStore implements domain.RejectionStore using PostgreSQL.
type RejectionStore struct {
	pool *pgxpool.Pool
}

// NewRejectionStore creates a RejectionStore backed by the given pool.
func NewRejectionStore(pool *pgxpool.Pool) *RejectionStore {
	return &RejectionStore{pool: pool}
}

// Log appends a rejection record.
func (s *RejectionStore) Log(ctx context.Context, r domain.Rejection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rejections (market_id, slug, reason, permanent, rejected_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.MarketID, r.Slug, r.Reason, r.Permanent, r.RejectedAt)
	if err != nil {
		return fmt.Errorf("postgres: log rejection %s: %w", r.MarketID, err)
	}
	return nil
}

// ListRecent returns the most recent rejections, newest first.
func (s *RejectionStore) ListRecent(ctx context.Context, limit int) ([]domain.Rejection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, slug, reason, permanent, rejected_at
		 FROM rejections ORDER BY rejected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rejections: %w", err)
	}
	defer rows.Close()

	var rejections []domain.Rejection
	for rows.Next() {
		var r domain.Rejection
		if err := rows.Scan(&r.MarketID, &r.Slug, &r.Reason, &r.Permanent, &r.RejectedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan rejection: %w", err)
		}
		rejections = append(rejections, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rejections rows: %w", err)
	}
	return rejections, nil
}
