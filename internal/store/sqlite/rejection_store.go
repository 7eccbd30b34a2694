package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// RejectionStore implements domain.RejectionStore using SQLite.
type RejectionStore struct {
	db *sql.DB
}

// NewRejectionStore creates a RejectionStore backed by the given client.
func NewRejectionStore(c *Client) *RejectionStore {
	return &RejectionStore{db: c.DB()}
}

// Log appends a rejection record.
func (s *RejectionStore) Log(ctx context.Context, r domain.Rejection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rejections (market_id, slug, reason, permanent, rejected_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.MarketID, r.Slug, r.Reason, r.Permanent, r.RejectedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: log rejection %s: %w", r.MarketID, err)
	}
	return nil
}

// ListRecent returns the most recent rejections, newest first.
func (s *RejectionStore) ListRecent(ctx context.Context, limit int) ([]domain.Rejection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_id, slug, reason, permanent, rejected_at
		 FROM rejections ORDER BY rejected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rejections: %w", err)
	}
	defer rows.Close()

	var rejections []domain.Rejection
	for rows.Next() {
		var r domain.Rejection
		if err := rows.Scan(&r.MarketID, &r.Slug, &r.Reason, &r.Permanent, &r.RejectedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan rejection: %w", err)
		}
		rejections = append(rejections, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list rejections rows: %w", err)
	}
	return rejections, nil
}
