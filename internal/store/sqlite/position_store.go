package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// PositionStore implements domain.PositionStore using SQLite.
type PositionStore struct {
	db *sql.DB
}

// NewPositionStore creates a PositionStore backed by the given client.
func NewPositionStore(c *Client) *PositionStore {
	return &PositionStore{db: c.DB()}
}

const positionCols = `id, market_id, slug, token_id, strategy, side,
	size_usd, shares, entry_price, current_price,
	unrealized_pnl, realized_pnl, profit_target_pct, stop_loss_pct,
	status, close_reason, opened_at, closed_at, exit_price`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var status string
	var reason *string

	err := row.Scan(
		&p.ID, &p.MarketID, &p.Slug, &p.TokenID, &p.Strategy, &p.Side,
		&p.SizeUSD, &p.Shares, &p.EntryPrice, &p.CurrentPrice,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.ProfitTargetPct, &p.StopLossPct,
		&status, &reason, &p.OpenedAt, &p.ClosedAt, &p.ExitPrice,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	if reason != nil {
		r := domain.CloseReason(*reason)
		p.CloseReason = &r
	}
	return p, nil
}

func scanPositionRows(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func closeReasonArg(p domain.Position) *string {
	if p.CloseReason == nil {
		return nil
	}
	r := string(*p.CloseReason)
	return &r
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, market_id, slug, token_id, strategy, side,
			size_usd, shares, entry_price, current_price,
			unrealized_pnl, realized_pnl, profit_target_pct, stop_loss_pct,
			status, close_reason, opened_at, closed_at, exit_price, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.MarketID, p.Slug, p.TokenID, p.Strategy, p.Side,
		p.SizeUSD, p.Shares, p.EntryPrice, p.CurrentPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.ProfitTargetPct, p.StopLossPct,
		string(p.Status), closeReasonArg(p), p.OpenedAt.UTC(), p.ClosedAt, p.ExitPrice,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces the mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			current_price  = ?,
			unrealized_pnl = ?,
			realized_pnl   = ?,
			status         = ?,
			close_reason   = ?,
			closed_at      = ?,
			exit_price     = ?,
			updated_at     = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL,
		string(p.Status), closeReasonArg(p), p.ClosedAt, p.ExitPrice,
		time.Now().UTC(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update position %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks a position closed. The status guard keeps the write idempotent.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice, realizedPnL float64, reason domain.CloseReason) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE positions SET
			status       = 'closed',
			exit_price   = ?,
			realized_pnl = ?,
			close_reason = ?,
			closed_at    = ?,
			updated_at   = ?
		WHERE id = ? AND status <> 'closed'`,
		exitPrice, realizedPnL, string(reason), now, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: close position %s: %w", id, err)
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns all positions that still need supervision, including rows
// caught mid-close by a crash.
func (s *PositionStore) GetOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status IN ('open', 'closing') ORDER BY opened_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan open positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions with pagination and optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE 1=1`
	args := []any{}

	if opts.Since != nil {
		query += " AND opened_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if opts.Until != nil {
		query += " AND opened_at <= ?"
		args = append(args, opts.Until.UTC())
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan position history: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns closed positions older than cutoff, oldest first.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status = 'closed' AND closed_at < ?
		 ORDER BY closed_at ASC LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list closed before: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan closed before: %w", err)
	}
	return positions, nil
}
