// Package sqlite implements the domain store interfaces using an embedded
// SQLite database (pure Go driver, no CGo). It is the local fallback backend
// used when the primary PostgreSQL store is unreachable.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    slug          TEXT PRIMARY KEY,
    id            TEXT NOT NULL,
    question      TEXT NOT NULL DEFAULT '',
    outcome_1     TEXT NOT NULL DEFAULT '',
    outcome_2     TEXT NOT NULL DEFAULT '',
    token_id_1    TEXT NOT NULL DEFAULT '',
    token_id_2    TEXT NOT NULL DEFAULT '',
    yes_price     REAL NOT NULL DEFAULT 0,
    no_price      REAL NOT NULL DEFAULT 0,
    liquidity     REAL NOT NULL DEFAULT 0,
    active        INTEGER NOT NULL DEFAULT 1,
    tradeable     INTEGER NOT NULL DEFAULT 1,
    status        TEXT NOT NULL DEFAULT 'new',
    no_price_pct  REAL NOT NULL DEFAULT 0,
    price_history TEXT NOT NULL DEFAULT '[]',
    created_at    DATETIME NOT NULL,
    first_seen_at DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status);

CREATE TABLE IF NOT EXISTS positions (
    id                TEXT PRIMARY KEY,
    market_id         TEXT NOT NULL,
    slug              TEXT NOT NULL DEFAULT '',
    token_id          TEXT NOT NULL,
    strategy          TEXT NOT NULL DEFAULT '',
    side              TEXT NOT NULL,
    size_usd          REAL NOT NULL,
    shares            REAL NOT NULL,
    entry_price       REAL NOT NULL,
    current_price     REAL NOT NULL DEFAULT 0,
    unrealized_pnl    REAL NOT NULL DEFAULT 0,
    realized_pnl      REAL,
    profit_target_pct REAL NOT NULL DEFAULT 10,
    stop_loss_pct     REAL NOT NULL DEFAULT -20,
    status            TEXT NOT NULL DEFAULT 'open',
    close_reason      TEXT,
    opened_at         DATETIME NOT NULL,
    closed_at         DATETIME,
    exit_price        REAL,
    updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS rejections (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id   TEXT NOT NULL,
    slug        TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL,
    permanent   INTEGER NOT NULL DEFAULT 1,
    rejected_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rejections_at ON rejections(rejected_at DESC);
`

// Client wraps the SQLite handle shared by the store implementations.
type Client struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database in tests.
func New(path string) (*Client, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite is single-writer; a single connection avoids SQLITE_BUSY under
	// concurrent supervisors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	// Columns added after the first release; CREATE TABLE IF NOT EXISTS does
	// not touch a database created by an older binary.
	alters := []string{
		`ALTER TABLE markets ADD COLUMN price_history TEXT NOT NULL DEFAULT '[]'`,
	}
	for _, stmt := range alters {
		if _, err := db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("sqlite: evolve schema: %w", err)
		}
	}

	return &Client{db: db}, nil
}

// DB returns the underlying handle.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database.
func (c *Client) Close() error {
	return c.db.Close()
}
