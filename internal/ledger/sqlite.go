package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// schema is the single table this core owns. Everything else (users, bots,
// chats) lives in the application's relational store, outside this module.
const schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id    INTEGER PRIMARY KEY,
	balance    REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore persists credit accounts in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger db: %w", err)
	}

	// SQLite allows one writer at a time; WAL keeps readers unblocked
	// while a debit is in flight, and busy_timeout makes concurrent
	// writers queue instead of failing.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetBalance returns the user's balance, zero when no account row exists.
func (s *SQLiteStore) GetBalance(ctx context.Context, userID int64) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM credit_accounts WHERE user_id = ?", userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance for user %d: %w", userID, err)
	}
	return balance, nil
}

// SetBalance upserts the account row.
func (s *SQLiteStore) SetBalance(ctx context.Context, userID int64, balance float64, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		userID, balance, updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing balance for user %d: %w", userID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
