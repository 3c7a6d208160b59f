package dnc

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the registry in a local SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dnc: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an open database and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS do_not_call (
        phone TEXT PRIMARY KEY,
        added_at DATETIME NOT NULL
    );`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("dnc: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Add(ctx context.Context, phone string) error {
	k, err := Key(phone)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO do_not_call (phone, added_at) VALUES (?, ?)`, k, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("dnc: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Contains(ctx context.Context, phone string) (bool, error) {
	k, err := Key(phone)
	if err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM do_not_call WHERE phone = ?`, k).Scan(&n); err != nil {
		return false, fmt.Errorf("dnc: lookup: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	return listPhones(ctx, s.db, `SELECT phone FROM do_not_call ORDER BY phone`)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func listPhones(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dnc: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("dnc: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dnc: list: %w", err)
	}
	return out, nil
}
