package dnc

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore keeps the registry in PostgreSQL for multi-instance
// deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db. Call Migrate once at startup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS do_not_call (phone TEXT PRIMARY KEY, added_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("dnc: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, phone string) error {
	k, err := Key(phone)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO do_not_call (phone) VALUES ($1) ON CONFLICT (phone) DO NOTHING", k)
	if err != nil {
		return fmt.Errorf("dnc: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Contains(ctx context.Context, phone string) (bool, error) {
	k, err := Key(phone)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM do_not_call WHERE phone = $1)", k).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dnc: lookup: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	return listPhones(ctx, s.db, "SELECT phone FROM do_not_call ORDER BY phone")
}
