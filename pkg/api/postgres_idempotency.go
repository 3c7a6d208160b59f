package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const idempotencySchema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
	key         TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	headers     JSONB NOT NULL DEFAULT '{}',
	body        BYTEA NOT NULL,
	cached_at   TIMESTAMPTZ NOT NULL
)`

// PostgresIdempotencyStore keeps idempotent responses across restarts.
type PostgresIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewPostgresIdempotencyStore wraps db. Call Migrate once before use.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default().With("component", "idempotency"),
	}
}

// Migrate creates the idempotency_keys table if needed.
func (s *PostgresIdempotencyStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("idempotency: migrate: %w", err)
	}
	return nil
}

// Check returns the cached response for key if it is within ttl. Expired
// rows are deleted on read. Store errors count as a miss.
func (s *PostgresIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var (
		status   int
		headers  []byte
		body     []byte
		cachedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&status, &headers, &body, &cachedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}

	if s.now().Sub(cachedAt) > s.ttl {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
			s.logger.WarnContext(ctx, "idempotency expire failed", "error", err)
		}
		return nil, false
	}

	hdr := make(http.Header)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &hdr); err != nil {
			hdr = http.Header{"Content-Type": []string{"application/json"}}
		}
	}
	return &CachedResponse{StatusCode: status, Headers: hdr, Body: body, CachedAt: cachedAt}, true
}

// Set upserts resp under key. Failures are logged; the request already succeeded.
func (s *PostgresIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) {
	headers, err := json.Marshal(resp.Headers)
	if err != nil || resp.Headers == nil {
		headers = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = $5`,
		key, resp.StatusCode, headers, resp.Body, s.now(),
	)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency store failed", "key", key, "error", err)
	}
}

// Cleanup removes rows older than ttl and reports how many were dropped.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cached_at < $1`, s.now().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup: %w", err)
	}
	return res.RowsAffected()
}
