package api

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)

func countingHandler(status int, calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call_id":"c1"}`))
	})
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotencyMiddleware_ReplaysSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Hour))(countingHandler(http.StatusCreated, &calls))

	first := post(h, "/calls", "k1")
	second := post(h, "/calls", "k1")

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
}

func TestIdempotencyMiddleware_ScopedByPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Hour))(countingHandler(http.StatusOK, &calls))

	post(h, "/calls", "k1")
	post(h, "/calls/batch", "k1")
	assert.Equal(t, 2, calls)
}

func TestIdempotencyMiddleware_FailuresNotCached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Hour))(countingHandler(http.StatusForbidden, &calls))

	post(h, "/calls", "k1")
	post(h, "/calls", "k1")
	assert.Equal(t, 2, calls)
}

func TestIdempotencyMiddleware_NoKeyOrNoStore(t *testing.T) {
	calls := 0
	h := IdempotencyMiddleware(nil)(countingHandler(http.StatusOK, &calls))
	post(h, "/calls", "k1")
	post(h, "/calls", "k1")
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h = IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Hour))(countingHandler(http.StatusOK, &calls))
	post(h, "/calls", "")
	post(h, "/calls", "")
	assert.Equal(t, 4, calls)
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewIdempotencyStore(ctx, time.Minute)
	now := fixedNow
	s.now = func() time.Time { return now }

	s.Set(ctx, "k", CachedResponse{StatusCode: 200, Body: []byte("x")})
	_, ok := s.Check(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = s.Check(ctx, "k")
	assert.False(t, ok)

	s.sweep()
	s.mu.RLock()
	assert.Empty(t, s.entries)
	s.mu.RUnlock()
}

func newPGStore(t *testing.T) (*PostgresIdempotencyStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewPostgresIdempotencyStore(db, time.Hour)
	s.now = func() time.Time { return fixedNow }
	return s, mock, db
}

func TestPostgresIdempotencyStore_RoundTrip(t *testing.T) {
	s, mock, db := newPGStore(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS idempotency_keys")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(ctx))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("/calls|k1", 201, []byte(`{"Content-Type":["application/json"]}`), []byte(`{"ok":true}`), fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	s.Set(ctx, "/calls|k1", CachedResponse{
		StatusCode: 201,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"ok":true}`),
	})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1")).
		WithArgs("/calls|k1").
		WillReturnRows(sqlmock.NewRows([]string{"status_code", "headers", "body", "cached_at"}).
			AddRow(201, []byte(`{"Content-Type":["application/json"]}`), []byte(`{"ok":true}`), fixedNow.Add(-time.Minute)))
	got, ok := s.Check(ctx, "/calls|k1")
	require.True(t, ok)
	assert.Equal(t, 201, got.StatusCode)
	assert.Equal(t, "application/json", got.Headers.Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, string(got.Body))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIdempotencyStore_ExpiredRowDeleted(t *testing.T) {
	s, mock, db := newPGStore(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"status_code", "headers", "body", "cached_at"}).
			AddRow(200, []byte(`{}`), []byte(`x`), fixedNow.Add(-2*time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_keys WHERE key = $1")).
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, ok := s.Check(context.Background(), "k")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIdempotencyStore_MissAndErrors(t *testing.T) {
	s, mock, db := newPGStore(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code")).WillReturnError(sql.ErrNoRows)
	_, ok := s.Check(ctx, "missing")
	assert.False(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code")).WillReturnError(sqlmock.ErrCancelled)
	_, ok = s.Check(ctx, "broken")
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_keys WHERE cached_at < $1")).
		WithArgs(fixedNow.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
