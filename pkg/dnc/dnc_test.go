package dnc

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseRegistry runs the behavior every store must share.
func exerciseRegistry(t *testing.T, r Registry) {
	t.Helper()
	ctx := context.Background()

	ok, err := r.Contains(ctx, "619-458-7071")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Add(ctx, "(619) 458-7071"))
	require.NoError(t, r.Add(ctx, "+1 619 458 7071"), "duplicate add is a no-op")
	require.NoError(t, r.Add(ctx, "+44 20 7946 0958"))

	ok, err = r.Contains(ctx, "6194587071")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"+16194587071", "+442079460958"}, list)

	err = r.Add(ctx, "no digits here")
	assert.ErrorIs(t, err, contact.ErrInvalidContact)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "dnc.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	exerciseRegistry(t, s)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"phones":["+16194587071","+442079460958"]}`, string(raw))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	ok, err := reopened.Contains(context.Background(), "619.458.7071")
	require.NoError(t, err)
	assert.True(t, ok, "entries survive a restart")

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".dnc-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no temp files left behind")
}

func TestFileStore_LoadsLegacyFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"phones":["619-458-7071","garbage"]}`), 0o600))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"+16194587071"}, list)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err := NewFileStore(path)
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "dnc.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	exerciseRegistry(t, s)
}

func TestPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS do_not_call")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(ctx))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO do_not_call (phone) VALUES ($1) ON CONFLICT (phone) DO NOTHING")).
		WithArgs("+16194587071").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Add(ctx, "619-458-7071"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM do_not_call WHERE phone = $1)")).
		WithArgs("+16194587071").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := s.Contains(ctx, "(619) 458 7071")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT phone FROM do_not_call ORDER BY phone")).
		WillReturnRows(sqlmock.NewRows([]string{"phone"}).AddRow("+16194587071").AddRow("+442079460958"))
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"+16194587071", "+442079460958"}, list)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO do_not_call")).
		WillReturnError(sqlmock.ErrCancelled)
	err = NewPostgresStore(db).Add(context.Background(), "6194587071")
	assert.ErrorIs(t, err, sqlmock.ErrCancelled)
}

func TestRedisStore_Close(t *testing.T) {
	s := NewRedisStore("127.0.0.1:1", "", 0)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), redis.ErrClosed)
}

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	s := NewRedisStore("localhost:6379", "", 0)
	s.key = "callbridge:dnc:test:" + t.Name()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = s.client.Del(ctx, s.key).Err() })
	exerciseRegistry(t, s)
}
