package userstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	u, err := s.UpsertUser(ctx, &User{Username: "alice", Email: "alice@example.com", GithubID: "gh-1"})
	require.NoError(t, err)
	require.NotZero(t, u.ID)

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "gh-1", got.GithubID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLiteStore_GetUserByID_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	_, err := s.GetUserByID(ctx, 12345)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSQLiteStore_UpsertRefreshesExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	first, err := s.UpsertUser(ctx, &User{Username: "alice", GithubID: "gh-1"})
	require.NoError(t, err)

	second, err := s.UpsertUser(ctx, &User{Username: "alice-renamed", Email: "new@example.com", GithubID: "gh-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same github id must map to the same row")

	got, err := s.GetUserByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice-renamed", got.Username)
	assert.Equal(t, "new@example.com", got.Email)
}

func TestSQLiteStore_UpsertWithoutGithubIDMatchesByUsername(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	first, err := s.UpsertUser(ctx, &User{Username: "alice"})
	require.NoError(t, err)

	// A second login for the same username must refresh the row, not
	// attempt a duplicate insert.
	second, err := s.UpsertUser(ctx, &User{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetUserByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
}

func TestSQLiteStore_EmptyGithubIDNeverMatches(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	_, err := s.UpsertUser(ctx, &User{Username: "alice"})
	require.NoError(t, err)

	_, err = s.GetUserByGithubID(ctx, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSQLiteStore_UpsertRequiresUsername(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	_, err := s.UpsertUser(ctx, &User{})
	assert.Error(t, err)
}

func TestMemoryStore_MatchesSQLiteBehavior(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u, err := s.UpsertUser(ctx, &User{Username: "bob", GithubID: "gh-2"})
	require.NoError(t, err)

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)

	again, err := s.UpsertUser(ctx, &User{Username: "bob2", GithubID: "gh-2"})
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	_, err = s.GetUserByID(ctx, 999)
	assert.ErrorIs(t, err, ErrUserNotFound)

	// No github id: repeated upserts for one username share a row, exactly
	// as in the SQLite store.
	plain, err := s.UpsertUser(ctx, &User{Username: "carol"})
	require.NoError(t, err)
	plainAgain, err := s.UpsertUser(ctx, &User{Username: "carol", Email: "c@example.com"})
	require.NoError(t, err)
	assert.Equal(t, plain.ID, plainAgain.ID)

	_, err = s.GetUserByGithubID(ctx, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
