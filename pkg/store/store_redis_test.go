package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMakeRedisOptions(t *testing.T) {
	t.Run("missing REDIS_ADDR", func(t *testing.T) {
		opts, err := makeRedisOptions()
		assert.Nil(t, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing env var REDIS_ADDR")
	})

	t.Run("all env vars exist", func(t *testing.T) {
		expectedAddr := "127.0.0.1:6379"
		// nolint:gosec
		expectedPwd := "test_redis_pwd"
		t.Setenv("REDIS_ADDR", expectedAddr)
		t.Setenv("REDIS_PASSWORD", expectedPwd)
		opts, err := makeRedisOptions()
		assert.NoError(t, err)
		assert.NotNil(t, opts)
		assert.Equal(t, expectedAddr, opts.Addr)
		assert.Equal(t, expectedPwd, opts.Password)
	})
}

func newTestRedisStore(t *testing.T) (*redisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rs := &redisStore{
		cli:           redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()}),
		sessionPrefix: "sess:",
	}
	return rs, mr
}

func authenticatedRecord(userID int64) *SessionRecord {
	return &SessionRecord{
		Cookie:   map[string]any{"path": "/", "httpOnly": true},
		Passport: &Passport{User: userID},
	}
}

func TestRedisStore_Ping(t *testing.T) {
	ctx := context.Background()
	rs, _ := newTestRedisStore(t)

	err := rs.Ping(ctx)
	assert.Nil(t, err)
}

func TestRedisStore_SetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	rs, _ := newTestRedisStore(t)

	in := authenticatedRecord(42)
	err := rs.SetSession(ctx, "sid-1", in, time.Hour)
	assert.NoError(t, err)

	out, err := rs.GetSession(ctx, "sid-1")
	assert.NoError(t, err)

	uid, ok := out.UserID()
	assert.True(t, ok)
	assert.Equal(t, int64(42), uid)
}

func TestRedisStore_GetSessionNotFound(t *testing.T) {
	ctx := context.Background()
	rs, _ := newTestRedisStore(t)

	_, err := rs.GetSession(ctx, "non-existent")
	if err == nil {
		t.Fatalf("expected error for non-existent session")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_SessionTTL(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedisStore(t)

	err := rs.SetSession(ctx, "sid-ttl", authenticatedRecord(7), 30*time.Minute)
	assert.NoError(t, err)

	// TTL is carried by the key itself; miniredis can fast-forward past it.
	mr.FastForward(31 * time.Minute)
	_, err = rs.GetSession(ctx, "sid-ttl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	rs, _ := newTestRedisStore(t)

	assert.NoError(t, rs.SetSession(ctx, "sid-del", authenticatedRecord(1), time.Hour))
	assert.NoError(t, rs.DeleteSession(ctx, "sid-del"))

	_, err := rs.GetSession(ctx, "sid-del")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is still fine.
	assert.NoError(t, rs.DeleteSession(ctx, "sid-del"))
}

func TestRedisStore_UnauthenticatedRecord(t *testing.T) {
	ctx := context.Background()
	rs, _ := newTestRedisStore(t)

	in := &SessionRecord{Cookie: map[string]any{"path": "/"}}
	assert.NoError(t, rs.SetSession(ctx, "sid-anon", in, time.Hour))

	out, err := rs.GetSession(ctx, "sid-anon")
	assert.NoError(t, err)
	_, ok := out.UserID()
	assert.False(t, ok, "record without passport must resolve to unauthenticated")
}
