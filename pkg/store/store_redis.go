package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

type redisStore struct {
	cli           *redisv9.Client
	sessionPrefix string
}

// initRedisStore init redis store client
func initRedisStore() (*redisStore, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}

	return &redisStore{
		cli:           redisv9.NewClient(redisOptions),
		sessionPrefix: "sess:",
	}, nil
}

// makeRedisOptions creates redis options from environment variables
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	redisOptions := &redisv9.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	return redisOptions, nil
}

// sessionKey make the redis key for a session ID
func (rs *redisStore) sessionKey(sid string) string {
	return rs.sessionPrefix + sid
}

func (rs *redisStore) Ping(ctx context.Context) error {
	resp, err := rs.cli.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

// GetSession looks up the session record for the given session ID.
// Underlying Redis: GET sess:{sid} -> SessionRecord(JSON).
func (rs *redisStore) GetSession(ctx context.Context, sid string) (*SessionRecord, error) {
	key := rs.sessionKey(sid)

	b, err := rs.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetSession: redis GET %s failed: %w", key, err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("GetSession: unmarshal session failed: %w", err)
	}
	return &rec, nil
}

// SetSession writes the session record with the given TTL.
func (rs *redisStore) SetSession(ctx context.Context, sid string, rec *SessionRecord, ttl time.Duration) error {
	if rec == nil {
		return errors.New("SetSession: record is nil")
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("SetSession: marshal session: %w", err)
	}

	if err := rs.cli.Set(ctx, rs.sessionKey(sid), b, ttl).Err(); err != nil {
		return fmt.Errorf("SetSession: redis SET %s: %w", rs.sessionKey(sid), err)
	}
	return nil
}

// DeleteSession removes the session record. Deleting a missing session is
// treated as success.
func (rs *redisStore) DeleteSession(ctx context.Context, sid string) error {
	if err := rs.cli.Del(ctx, rs.sessionKey(sid)).Err(); err != nil {
		return fmt.Errorf("DeleteSession: redis DEL %s: %w", rs.sessionKey(sid), err)
	}
	return nil
}

func (rs *redisStore) Close() error {
	return rs.cli.Close()
}
