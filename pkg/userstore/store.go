// Package userstore persists the user rows the OAuth callback writes and the
// session resolver reads back.
package userstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUserNotFound indicates that no user exists with the given id.
var ErrUserNotFound = errors.New("userstore: user not found")

// User is an authenticated account. Username doubles as the container
// backend identity.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	GithubID  string    `json:"github_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the primary user data store.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByGithubID(ctx context.Context, githubID string) (*User, error)
	UpsertUser(ctx context.Context, u *User) (*User, error)
	Close() error
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[int64]*User
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[int64]*User), nextID: 1}
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByGithubID(ctx context.Context, githubID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if githubID == "" {
		return nil, ErrUserNotFound
	}
	for _, u := range s.users {
		if u.GithubID == githubID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

// UpsertUser matches by github id when one is given, otherwise by username,
// mirroring SQLiteStore so tests exercise the same contract.
func (s *MemoryStore) UpsertUser(ctx context.Context, u *User) (*User, error) {
	if u == nil || u.Username == "" {
		return nil, errors.New("upsert user: username is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == 0 {
		for _, existing := range s.users {
			if u.GithubID != "" && existing.GithubID == u.GithubID {
				u.ID = existing.ID
				u.CreatedAt = existing.CreatedAt
				break
			}
			if u.GithubID == "" && existing.Username == u.Username {
				u.ID = existing.ID
				u.CreatedAt = existing.CreatedAt
				break
			}
		}
	}
	if u.ID == 0 {
		u.ID = s.nextID
		s.nextID++
		u.CreatedAt = time.Now().UTC()
	}

	cp := *u
	s.users[u.ID] = &cp
	return u, nil
}

func (s *MemoryStore) Close() error { return nil }
