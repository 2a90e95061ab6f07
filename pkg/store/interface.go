/*
Copyright The CodeArena Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates that the session record is not in the store.
var ErrNotFound = errors.New("store: not found")

// SessionRecord is the web session blob written by the HTTP login flow and
// read back during WebSocket upgrades. The passport field carries the
// authenticated identity, if any.
type SessionRecord struct {
	Cookie   map[string]any `json:"cookie,omitempty"`
	Passport *Passport      `json:"passport,omitempty"`
}

// Passport holds the authenticated user id embedded in a session.
type Passport struct {
	User int64 `json:"user"`
}

// UserID returns the embedded user id, or false when the session is
// unauthenticated.
func (r *SessionRecord) UserID() (int64, bool) {
	if r == nil || r.Passport == nil || r.Passport.User == 0 {
		return 0, false
	}
	return r.Passport.User, true
}

// Store is the shared session store consumed both by the HTTP session
// middleware and by the WebSocket upgrade path.
type Store interface {
	// Ping check store provider available or not
	Ping(ctx context.Context) error
	// GetSession returns the session record for the given session ID
	GetSession(ctx context.Context, sid string) (*SessionRecord, error)
	// SetSession writes the session record with the given TTL
	SetSession(ctx context.Context, sid string, rec *SessionRecord, ttl time.Duration) error
	// DeleteSession removes the session record; missing records are not an error
	DeleteSession(ctx context.Context, sid string) error
	// Close releases all resources held by the store (e.g. connection pools)
	Close() error
}
