// Package identity resolves a raw Cookie header into an authenticated user
// without going through the HTTP middleware pipeline, so it can serve the
// WebSocket upgrade path where only raw headers are available.
package identity

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"k8s.io/klog/v2"

	"github.com/codearena/codearena/pkg/store"
	"github.com/codearena/codearena/pkg/userstore"
)

// DefaultCookieName is the session cookie written by the web framework.
const DefaultCookieName = "connect.sid"

// signedPrefix marks a session cookie value carrying a signature suffix.
const signedPrefix = "s:"

// minSessionIDLen rejects garbage cookies before they reach the store.
const minSessionIDLen = 8

// SessionStore is the slice of the session store the resolver needs.
type SessionStore interface {
	GetSession(ctx context.Context, sid string) (*store.SessionRecord, error)
}

// UserStore is the slice of the user store the resolver needs.
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*userstore.User, error)
}

// Resolver turns cookie headers into user identities. Every failure mode
// resolves to anonymous: the resolver sits on the hot path of every new
// realtime connection and must never propagate an error past its boundary.
type Resolver struct {
	cookieName string
	sessions   SessionStore
	users      UserStore
}

// NewResolver creates a Resolver reading the given cookie name. An empty
// cookieName falls back to DefaultCookieName.
func NewResolver(cookieName string, sessions SessionStore, users UserStore) *Resolver {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Resolver{
		cookieName: cookieName,
		sessions:   sessions,
		users:      users,
	}
}

// Resolve returns the user authenticated by the given Cookie header, or nil
// when the connection is anonymous. It never returns an error; failures are
// logged and degrade to anonymous.
func (r *Resolver) Resolve(ctx context.Context, cookieHeader string) *userstore.User {
	sid, ok := ParseSessionID(cookieHeader, r.cookieName)
	if !ok {
		return nil
	}

	rec, err := r.sessions.GetSession(ctx, sid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			klog.Errorf("resolve session %q: store lookup failed: %v", sid, err)
		}
		return nil
	}

	userID, ok := rec.UserID()
	if !ok {
		return nil
	}

	user, err := r.users.GetUserByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, userstore.ErrUserNotFound) {
			klog.Errorf("resolve session %q: load user %d failed: %v", sid, userID, err)
		}
		return nil
	}
	return user
}

// ParseSessionID extracts the raw session-store key from a Cookie header.
// It strips the signing prefix and signature from values of the form
// "s:<sid>.<sig>" and rejects implausibly short ids without touching the
// store. Returns false when no usable session id is present.
func ParseSessionID(cookieHeader, cookieName string) (string, bool) {
	if cookieHeader == "" {
		return "", false
	}

	// Reuse net/http's cookie parsing rather than splitting by hand.
	req := http.Request{Header: http.Header{"Cookie": []string{cookieHeader}}}
	c, err := req.Cookie(cookieName)
	if err != nil {
		return "", false
	}

	val := c.Value
	if unescaped, err := url.QueryUnescape(val); err == nil {
		val = unescaped
	}

	val = strings.TrimPrefix(val, signedPrefix)
	if i := strings.IndexByte(val, '.'); i >= 0 {
		val = val[:i]
	}

	if len(val) < minSessionIDLen {
		return "", false
	}
	return val, true
}
