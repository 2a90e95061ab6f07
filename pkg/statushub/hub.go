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

// Package statushub delivers container lifecycle events to the browser tab
// waiting on them, over long-lived WebSocket connections, without polling.
package statushub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/codearena/codearena/pkg/userstore"
)

// Status is a container lifecycle state pushed to clients.
type Status string

const (
	StatusCreating Status = "creating"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

const (
	// DefaultPingInterval is how often connections are pinged for liveness.
	DefaultPingInterval = 30 * time.Second

	// DefaultEntryTTL is how long a status entry survives without an update
	// before the janitor evicts it.
	DefaultEntryTTL = time.Hour

	// provisionalTokenPrefix marks tokens issued before the backend token is
	// known.
	provisionalTokenPrefix = "pending-"
)

// NewProvisionalToken returns a placeholder token for a container whose real
// backend token has not arrived yet.
func NewProvisionalToken() string {
	return provisionalTokenPrefix + uuid.NewString()
}

// IsProvisionalToken reports whether token is a placeholder.
func IsProvisionalToken(token string) bool {
	return strings.HasPrefix(token, provisionalTokenPrefix)
}

// StatusEntry is the last known state for a container token. Entries are
// monotonically replaced: last write wins.
type StatusEntry struct {
	Token        string
	Status       Status
	Message      string
	ContainerURL string
	Username     string
	UpdatedAt    time.Time
}

// statusMessage is the wire format pushed to clients.
type statusMessage struct {
	Type         string `json:"type"`
	Token        string `json:"token"`
	Status       Status `json:"status"`
	Message      string `json:"message,omitempty"`
	ContainerURL string `json:"containerUrl,omitempty"`
}

// clientMessage is the wire format received from clients.
type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// IdentityResolver authenticates an upgrade request from its Cookie header.
// A nil result means the connection stays anonymous.
type IdentityResolver interface {
	Resolve(ctx context.Context, cookieHeader string) *userstore.User
}

// Heartbeater receives activity signals for authenticated connections so the
// idle sweep does not reclaim a container that is actively in use.
type Heartbeater interface {
	Heartbeat(username string)
}

// Hub tracks open connections and per-token container status, and pushes
// status transitions as they occur.
type Hub struct {
	resolver     IdentityResolver
	heartbeats   Heartbeater
	pingInterval time.Duration
	entryTTL     time.Duration
	now          func() time.Time

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*connection]struct{}
	statuses map[string]*StatusEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithPingInterval overrides the liveness ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithEntryTTL overrides how long status entries live without updates.
func WithEntryTTL(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.entryTTL = d
		}
	}
}

// WithHeartbeater wires connection activity into the activity registry.
func WithHeartbeater(hb Heartbeater) Option {
	return func(h *Hub) { h.heartbeats = hb }
}

// NewHub creates a Hub and starts its liveness/janitor loop.
func NewHub(resolver IdentityResolver, opts ...Option) *Hub {
	h := &Hub{
		resolver:     resolver,
		pingInterval: DefaultPingInterval,
		entryTTL:     DefaultEntryTTL,
		now:          time.Now,
		conns:        make(map[*connection]struct{}),
		statuses:     make(map[string]*StatusEntry),
		stopCh:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checking is handled by the surrounding server.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

// attachMu guards the construct-once registry below. Binding two hubs to the
// same server would double-broadcast every update.
var (
	attachMu sync.Mutex
	attached = map[any]*Hub{}
)

// Attach returns the Hub bound to key, constructing it with build on first
// use. Subsequent calls with the same key return the existing instance.
func Attach(key any, build func() *Hub) *Hub {
	attachMu.Lock()
	defer attachMu.Unlock()
	if h, ok := attached[key]; ok {
		return h
	}
	h := build()
	attached[key] = h
	return h
}

// Detach removes the hub bound to key, letting tests rebind cleanly.
func Detach(key any) {
	attachMu.Lock()
	defer attachMu.Unlock()
	delete(attached, key)
}

// UpdateStatus records the latest state for token and pushes it to clients.
// When username is set, delivery is restricted to connections resolved to
// that identity; otherwise the update reaches every open connection, so
// unscoped updates must never carry secrets beyond the URL and token.
func (h *Hub) UpdateStatus(token string, status Status, message, containerURL, username string) {
	h.mu.Lock()
	h.statuses[token] = &StatusEntry{
		Token:        token,
		Status:       status,
		Message:      message,
		ContainerURL: containerURL,
		Username:     username,
		UpdatedAt:    h.now(),
	}
	targets := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		if username == "" || c.identity() == username {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	payload, err := json.Marshal(statusMessage{
		Type:         "containerStatus",
		Token:        token,
		Status:       status,
		Message:      message,
		ContainerURL: containerURL,
	})
	if err != nil {
		klog.Errorf("marshal status update for token %q: %v", token, err)
		return
	}

	for _, c := range targets {
		c.write(payload)
	}
}

// LastStatus returns the most recent entry for token.
func (h *Hub) LastStatus(token string) (StatusEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.statuses[token]
	if !ok {
		return StatusEntry{}, false
	}
	return *e, true
}

// ConnCount returns the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Stop terminates the liveness loop and closes all connections.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Errorf("websocket upgrade failed: %v", err)
		return
	}

	c := newConnection(h, ws)
	h.register(c)
	defer h.unregister(c)

	// Resolve the session cookie into an identity. Failure leaves the
	// connection anonymous; it still receives unscoped broadcasts.
	if h.resolver != nil {
		if user := h.resolver.Resolve(r.Context(), r.Header.Get("Cookie")); user != nil {
			c.setIdentity(user.Username)
			if h.heartbeats != nil {
				h.heartbeats.Heartbeat(user.Username)
			}
		}
	}

	c.readLoop()
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// subscribe records the token on the connection and replays the last known
// status, closing the race where the status changed before the client
// subscribed.
func (h *Hub) subscribe(c *connection, token string) {
	if token == "" {
		return
	}
	c.addToken(token)

	if username := c.identity(); username != "" && h.heartbeats != nil {
		h.heartbeats.Heartbeat(username)
	}

	entry, ok := h.LastStatus(token)
	if !ok {
		return
	}
	payload, err := json.Marshal(statusMessage{
		Type:         "containerStatus",
		Token:        entry.Token,
		Status:       entry.Status,
		Message:      entry.Message,
		ContainerURL: entry.ContainerURL,
	})
	if err != nil {
		klog.Errorf("marshal status replay for token %q: %v", token, err)
		return
	}
	c.write(payload)
}

// run pings connections and evicts stale status entries until Stop.
func (h *Hub) run() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.pingOnce()
			h.pruneOnce()
		}
	}
}

// pingOnce terminates connections that missed the previous ping and pings
// the rest. A pong resets the liveness flag.
func (h *Hub) pingOnce() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if !c.aliveSwap(false) {
			klog.Infof("terminating unresponsive websocket connection (user %q)", c.identity())
			h.unregister(c)
			continue
		}
		c.ping()
	}
}

// pruneOnce drops status entries older than the TTL. Tokens are short-lived
// relative to process uptime; without eviction the map grows for the life of
// the process.
func (h *Hub) pruneOnce() {
	cutoff := h.now().Add(-h.entryTTL)
	h.mu.Lock()
	defer h.mu.Unlock()
	for token, e := range h.statuses {
		if e.UpdatedAt.Before(cutoff) {
			delete(h.statuses, token)
		}
	}
}
