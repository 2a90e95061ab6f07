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

package statushub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

const (
	writeWait = 10 * time.Second

	maxMessageSize = 4096
)

// connection wraps a single WebSocket client.
type connection struct {
	hub *Hub
	ws  *websocket.Conn

	// writeMu serializes data-frame writes. Control frames (ping, close)
	// go through WriteControl, which gorilla allows concurrently.
	writeMu sync.Mutex

	mu       sync.Mutex
	username string
	alive    bool
	tokens   map[string]struct{}

	closeOnce sync.Once
}

func newConnection(h *Hub, ws *websocket.Conn) *connection {
	c := &connection{
		hub:    h,
		ws:     ws,
		alive:  true,
		tokens: make(map[string]struct{}),
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.alive = true
		c.mu.Unlock()
		return nil
	})
	return c
}

// identity returns the resolved username, or "" for anonymous connections.
func (c *connection) identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *connection) setIdentity(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

func (c *connection) addToken(token string) {
	c.mu.Lock()
	c.tokens[token] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) hasToken(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tokens[token]
	return ok
}

// aliveSwap sets the liveness flag and returns its previous value.
func (c *connection) aliveSwap(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.alive
	c.alive = v
	return prev
}

// write sends a data frame. Send failures close the connection; the read
// loop notices and unregisters it.
func (c *connection) write(payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		klog.V(2).Infof("websocket write failed (user %q): %v", c.identity(), err)
		c.close()
	}
}

func (c *connection) ping() {
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		klog.V(2).Infof("websocket ping failed (user %q): %v", c.identity(), err)
		c.close()
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}

// readLoop consumes client messages until the connection drops. Unknown
// message types are ignored so protocol additions do not break old servers.
func (c *connection) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				klog.V(2).Infof("websocket closed unexpectedly (user %q): %v", c.identity(), err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			klog.V(2).Infof("discarding malformed websocket message: %v", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.hub.subscribe(c, msg.Token)
		default:
		}
	}
}
