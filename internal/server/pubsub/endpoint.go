// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package pubsub

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/opalmesh/opal/pkg/jwtauth"
	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The endpoint authenticates via bearer token, not Origin; any
	// origin may connect, matching spec.md §4.3's "authentication is via
	// bearer token, not same-origin policy" design note.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Endpoint serves the websocket pub/sub protocol: Clients connect,
// authenticate with a bearer token, then send subscribe/unsubscribe
// frames and receive notify frames for matching publishes.
type Endpoint struct {
	notifier *Notifier
	signer   jwtauth.Signer
}

// NewEndpoint wires a Notifier and Signer into an http.Handler.
func NewEndpoint(notifier *Notifier, signer jwtauth.Signer) *Endpoint {
	return &Endpoint{notifier: notifier, signer: signer}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP upgrades the connection and runs the per-connection
// read/write loops until the connection closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := e.signer.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, `{"error":"invalid or missing bearer token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("pubsub: websocket upgrade failed")
		return
	}

	subscriberID := claims.ID
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	c := &connection{
		id:       subscriberID,
		claims:   claims,
		conn:     conn,
		notifier: e.notifier,
		send:     make(chan pubsubmsg.Frame, 64),
	}
	c.run()
}

// connection holds the per-client state for one websocket session. All
// writes to conn go through the single writeLoop goroutine; gorilla's
// websocket.Conn permits at most one concurrent writer.
type connection struct {
	id       string
	claims   *jwtauth.Claims
	conn     *websocket.Conn
	notifier *Notifier
	send     chan pubsubmsg.Frame

	mu     sync.Mutex
	closed bool
}

func (c *connection) run() {
	done := make(chan struct{})
	go c.writeLoop(done)
	c.readLoop()
	c.close()
	<-done
}

func (c *connection) readLoop() {
	defer c.notifier.Unsubscribe(c.id, nil)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame pubsubmsg.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Kind {
		case pubsubmsg.KindSubscribe:
			c.handleSubscribe(frame)
		case pubsubmsg.KindUnsubscribe:
			c.notifier.Unsubscribe(c.id, frame.Topics)
			c.enqueue(pubsubmsg.Frame{Kind: pubsubmsg.KindAck, ID: frame.ID})
		default:
			c.enqueue(pubsubmsg.Frame{Kind: pubsubmsg.KindError, ID: frame.ID, Error: "unknown frame kind"})
		}
	}
}

func (c *connection) handleSubscribe(frame pubsubmsg.Frame) {
	err := c.notifier.Subscribe(c.id, frame.Topics, c.claims, func(topic string, data json.RawMessage) {
		c.enqueue(pubsubmsg.Frame{Kind: pubsubmsg.KindNotify, Topic: topic, Data: data})
	})
	if err != nil {
		if unauth, ok := err.(*ErrUnauthorized); ok {
			c.enqueue(pubsubmsg.Frame{
				Kind:  pubsubmsg.KindError,
				ID:    frame.ID,
				Error: "unauthorized for topics: " + strings.Join(unauth.Topics, ", "),
			})
			return
		}
		c.enqueue(pubsubmsg.Frame{Kind: pubsubmsg.KindError, ID: frame.ID, Error: err.Error()})
		return
	}
	c.enqueue(pubsubmsg.Frame{Kind: pubsubmsg.KindAck, ID: frame.ID, Topics: frame.Topics})
}

func (c *connection) enqueue(frame pubsubmsg.Frame) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Warn().Str("subscriber", c.id).Msg("pubsub: dropping frame, connection send buffer full")
	}
}

func (c *connection) writeLoop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}
