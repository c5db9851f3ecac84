// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package pubsub is the Client's half of the websocket pub/sub
// transport: a persistent, reconnecting connection to the Server's
// pub/sub endpoint that resubscribes to its full topic list on every
// reconnect and invokes registered handlers as notify frames arrive.
//
// Grounded on the teacher's agent/internal/policyclient reconnect loop
// (exponential backoff, context-bound lifetime) generalized from a
// single-purpose gRPC policy stream to an arbitrary multi-topic
// websocket subscription.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opalmesh/opal/pkg/pubsubmsg"
	"github.com/opalmesh/opal/pkg/topics"
)

// Handler is invoked once per notify frame received for topic.
type Handler func(topic string, data json.RawMessage)

// OnConnectHandler runs after every successful (re)connect, including
// the first. It is the hook Policy/Data updaters use to trigger a full
// resync, since a reconnect may have missed publishes.
type OnConnectHandler func(ctx context.Context)

// Client is a long-lived subscription to one Server pub/sub endpoint.
// It is safe to call Subscribe/OnConnect at any time, including before
// Run or while disconnected; registrations are replayed on every
// connect.
type Client struct {
	url   string
	token string

	mu          sync.Mutex
	topics      map[string][]Handler
	onConnect   []OnConnectHandler
	conn        *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time

	logger zerolog.Logger
}

// New creates a Client for the websocket endpoint at wsURL (scheme
// "ws://" or "wss://"), authenticating with bearer token.
func New(wsURL, token string) *Client {
	return &Client{
		url:    wsURL,
		token:  token,
		topics: make(map[string][]Handler),
		logger: log.With().Str("component", "pubsub-client").Logger(),
	}
}

// Subscribe registers handler for topic. If the client is currently
// connected, the subscription is sent immediately; it is always resent
// on the next (re)connect regardless.
func (c *Client) Subscribe(topic string, handler Handler) {
	c.mu.Lock()
	c.topics[topic] = append(c.topics[topic], handler)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = c.sendFrame(pubsubmsg.Frame{Kind: pubsubmsg.KindSubscribe, ID: uuid.NewString(), Topics: []string{topic}})
	}
}

// OnConnect registers a callback run after every successful connect.
func (c *Client) OnConnect(h OnConnectHandler) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, h)
	c.mu.Unlock()
}

// Run connects and maintains the connection, reconnecting with
// exponential backoff on failure, until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry forever
	b.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("pubsub: connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("pubsub: parse url: %w", err)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("pubsub: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connectedAt = time.Now()
	topicNames := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topicNames = append(topicNames, topic)
	}
	onConnect := append([]OnConnectHandler(nil), c.onConnect...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if len(topicNames) > 0 {
		if err := c.sendFrame(pubsubmsg.Frame{Kind: pubsubmsg.KindSubscribe, ID: uuid.NewString(), Topics: topicNames}); err != nil {
			return err
		}
	}

	for _, h := range onConnect {
		h(ctx)
	}

	return c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var frame pubsubmsg.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("pubsub: read: %w", err)
		}

		switch frame.Kind {
		case pubsubmsg.KindNotify:
			c.dispatch(frame.Topic, frame.Data)
		case pubsubmsg.KindError:
			c.logger.Warn().Str("error", frame.Error).Msg("pubsub: server reported error")
		}
	}
}

// dispatch invokes every handler registered on an ancestor of topic
// (including topic itself), mirroring the server's own ancestor-based
// delivery so a subscription on "policy:repo_a" also fires for a publish
// on "policy:repo_a/sub". Ancestors keep the scope prefix, so "policy" is
// not an ancestor of "policy:repo_a".
func (c *Client) dispatch(topic string, data json.RawMessage) {
	c.mu.Lock()
	var handlers []Handler
	for _, ancestor := range topics.Expand(topic) {
		handlers = append(handlers, c.topics[ancestor]...)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(topic, data)
	}
}

func (c *Client) sendFrame(frame pubsubmsg.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("pubsub: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("pubsub: write: %w", err)
	}
	return nil
}
