// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Backend is the cross-worker fanout transport the Broadcaster uses to
// keep multiple Server worker processes (e.g. behind a load balancer, or
// multiple uvicorn-style workers in the teacher's terms) in sync: a
// Publish on one worker's Notifier must also reach subscribers connected
// to every other worker.
//
// A deployment with a single worker process has no need for a Backend;
// NopBackend is used in that case.
type Backend interface {
	// Publish sends envelope to every other worker subscribed to channel.
	Publish(ctx context.Context, channel string, envelope []byte) error
	// Listen delivers envelopes published by other workers on channel
	// until ctx is canceled.
	Listen(ctx context.Context, channel string, handler func(envelope []byte))
	Close() error
}

// NopBackend is the Backend used when no cross-worker fanout is
// configured. Publish and Listen are no-ops.
type NopBackend struct{}

func (NopBackend) Publish(context.Context, string, []byte) error { return nil }
func (NopBackend) Listen(context.Context, string, func([]byte))  {}
func (NopBackend) Close() error                                  { return nil }

// RedisBackend broadcasts over a Redis pub/sub channel, grounded on the
// same publish/subscribe shape the Notifier itself exposes in-process —
// here carried across worker processes instead of goroutines.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the Redis instance at addr.
func NewRedisBackend(addr string) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (b *RedisBackend) Publish(ctx context.Context, channel string, envelope []byte) error {
	if err := b.client.Publish(ctx, channel, envelope).Err(); err != nil {
		return fmt.Errorf("pubsub: redis publish: %w", err)
	}
	return nil
}

func (b *RedisBackend) Listen(ctx context.Context, channel string, handler func(envelope []byte)) {
	sub := b.client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handler([]byte(msg.Payload))
		}
	}
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// broadcastEnvelope is the wire shape carried over the Backend: the
// logical topics published plus the original JSON data, so a receiving
// worker can re-run it through its own local Notifier.
type broadcastEnvelope struct {
	Topics []string        `json:"topics"`
	Data   json.RawMessage `json:"data"`
}

// Broadcaster wraps a Notifier so that Publish calls are also sent to
// (and received from) every other Server worker process sharing the
// same Backend channel. Local delivery is always synchronous and
// backend-independent; cross-worker delivery is best-effort.
type Broadcaster struct {
	notifier *Notifier
	backend  Backend
	channel  string
}

// NewBroadcaster wraps notifier with backend, using channel as the
// shared broadcast channel name (e.g. "opal:broadcast").
func NewBroadcaster(notifier *Notifier, backend Backend, channel string) *Broadcaster {
	return &Broadcaster{notifier: notifier, backend: backend, channel: channel}
}

// Run starts listening for remote publishes until ctx is canceled. It
// must be started once per process before remote Publish calls will be
// observed locally.
func (b *Broadcaster) Run(ctx context.Context) {
	b.backend.Listen(ctx, b.channel, func(raw []byte) {
		var env broadcastEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn().Err(err).Msg("broadcaster: discarding malformed envelope")
			return
		}
		b.notifier.Publish(env.Topics, env.Data)
	})
}

// Publish delivers to local subscribers immediately, then forwards the
// same message to other workers via the Backend.
func (b *Broadcaster) Publish(ctx context.Context, topicList []string, data json.RawMessage) {
	b.notifier.Publish(topicList, data)

	raw, err := json.Marshal(broadcastEnvelope{Topics: topicList, Data: data})
	if err != nil {
		log.Error().Err(err).Msg("broadcaster: failed to encode envelope")
		return
	}
	if err := b.backend.Publish(ctx, b.channel, raw); err != nil {
		log.Warn().Err(err).Msg("broadcaster: failed to publish to backend")
	}
}
