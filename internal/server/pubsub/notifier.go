// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package pubsub is the in-process Topic Notifier (spec.md §4.1) plus
// the optional cross-worker Broadcaster (§4.2) and the websocket
// Pub/Sub Endpoint (§4.3) that exposes both to remote Clients.
//
// The Notifier itself mirrors the teacher's PolicyHub (internal ring
// buffer + fan-out channels) generalized from a single policy-update
// stream to arbitrary string topics with ancestor expansion.
package pubsub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opalmesh/opal/pkg/topics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Callback is invoked once per delivered message, in order, on a
// dedicated goroutine for this subscription. It must not block for long
// — a slow callback only delays its own subscription, not others, but an
// unbounded producer will eventually trigger the overflow policy.
type Callback func(topic string, data json.RawMessage)

// RestrictionFunc validates a subscribe request's topics against
// arbitrary caller claims (typically JWT claims forwarded by the
// websocket endpoint). It returns the subset of topics the caller is
// NOT permitted to subscribe to; a non-empty result fails the whole
// call (spec.md §4.1, §4.3).
type RestrictionFunc func(claims any, topics []string) (unauthorized []string)

// Observer is notified of subscribe/unsubscribe events — used by the
// Server's ClientTracker/Statistics component.
type Observer interface {
	OnSubscribe(subscriberID string, topics []string)
	OnUnsubscribe(subscriberID string, topics []string)
}

// defaultQueueSize bounds the per-subscription delivery channel. When
// full, the new message is dropped for that subscription and the queued
// ones are kept (the Notifier makes no durability promises — spec.md §4.1).
const defaultQueueSize = 64

// Notifier is the Topic Notifier: a topic -> subscriber map plus a
// subscriber -> topic map for O(1) teardown on disconnect.
type Notifier struct {
	mu           sync.RWMutex
	byTopic      map[string]map[string]*subscription
	bySubscriber map[string]map[string]*subscription
	restriction  RestrictionFunc
	observers    []Observer
	queueSize    int
	logger       zerolog.Logger
}

type subscription struct {
	subscriberID string
	topic        string
	ch           chan delivery
	done         chan struct{}
}

type delivery struct {
	topic string
	data  json.RawMessage
}

// New creates a ready-to-use Notifier.
func New() *Notifier {
	return &Notifier{
		byTopic:      make(map[string]map[string]*subscription),
		bySubscriber: make(map[string]map[string]*subscription),
		queueSize:    defaultQueueSize,
		logger:       log.With().Str("component", "notifier").Logger(),
	}
}

// AddChannelRestriction installs (or replaces) the topic-authorization
// predicate consulted on every Subscribe call.
func (n *Notifier) AddChannelRestriction(fn RestrictionFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restriction = fn
}

// AddObserver registers an Observer for subscribe/unsubscribe events.
func (n *Notifier) AddObserver(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// ErrUnauthorized is returned by Subscribe when the channel restriction
// rejects one or more requested topics.
type ErrUnauthorized struct {
	Topics []string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("pubsub: unauthorized for topics %v", e.Topics)
}

// Subscribe registers subscriberID's callback for every topic in
// topicList. Duplicate (subscriberID, topic) pairs are idempotent: the
// existing subscription's delivery channel is kept.
func (n *Notifier) Subscribe(subscriberID string, topicList []string, claims any, cb Callback) error {
	if n.restriction != nil {
		if unauthorized := n.restriction(claims, topicList); len(unauthorized) > 0 {
			return &ErrUnauthorized{Topics: unauthorized}
		}
	}

	n.mu.Lock()
	subs, ok := n.bySubscriber[subscriberID]
	if !ok {
		subs = make(map[string]*subscription)
		n.bySubscriber[subscriberID] = subs
	}

	for _, topic := range topicList {
		if _, exists := subs[topic]; exists {
			continue // idempotent
		}

		sub := &subscription{
			subscriberID: subscriberID,
			topic:        topic,
			ch:           make(chan delivery, n.queueSize),
			done:         make(chan struct{}),
		}
		subs[topic] = sub

		byTopic, ok := n.byTopic[topic]
		if !ok {
			byTopic = make(map[string]*subscription)
			n.byTopic[topic] = byTopic
		}
		byTopic[subscriberID] = sub

		go n.deliverLoop(sub, cb)
	}
	n.mu.Unlock()

	n.notifyObservers(func(o Observer) { o.OnSubscribe(subscriberID, topicList) })
	return nil
}

// deliverLoop serializes delivery for a single subscription: messages
// are processed strictly in the order they were enqueued, but
// independently of every other subscription's loop.
func (n *Notifier) deliverLoop(sub *subscription, cb Callback) {
	for {
		select {
		case d := <-sub.ch:
			cb(d.topic, d.data)
		case <-sub.done:
			return
		}
	}
}

// Unsubscribe removes subscriberID's subscriptions. An empty topicList
// means ALL of the subscriber's topics.
func (n *Notifier) Unsubscribe(subscriberID string, topicList []string) {
	n.mu.Lock()
	subs, ok := n.bySubscriber[subscriberID]
	if !ok {
		n.mu.Unlock()
		return
	}

	targets := topicList
	if len(targets) == 0 {
		targets = make([]string, 0, len(subs))
		for t := range subs {
			targets = append(targets, t)
		}
	}

	var removed []string
	for _, topic := range targets {
		sub, exists := subs[topic]
		if !exists {
			continue
		}
		close(sub.done)
		delete(subs, topic)
		if byTopic, ok := n.byTopic[topic]; ok {
			delete(byTopic, subscriberID)
			if len(byTopic) == 0 {
				delete(n.byTopic, topic)
			}
		}
		removed = append(removed, topic)
	}
	if len(subs) == 0 {
		delete(n.bySubscriber, subscriberID)
	}
	n.mu.Unlock()

	if len(removed) > 0 {
		n.notifyObservers(func(o Observer) { o.OnUnsubscribe(subscriberID, removed) })
	}
}

// Publish expands each logical topic into its ancestor chain and
// delivers data to every subscriber registered on any ancestor. The
// topic value handed to each subscriber's callback is the original
// logical topic published, not the ancestor it subscribed to.
func (n *Notifier) Publish(topicList []string, data json.RawMessage) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, topic := range topicList {
		recipients := make(map[string]*subscription)
		for _, ancestor := range topics.Expand(topic) {
			for subID, sub := range n.byTopic[ancestor] {
				recipients[subID] = sub
			}
		}

		for _, sub := range recipients {
			select {
			case sub.ch <- delivery{topic: topic, data: data}:
			default:
				// Overflow policy: drop this message for a slow
				// subscriber rather than block the publisher.
				n.logger.Warn().Str("subscriber", sub.subscriberID).Str("topic", topic).
					Msg("dropping message for slow subscriber")
			}
		}
	}
}

// SubscriberCount returns the number of distinct subscriberIDs
// registered on topic (not expanded — exact match only), for use by the
// Statistics component.
func (n *Notifier) SubscriberCount(topic string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.byTopic[topic])
}

func (n *Notifier) notifyObservers(fn func(Observer)) {
	n.mu.RLock()
	observers := append([]Observer(nil), n.observers...)
	n.mu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}
