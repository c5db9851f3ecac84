// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package stats is the Server's ClientTracker (spec.md's supplemented
// statistics component): it observes every Subscribe/Unsubscribe on the
// Topic Notifier and keeps a live map of connected clients to the
// topics each one currently holds, exposed both as a JSON snapshot for
// GET /statistics and as Prometheus gauges.
//
// Grounded on original_source/opal_server/statistics.py's OpalStatistics
// (a subscriber-id -> topic-list map built from Notifier
// subscribe/unsubscribe callbacks), adapted to the Notifier's
// pubsub.Observer interface instead of a dedicated "stats" topic
// subscription.
package stats

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientInfo is one connected client's current subscription set.
type ClientInfo struct {
	ClientID string   `json:"client_id"`
	Topics   []string `json:"topics"`
}

// Snapshot is the payload served at GET /statistics.
type Snapshot struct {
	ClientCount int          `json:"client_count"`
	Clients     []ClientInfo `json:"clients"`
}

// Tracker implements pubsub.Observer and accumulates per-client topic
// sets. It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	clients map[string]map[string]struct{} // subscriberID -> topic set

	connectedGauge prometheus.Gauge
	topicsGauge    *prometheus.GaugeVec
}

// New constructs a Tracker and registers its gauges with reg. Passing a
// nil registry skips Prometheus registration (used in tests).
func New(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		clients: make(map[string]map[string]struct{}),
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opal_server",
			Name:      "connected_clients",
			Help:      "Number of clients currently connected to the pub/sub endpoint.",
		}),
		topicsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opal_server",
			Name:      "topic_subscribers",
			Help:      "Number of clients subscribed to each topic.",
		}, []string{"topic"}),
	}
	if reg != nil {
		reg.MustRegister(t.connectedGauge, t.topicsGauge)
	}
	return t
}

// OnSubscribe records that subscriberID now holds topics, in addition
// to whatever it already held.
func (t *Tracker) OnSubscribe(subscriberID string, topics []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.clients[subscriberID]
	if !ok {
		set = make(map[string]struct{})
		t.clients[subscriberID] = set
	}
	for _, topic := range topics {
		set[topic] = struct{}{}
	}
	t.refreshGaugesLocked()
}

// OnUnsubscribe removes topics from subscriberID's held set. When
// topics is empty the client is dropped entirely (disconnect).
func (t *Tracker) OnUnsubscribe(subscriberID string, topics []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.clients[subscriberID]
	if !ok {
		return
	}
	if len(topics) == 0 {
		delete(t.clients, subscriberID)
		t.refreshGaugesLocked()
		return
	}
	for _, topic := range topics {
		delete(set, topic)
	}
	if len(set) == 0 {
		delete(t.clients, subscriberID)
	}
	t.refreshGaugesLocked()
}

// Snapshot returns the current client/topic state. The caller owns the
// result; it is not mutated after return.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := Snapshot{Clients: make([]ClientInfo, 0, len(t.clients))}
	for id, set := range t.clients {
		topics := make([]string, 0, len(set))
		for topic := range set {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		out.Clients = append(out.Clients, ClientInfo{ClientID: id, Topics: topics})
	}
	sort.Slice(out.Clients, func(i, j int) bool { return out.Clients[i].ClientID < out.Clients[j].ClientID })
	out.ClientCount = len(out.Clients)
	return out
}

// refreshGaugesLocked recomputes the Prometheus gauges from the current
// state. Called with t.mu held.
func (t *Tracker) refreshGaugesLocked() {
	t.connectedGauge.Set(float64(len(t.clients)))

	counts := make(map[string]int)
	for _, set := range t.clients {
		for topic := range set {
			counts[topic]++
		}
	}
	t.topicsGauge.Reset()
	for topic, n := range counts {
		t.topicsGauge.WithLabelValues(topic).Set(float64(n))
	}
}
