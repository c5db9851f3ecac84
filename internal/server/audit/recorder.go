// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package audit

import (
	"context"
	"sync"
)

// Recorder is the interface the rest of the Server depends on, letting
// the HTTP API and notifier glue code stay agnostic to whether history
// is durable (*Store, Postgres-backed) or ephemeral (*InMemory, for
// deployments without a database).
type Recorder interface {
	RecordTransaction(ctx context.Context, rec TransactionRecord) error
	ListTransactions(ctx context.Context, clientID string, limit int) ([]TransactionRecord, error)
	RecordEvent(ctx context.Context, kind, details string) error
}

var (
	_ Recorder = (*Store)(nil)
	_ Recorder = (*InMemory)(nil)
)

// InMemory is a bounded ring-buffer Recorder for deployments that run
// without Postgres. History does not survive a restart.
type InMemory struct {
	mu           sync.Mutex
	capacity     int
	transactions []TransactionRecord
	nextID       int64
}

// NewInMemory constructs an InMemory recorder holding at most capacity
// transactions (oldest dropped first). capacity <= 0 defaults to 1000.
func NewInMemory(capacity int) *InMemory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemory{capacity: capacity}
}

func (m *InMemory) RecordTransaction(_ context.Context, rec TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	m.transactions = append(m.transactions, rec)
	if len(m.transactions) > m.capacity {
		m.transactions = m.transactions[len(m.transactions)-m.capacity:]
	}
	return nil
}

func (m *InMemory) ListTransactions(_ context.Context, clientID string, limit int) ([]TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.transactions) {
		limit = len(m.transactions)
	}

	out := make([]TransactionRecord, 0, limit)
	for i := len(m.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if clientID != "" && m.transactions[i].ClientID != clientID {
			continue
		}
		out = append(out, m.transactions[i])
	}
	return out, nil
}

func (m *InMemory) RecordEvent(_ context.Context, kind, details string) error {
	// Server events are operational context, not per-client history;
	// InMemory deployments surface them through logs instead of storage.
	return nil
}
