// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package txlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opalmesh/opal/internal/client/store"
)

// HealthcheckPath is where TransactionLog.Persist writes its rendered
// health-check document, mirroring OpaTransactionLogPolicyWriter's
// POLICY_NAME constant but as a data document rather than a rego
// policy (see DESIGN.md: Open Questions, "healthcheck as data vs.
// rego").
const HealthcheckPath = "/system/opal/healthcheck"

// TransactionLog accumulates Store write outcomes into running
// counters and a ready/healthy verdict, grounded on
// OpaTransactionLogState in opa_client.py.
type TransactionLog struct {
	mu sync.Mutex

	policyUpdaterDisabled bool
	dataUpdaterDisabled   bool

	successfulPolicy int
	failedPolicy     int
	successfulData   int
	failedData       int

	lastPolicy       *store.Transaction
	lastFailedPolicy *store.Transaction
	lastData         *store.Transaction
	lastFailedData   *store.Transaction
}

// NewTransactionLog constructs a TransactionLog. Disabling an updater
// excludes it from the Ready/Healthy computation, the same way a
// deployment that only runs a Data Updater shouldn't wait forever for
// a policy transaction that will never come.
func NewTransactionLog(policyUpdaterEnabled, dataUpdaterEnabled bool) *TransactionLog {
	return &TransactionLog{
		policyUpdaterDisabled: !policyUpdaterEnabled,
		dataUpdaterDisabled:   !dataUpdaterEnabled,
	}
}

// Record files tx into the running counters and last-transaction
// pointers.
func (l *TransactionLog) Record(tx store.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := tx
	switch tx.Type {
	case store.TransactionPolicy:
		l.lastPolicy = &t
		if tx.Success {
			l.successfulPolicy++
		} else {
			l.lastFailedPolicy = &t
			l.failedPolicy++
		}
	case store.TransactionData:
		l.lastData = &t
		if tx.Success {
			l.successfulData++
		} else {
			l.lastFailedData = &t
			l.failedData++
		}
	}
}

// Ready reports whether every enabled updater has completed at least
// one successful transaction.
func (l *TransactionLog) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (l.policyUpdaterDisabled || l.successfulPolicy > 0) &&
		(l.dataUpdaterDisabled || l.successfulData > 0)
}

// Healthy reports whether every enabled updater's most recent
// transaction succeeded.
func (l *TransactionLog) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	policyHealthy := l.lastPolicy != nil && l.lastPolicy.Success
	dataHealthy := l.lastData != nil && l.lastData.Success
	return (l.policyUpdaterDisabled || policyHealthy) &&
		(l.dataUpdaterDisabled || dataHealthy)
}

// Snapshot is the JSON-able rendering of the transaction log's current
// state, written to the Store by Persist at HealthcheckPath, where it can
// be read back like any other data document.
type Snapshot struct {
	Ready   bool `json:"ready"`
	Healthy bool `json:"healthy"`

	PolicyStats struct {
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	} `json:"policy_statistics"`
	DataStats struct {
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	} `json:"data_statistics"`

	LastPolicyTransaction       *store.Transaction `json:"last_policy_transaction,omitempty"`
	LastFailedPolicyTransaction *store.Transaction `json:"last_failed_policy_transaction,omitempty"`
	LastDataTransaction         *store.Transaction `json:"last_data_transaction,omitempty"`
	LastFailedDataTransaction   *store.Transaction `json:"last_failed_data_transaction,omitempty"`

	RenderedAt time.Time `json:"rendered_at"`
}

// Snapshot renders the current counters and verdicts.
func (l *TransactionLog) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{RenderedAt: now}
	s.PolicyStats.Successful = l.successfulPolicy
	s.PolicyStats.Failed = l.failedPolicy
	s.DataStats.Successful = l.successfulData
	s.DataStats.Failed = l.failedData
	s.LastPolicyTransaction = l.lastPolicy
	s.LastFailedPolicyTransaction = l.lastFailedPolicy
	s.LastDataTransaction = l.lastData
	s.LastFailedDataTransaction = l.lastFailedData

	s.Ready = (l.policyUpdaterDisabled || l.successfulPolicy > 0) &&
		(l.dataUpdaterDisabled || l.successfulData > 0)
	policyHealthy := l.lastPolicy != nil && l.lastPolicy.Success
	dataHealthy := l.lastData != nil && l.lastData.Success
	s.Healthy = (l.policyUpdaterDisabled || policyHealthy) &&
		(l.dataUpdaterDisabled || dataHealthy)
	return s
}

// Persist writes the current snapshot into s at HealthcheckPath,
// mirroring OpaTransactionLogPolicyWriter.persist, so the same policy
// engine answering application queries can also answer "is the sidecar
// healthy" queries without a side channel.
func (l *TransactionLog) Persist(ctx context.Context, s store.Store, now time.Time) error {
	snap := l.Snapshot(now)
	if err := s.SetData(ctx, HealthcheckPath, snap); err != nil {
		return fmt.Errorf("store: persist healthcheck snapshot: %w", err)
	}
	return nil
}
