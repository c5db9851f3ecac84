// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package txlog

import (
	"testing"

	"github.com/opalmesh/opal/internal/client/store"
)

func TestReadyAndHealthy(t *testing.T) {
	l := NewTransactionLog(true, true)
	if l.Ready() {
		t.Error("Ready() should be false before any transaction")
	}

	l.Record(store.Transaction{Type: store.TransactionPolicy, Success: true})
	if l.Ready() {
		t.Error("Ready() should still be false until both updaters report success")
	}

	l.Record(store.Transaction{Type: store.TransactionData, Success: true})
	if !l.Ready() || !l.Healthy() {
		t.Error("Ready()/Healthy() should be true once both updaters have a successful transaction")
	}

	l.Record(store.Transaction{Type: store.TransactionData, Success: false, Error: "boom"})
	if l.Healthy() {
		t.Error("Healthy() should go false after the most recent data transaction fails")
	}
	if !l.Ready() {
		t.Error("Ready() should remain true once achieved even if a later transaction fails")
	}
}

func TestDisabledUpdaterExcludedFromVerdicts(t *testing.T) {
	l := NewTransactionLog(true, false)
	l.Record(store.Transaction{Type: store.TransactionPolicy, Success: true})
	if !l.Ready() || !l.Healthy() {
		t.Error("a disabled data updater should not block Ready()/Healthy()")
	}
}
