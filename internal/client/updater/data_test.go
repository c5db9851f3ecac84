// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package updater

import (
	"context"
	"testing"

	"github.com/opalmesh/opal/internal/client/fetch"
	"github.com/opalmesh/opal/internal/client/txlog"
	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

func TestNormalizeWriteWrapsRootList(t *testing.T) {
	path, value := normalizeWrite("", []any{"a", "b"})
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("value = %T, want map[string]any", value)
	}
	items, ok := m["items"].([]any)
	if !ok || len(items) != 2 {
		t.Errorf("items = %v, want [a b]", m["items"])
	}
}

func TestNormalizeWritePrefixesSlash(t *testing.T) {
	path, _ := normalizeWrite("config", map[string]any{"x": 1})
	if path != "/config" {
		t.Errorf("path = %q, want /config", path)
	}
}

func TestNormalizeWriteDotIsRoot(t *testing.T) {
	path, _ := normalizeWrite(".", map[string]any{"x": 1})
	if path != "" {
		t.Errorf("path = %q, want empty for root", path)
	}
}

func TestProviderFromConfig(t *testing.T) {
	if got := providerFromConfig([]byte(`{"fetcher":"HttpGetFetchProvider"}`)); got != "HttpGetFetchProvider" {
		t.Errorf("providerFromConfig = %q", got)
	}
	if got := providerFromConfig(nil); got != "" {
		t.Errorf("providerFromConfig(nil) = %q, want empty", got)
	}
}

func TestDataUpdaterSetWritesData(t *testing.T) {
	s := newFakeStore()
	u := NewDataUpdater(DataUpdaterConfig{Store: s, TxLog: txlog.NewTransactionLog(false, true)})

	entry := pubsubmsg.DataSourceEntry{URL: "http://x", DstPath: "config", SaveMethod: pubsubmsg.SavePut}
	u.handleResult(context.Background(), entry, "test", fetch.Result{Data: []byte(`{"enabled":true}`)})

	got, ok := s.data["/config"]
	if !ok {
		t.Fatal("expected data written at /config")
	}
	if got.(map[string]any)["enabled"] != true {
		t.Errorf("data[/config] = %v", got)
	}
}

func TestDataUpdaterRecordsFailureOnFetchError(t *testing.T) {
	s := newFakeStore()
	l := txlog.NewTransactionLog(false, true)
	u := NewDataUpdater(DataUpdaterConfig{Store: s, TxLog: l})

	entry := pubsubmsg.DataSourceEntry{URL: "http://x", DstPath: "config"}
	u.handleResult(context.Background(), entry, "test", fetch.Result{Err: errBoom})

	if l.Healthy() {
		t.Error("expected Healthy() to be false after a fetch error")
	}
}

var errBoom = fetchErr("boom")

type fetchErr string

func (e fetchErr) Error() string { return string(e) }
