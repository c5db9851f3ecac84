// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/opalmesh/opal/internal/server/audit"
	"github.com/opalmesh/opal/internal/server/bundlemaker"
	serverpubsub "github.com/opalmesh/opal/internal/server/pubsub"
	"github.com/opalmesh/opal/internal/server/stats"
	"github.com/opalmesh/opal/pkg/jwtauth"
	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.rego"), []byte("package a\n"), 0o644); err != nil {
		t.Fatalf("seed fixture: %v", err)
	}
	maker := bundlemaker.New(root, []string{"."}, nil)
	cache := NewPolicyCache(maker, nil, ".")
	if err := cache.Seed("rev1"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	return New(Config{
		Notifier:    serverpubsub.New(),
		Signer:      jwtauth.NewRSASigner("", nil),
		Directories: []Directory{{Path: ".", Cache: cache}},
		Stats:       stats.New(nil),
		Audit:       audit.NewInMemory(10),
		MasterToken: "",
	})
}

func TestHandleHealthcheck(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandlePolicyUnknownDirectory(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/policy?path=nope", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlePolicyComplete(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/policy?path=.", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["hash"] != "rev1" {
		t.Fatalf("hash = %v, want rev1", body["hash"])
	}
}

func TestHandleTokenDevModeSigningDisabled(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(tokenRequest{ID: "client-1", Type: "client"})
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	// Signing is disabled (nil key) in this fixture, per jwtauth's
	// development-mode contract: authorization passes (no guard
	// configured) but minting is unavailable.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleTokenRejectsWrongMasterToken(t *testing.T) {
	s := newTestServer(t)
	s.cfg.MasterToken = "correct-token"

	body, _ := json.Marshal(tokenRequest{ID: "client-1", Type: "client"})
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleJWKSEmptyWhenSigningDisabled(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var set jwtauth.JWKS
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) != 0 {
		t.Fatalf("expected no keys, got %d", len(set.Keys))
	}
}

func TestHandleDataConfigReturnsConfiguredEntries(t *testing.T) {
	s := newTestServer(t)
	s.cfg.DataEntries = []pubsubmsg.DataSourceEntry{{URL: "http://example.com/data"}}
	req := httptest.NewRequest(http.MethodPost, "/data/config", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var cfg pubsubmsg.ServerDataSourceConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(cfg.Entries) != 1 || cfg.Entries[0].URL != "http://example.com/data" {
		t.Fatalf("entries = %+v, want the one configured entry", cfg.Entries)
	}
}

func TestHandleStatisticsNoAuthWhenSigningDisabled(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/statistics", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleTransactionsRecordsIntoAudit(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(transactionRequest{ClientID: "c1", Kind: "policy", Success: true})
	req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	records, err := s.cfg.Audit.ListTransactions(req.Context(), "", 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(records) != 1 || records[0].ClientID != "c1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}
