// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
)

func githubPayload(url string) []byte {
	return []byte(`{"ref":"refs/heads/main","repository":{"clone_url":"` + url + `","full_name":"org/repo"}}`)
}

func TestHandlerTriggersOnMatchingSignedPayload(t *testing.T) {
	secret := "shh"
	body := githubPayload("https://example.com/org/repo.git")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	triggered := false
	h := NewHandler(Config{
		Secret:           secret,
		SecretType:       SecretSignature,
		SecretHeaderName: "X-Hub-Signature-256",
		UpstreamURL:      "https://example.com/org/repo.git",
	}, func() { triggered = true })

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !triggered {
		t.Error("trigger was not called for a valid signed payload naming the upstream repo")
	}
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	body := githubPayload("https://example.com/org/repo.git")
	h := NewHandler(Config{
		Secret:           "shh",
		SecretType:       SecretSignature,
		SecretHeaderName: "X-Hub-Signature-256",
		UpstreamURL:      "https://example.com/org/repo.git",
	}, func() { t.Fatal("trigger should not be called") })

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerIgnoresUnrelatedRepo(t *testing.T) {
	body := githubPayload("https://example.com/other/repo.git")
	h := NewHandler(Config{UpstreamURL: "https://example.com/org/repo.git"}, func() {
		t.Fatal("trigger should not fire for an unrelated repo")
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"ignored"`)) {
		t.Errorf("body = %s, want status=ignored", rec.Body.String())
	}
}

func TestHandlerTokenMode(t *testing.T) {
	triggered := false
	h := NewHandler(Config{
		Secret:           "tok123",
		SecretType:       SecretToken,
		SecretHeaderName: "X-Gitlab-Token",
		UpstreamURL:      "https://example.com/org/repo.git",
	}, func() { triggered = true })

	body := githubPayload("https://example.com/org/repo.git")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Token", "tok123")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !triggered {
		t.Fatalf("status=%d triggered=%v, want 200/true", rec.Code, triggered)
	}
}
