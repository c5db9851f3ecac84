// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package jwtauth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"
)

func testSigner(t *testing.T) *RSASigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return NewRSASigner("test-kid", key)
}

func TestSignAndVerify(t *testing.T) {
	s := testSigner(t)

	tok, err := s.Sign(IssueRequest{ID: "client-1", Type: "client", TTL: time.Minute})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ID != "client-1" || claims.Type != "client" {
		t.Errorf("claims = %+v, want ID=client-1 Type=client", claims)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := testSigner(t)

	tok, err := s.Sign(IssueRequest{ID: "x", Type: "client", TTL: -time.Minute})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := s.Verify(tok); err == nil {
		t.Fatal("Verify() = nil error, want expiry rejection")
	}
}

func TestDisabledSignerIsDevelopmentMode(t *testing.T) {
	var s *RSASigner = NewRSASigner("", nil)
	if s.Enabled() {
		t.Fatal("Enabled() = true for nil key")
	}
	if _, err := s.Sign(IssueRequest{ID: "a", Type: "client"}); err != ErrSigningDisabled {
		t.Errorf("Sign() error = %v, want ErrSigningDisabled", err)
	}
	claims, err := s.Verify("anything")
	if err != nil {
		t.Fatalf("Verify() in dev mode = %v, want nil error", err)
	}
	if claims == nil {
		t.Fatal("Verify() in dev mode returned nil claims")
	}
}

func TestPermittedTopicsClaim(t *testing.T) {
	s := testSigner(t)
	tok, err := s.Sign(IssueRequest{
		ID:   "c1",
		Type: "client",
		TTL:  time.Hour,
		Claims: map[string]any{
			"permitted_topics": []string{"policy:."},
		},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(claims.PermittedTopics) != 1 || claims.PermittedTopics[0] != "policy:." {
		t.Errorf("PermittedTopics = %v, want [policy:.]", claims.PermittedTopics)
	}
}

func TestJWKS(t *testing.T) {
	s := testSigner(t)
	set, err := s.JWKS()
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("JWKS returned %d keys, want 1", len(set.Keys))
	}
	if set.Keys[0].Kid != "test-kid" || set.Keys[0].Kty != "RSA" {
		t.Errorf("key = %+v, want kid=test-kid kty=RSA", set.Keys[0])
	}
}
