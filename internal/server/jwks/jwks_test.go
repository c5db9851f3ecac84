// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package jwks

import (
	"path/filepath"
	"testing"
)

func TestEnsureSigningKeyPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()

	key1, kid1, err := EnsureSigningKey(dir)
	if err != nil {
		t.Fatalf("EnsureSigningKey: %v", err)
	}
	if kid1 == "" {
		t.Fatal("expected a non-empty kid")
	}

	key2, kid2, err := EnsureSigningKey(dir)
	if err != nil {
		t.Fatalf("EnsureSigningKey (reload): %v", err)
	}
	if kid1 != kid2 {
		t.Errorf("kid changed across reload: %q != %q", kid1, kid2)
	}
	if key1.N.Cmp(key2.N) != 0 {
		t.Error("reloaded key modulus differs from generated key")
	}
}

func TestEnsureSigningKeyEmptyDirIsUnpersisted(t *testing.T) {
	key1, kid1, err := EnsureSigningKey("")
	if err != nil {
		t.Fatalf("EnsureSigningKey: %v", err)
	}
	key2, kid2, err := EnsureSigningKey("")
	if err != nil {
		t.Fatalf("EnsureSigningKey: %v", err)
	}
	if kid1 == kid2 || key1.N.Cmp(key2.N) == 0 {
		t.Error("expected a fresh key and kid on every call with no dir")
	}
}

func TestNewSignerProducesWorkingSigner(t *testing.T) {
	dir := t.TempDir()
	signer, err := NewSigner(dir)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if !signer.Enabled() {
		t.Fatal("expected signer to be enabled")
	}

	jwksDoc, err := signer.JWKS()
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	if len(jwksDoc.Keys) != 1 {
		t.Fatalf("expected 1 key in JWKS, got %d", len(jwksDoc.Keys))
	}

	_ = filepath.Join(dir, "signing.key")
}
