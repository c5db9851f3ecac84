// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package jwks manages the Server's RSA signing keypair: generating it
// on first run, persisting it to disk, and loading it back on every
// subsequent start so restarts don't invalidate tokens already handed
// out to Clients.
//
// Grounded on pki.go's EnsureCA/EnsureServerCert pattern (check for an
// existing PEM pair, generate one if absent) but reworked for a single
// signing keypair: there is no CA to chain to and no certificate, just
// an RSA private key wrapped by pkg/jwtauth.RSASigner.
package jwks

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/opalmesh/opal/pkg/jwtauth"
)

const keyBits = 2048

// EnsureSigningKey loads the RSA signing key from dir/signing.key,
// generating and persisting a new one (with a fresh kid) if absent. An
// empty dir disables persistence: a key is generated in memory but not
// written to disk, and a new one will be minted on every restart — fine
// for development, wrong for a production fleet where a restart
// shouldn't invalidate every token already handed to a Client.
func EnsureSigningKey(dir string) (*rsa.PrivateKey, string, error) {
	if dir == "" {
		key, err := rsa.GenerateKey(rand.Reader, keyBits)
		if err != nil {
			return nil, "", fmt.Errorf("jwks: generate signing key: %w", err)
		}
		return key, uuid.NewString(), nil
	}

	keyPath := filepath.Join(dir, "signing.key")
	kidPath := filepath.Join(dir, "signing.kid")

	if fileExists(keyPath) && fileExists(kidPath) {
		key, err := loadKey(keyPath)
		if err != nil {
			return nil, "", err
		}
		kid, err := os.ReadFile(kidPath)
		if err != nil {
			return nil, "", fmt.Errorf("jwks: read kid file %s: %w", kidPath, err)
		}
		return key, string(kid), nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("jwks: create signing key dir %s: %w", dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, "", fmt.Errorf("jwks: generate signing key: %w", err)
	}
	kid := uuid.NewString()

	if err := writeKey(keyPath, key); err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(kidPath, []byte(kid), 0o600); err != nil {
		return nil, "", fmt.Errorf("jwks: write kid file %s: %w", kidPath, err)
	}

	return key, kid, nil
}

// NewSigner is a convenience wrapper combining EnsureSigningKey with
// jwtauth.NewRSASigner. Passing an empty dir yields a signer with a
// freshly generated, unpersisted key (development mode, signing still
// enabled); to fully disable signing, construct
// jwtauth.NewRSASigner("", nil) directly instead of calling this.
func NewSigner(dir string) (*jwtauth.RSASigner, error) {
	key, kid, err := EnsureSigningKey(dir)
	if err != nil {
		return nil, err
	}
	return jwtauth.NewRSASigner(kid, key), nil
}

func loadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jwks: read signing key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("jwks: decode signing key PEM %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwks: parse signing key %s: %w", path, err)
	}
	return key, nil
}

func writeKey(path string, key *rsa.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("jwks: create signing key file %s: %w", path, err)
	}
	defer f.Close()

	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.Encode(f, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
