// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package jwtauth models the Signer abstraction spec.md treats as an
// external collaborator: issuing and validating the bearer tokens used
// by the Pub/Sub Endpoint and the rest of the Server's HTTP API.
//
// Signing/verification internals (RS256 signing, claim verification, JWKS
// encoding) are kept here rather than inlined in internal/server so both
// the Server and any test harness can construct a Signer without pulling
// in the HTTP layer. No keys are generated or rotated here; the Server's
// signing key is generated and persisted by internal/server/jwks.
package jwtauth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSigningDisabled is returned by Sign and reported as 503 by callers
// when no signing key is configured (development mode).
var ErrSigningDisabled = errors.New("jwtauth: signing disabled (no key configured)")

// Claims is the JWT claim set OPAL issues and validates. PermittedTopics,
// when non-nil, restricts which topics the bearer may subscribe to
// (§4.3); a nil slice means unrestricted.
type Claims struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	PermittedTopics []string `json:"permitted_topics,omitempty"`
	jwt.RegisteredClaims
}

// IssueRequest describes a token to be minted via POST /token.
type IssueRequest struct {
	ID     string
	Type   string
	TTL    time.Duration
	Claims map[string]any
}

// Signer issues and validates bearer tokens. A nil Signer (or one
// constructed with no key) behaves as "signing disabled": Sign returns
// ErrSigningDisabled and Verify accepts everything (development mode),
// matching spec.md §4.3's "no authentication when signing keys are
// absent".
type Signer interface {
	Sign(req IssueRequest) (token string, err error)
	Verify(token string) (*Claims, error)
	// Enabled reports whether a signing key is configured.
	Enabled() bool
	// JWKS returns the public verification key set.
	JWKS() (JWKS, error)
}

// RSASigner signs with RS256 using an in-memory keypair. It is safe for
// concurrent use.
type RSASigner struct {
	kid string
	key *rsa.PrivateKey
}

// NewRSASigner wraps a keypair in a Signer. Pass a nil key to get a
// disabled Signer (development mode).
func NewRSASigner(kid string, key *rsa.PrivateKey) *RSASigner {
	return &RSASigner{kid: kid, key: key}
}

func (s *RSASigner) Enabled() bool { return s != nil && s.key != nil }

func (s *RSASigner) Sign(req IssueRequest) (string, error) {
	if !s.Enabled() {
		return "", ErrSigningDisabled
	}

	now := time.Now()
	claims := &Claims{
		ID:   req.ID,
		Type: req.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if req.TTL != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(req.TTL))
	}
	if topics, ok := req.Claims["permitted_topics"]; ok {
		if ts, ok := topics.([]string); ok {
			claims.PermittedTopics = ts
		}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid

	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("jwtauth: sign token: %w", err)
	}
	return signed, nil
}

func (s *RSASigner) Verify(token string) (*Claims, error) {
	if !s.Enabled() {
		// Development mode: no signing key configured means no
		// verification is performed either.
		return &Claims{}, nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("jwtauth: unexpected signing method %v", t.Header["alg"])
		}
		return &s.key.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwtauth: parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("jwtauth: invalid token")
	}
	return claims, nil
}

// JWKKey is a single RFC 7517 JSON Web Key (RSA public key, minimal
// field set).
type JWKKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the JSON Web Key Set document served at
// /.well-known/jwks.json.
type JWKS struct {
	Keys []JWKKey `json:"keys"`
}

func (s *RSASigner) JWKS() (JWKS, error) {
	if !s.Enabled() {
		return JWKS{Keys: []JWKKey{}}, nil
	}
	n, e := rsaPublicKeyComponents(&s.key.PublicKey)
	return JWKS{Keys: []JWKKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: s.kid,
		Alg: "RS256",
		N:   n,
		E:   e,
	}}}, nil
}
