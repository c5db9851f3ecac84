// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package api assembles the Server's HTTP surface (spec.md §6) on top
// of the already-grounded components: the Topic Notifier/Broadcaster/
// Pub/Sub Endpoint, the Leader Lock, the Policy Source, the Bundle
// Maker, the Webhook Intake, and the supplemented Statistics/Audit/
// admin-login/JWKS components.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opalmesh/opal/internal/server/bundlemaker"
	"github.com/opalmesh/opal/pkg/bundle"
)

// ErrUnknownBaseHash is returned by PolicyCache.BundleFor when the
// caller's base_hash is not one this Server remembers serving, per
// spec.md §6's "404 if base_hash unknown" contract — the HTTP layer
// maps it to a 404 response.
var ErrUnknownBaseHash = errors.New("api: base_hash unknown to server")

// gitCommitResolver is satisfied by *source.GitSource; kept as a small
// local interface so PolicyCache doesn't import internal/server/source
// just for this one method (and so it's trivially fakeable in tests).
type gitCommitResolver interface {
	CommitObject(rev string) (*object.Commit, error)
}

const maxKnownRevisions = 64

// PolicyCache rebuilds and remembers complete bundles for one tracked
// directory, and produces deltas between known revisions when the
// underlying source is git-backed (component G's MakeDiffBundle).
// Bundle-server-backed sources have no commit graph to diff, so for them
// any base_hash other than empty or the current revision is answered
// with ErrUnknownBaseHash (a 404), after which the Client refetches a
// complete bundle — documented in DESIGN.md (the Client still converges;
// it simply never gets the bandwidth savings of a delta).
type PolicyCache struct {
	mu       sync.Mutex
	maker    *bundlemaker.Maker
	resolver gitCommitResolver // nil for non-git sources

	known   []string // revision hashes, oldest first, bounded
	current string
	latest  *bundle.Bundle

	logger zerolog.Logger
}

// NewPolicyCache constructs a PolicyCache. resolver may be nil when the
// backing source has no commit graph (a BundleSource).
func NewPolicyCache(maker *bundlemaker.Maker, resolver gitCommitResolver, dir string) *PolicyCache {
	return &PolicyCache{
		maker:    maker,
		resolver: resolver,
		logger:   log.With().Str("component", "policy-cache").Str("directory", dir).Logger(),
	}
}

// Seed builds the initial complete bundle at the source's current
// revision. Call once after the source's first successful clone/fetch.
func (c *PolicyCache) Seed(rev string) error {
	return c.rebuild(rev)
}

// Rebuild is the Policy Source's OnChange callback: builds a fresh
// complete bundle for the new revision and records it as a known
// revision. oldRev is not recorded; it is known only if this cache built
// it earlier, and only a Client holding a known revision is served a delta.
func (c *PolicyCache) Rebuild(_ context.Context, _oldRev, newRev string) error {
	return c.rebuild(newRev)
}

func (c *PolicyCache) rebuild(rev string) error {
	b, err := c.maker.MakeBundle(rev)
	if err != nil {
		return fmt.Errorf("api: build complete bundle at %s: %w", rev, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = rev
	c.latest = b
	c.known = append(c.known, rev)
	if len(c.known) > maxKnownRevisions {
		c.known = c.known[len(c.known)-maxKnownRevisions:]
	}
	c.logger.Info().Str("revision", rev).Int("policy_modules", len(b.PolicyModules)).Msg("api: rebuilt policy bundle")
	return nil
}

// CurrentRevision returns the most recently built revision.
func (c *PolicyCache) CurrentRevision() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// BundleFor returns the bundle a Client holding baseHash should apply:
// the cached complete bundle when baseHash is empty or already current,
// a git delta when the source supports it and baseHash is a known past
// revision, or ErrUnknownBaseHash otherwise.
func (c *PolicyCache) BundleFor(baseHash string) (*bundle.Bundle, error) {
	c.mu.Lock()
	current := c.current
	latest := c.latest
	resolver := c.resolver
	known := c.isKnownLocked(baseHash)
	c.mu.Unlock()

	if latest == nil {
		return nil, errors.New("api: no bundle built yet")
	}
	if baseHash == "" || baseHash == current {
		return latest, nil
	}
	if !known || resolver == nil {
		return nil, ErrUnknownBaseHash
	}

	oldCommit, err := resolver.CommitObject(baseHash)
	if err != nil {
		return nil, ErrUnknownBaseHash
	}
	newCommit, err := resolver.CommitObject(current)
	if err != nil {
		return nil, fmt.Errorf("api: resolve current revision %s: %w", current, err)
	}
	return c.maker.MakeDiffBundle(oldCommit, newCommit)
}

func (c *PolicyCache) isKnownLocked(rev string) bool {
	for _, k := range c.known {
		if k == rev {
			return true
		}
	}
	return false
}
