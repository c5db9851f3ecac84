// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package source implements the Policy Source (component F): a
// revision watcher over an upstream policy repository, producing a
// monotonic stream of (old_hash, new_hash) transitions that drive
// bundle construction and policy:<topic> publishes.
//
// Two variants are provided: GitSource tracks a git remote branch
// (go-git), BundleSource polls a bundle-server URL by ETag/hash. Both
// satisfy the same Watcher interface so the Server wires either behind
// one polling/webhook-trigger loop.
//
// Grounded on _examples/original_source/opal_common/git/repo_watcher.py:
// clone-then-poll shape, on_new_commits/on_failure callback
// registration, and a CheckForChanges method triggerable independently
// by the polling loop or a webhook.
package source

import (
	"context"
	"time"
)

// Revision identifies the state of the policy source content: a git
// commit hash or a bundle content hash.
type Revision = string

// ChangeCallback is invoked once per detected change, in order. oldRev
// is empty on the very first successful check after Run (nothing to
// diff against yet — callers should treat that as "start from scratch").
type ChangeCallback func(ctx context.Context, oldRev, newRev Revision)

// FailureCallback is invoked when a check fails without immediate
// possibility of recovery (bad URL, auth failure, repo missing).
type FailureCallback func(err error)

// Watcher polls (or is told to check) an upstream policy source and
// reports revision changes.
type Watcher interface {
	// Run performs the initial fetch and, if pollInterval > 0 set at
	// construction, starts a background polling loop. It returns once
	// the initial fetch completes (successfully or not); the polling
	// loop, if any, continues until ctx passed to Run is canceled.
	Run(ctx context.Context) error
	// CheckForChanges triggers an immediate out-of-band check, e.g. from
	// a webhook delivery. Safe to call concurrently with the polling
	// loop; checks are serialized internally.
	CheckForChanges(ctx context.Context) error
	// CurrentRevision returns the last known revision, or "" if Run has
	// not yet completed a successful check.
	CurrentRevision() Revision
	OnChange(cb ChangeCallback)
	OnFailure(cb FailureCallback)
}

// pollLoop runs fn every interval until ctx is done. Shared by both
// Watcher implementations.
func pollLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
