// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package leader provides the Leader Lock: a mutual-exclusion
// primitive ensuring only one Server worker at a time runs the Policy
// Source watcher, so concurrent workers never race to clone/poll the
// same upstream repository.
//
// Two backends are provided: FileLock for a single host running
// multiple worker processes (grounded on gofrs/flock), and RaftLock for
// a cluster of Server replicas across hosts (grounded on the teacher
// pack's hashicorp/raft usage in cuemby-warren).
package leader

import "context"

// Lock is held by at most one caller at a time across however many
// Server workers/replicas share it. Acquire blocks until the lock is
// held or ctx is canceled. Release gives it up; a held Lock is also
// released automatically if the process exits or loses its backing
// session (flock: process death; raft: leadership loss).
type Lock interface {
	// Acquire blocks until this worker becomes leader or ctx is done.
	Acquire(ctx context.Context) error
	// IsLeader reports current leadership without blocking.
	IsLeader() bool
	// Release gives up leadership voluntarily.
	Release() error
}
