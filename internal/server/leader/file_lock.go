// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package leader

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// pollInterval is how often FileLock retries TryLock while waiting to
// acquire an already-held lock.
const pollInterval = 500 * time.Millisecond

// FileLock is a single-host Leader Lock backed by an advisory file lock
// via flock(2)/LockFileEx. It is suitable when all Server workers share
// a filesystem (the common case: multiple workers of one process, or
// multiple containers on one node sharing a volume) but not across
// independent hosts.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock opens (without acquiring) an advisory lock at path. The
// path's parent directory must already exist.
func NewFileLock(path string) *FileLock {
	return &FileLock{fl: flock.New(path)}
}

func (f *FileLock) Acquire(ctx context.Context) error {
	locked, err := f.fl.TryLockContext(ctx, pollInterval)
	if err != nil {
		return fmt.Errorf("leader: file lock: %w", err)
	}
	if !locked {
		return ctx.Err()
	}
	return nil
}

func (f *FileLock) IsLeader() bool {
	return f.fl.Locked()
}

func (f *FileLock) Release() error {
	if err := f.fl.Unlock(); err != nil {
		return fmt.Errorf("leader: release file lock: %w", err)
	}
	return nil
}
