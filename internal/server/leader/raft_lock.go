// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package leader

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// nopFSM is a finite-state machine satisfying raft.FSM without storing
// any data: the RaftLock only uses raft's leader-election mechanics,
// never its replicated log, so Apply/Snapshot/Restore are all no-ops.
type nopFSM struct{}

func (nopFSM) Apply(*raft.Log) any { return nil }
func (nopFSM) Snapshot() (raft.FSMSnapshot, error) {
	return nopSnapshot{}, nil
}
func (nopFSM) Restore(io.ReadCloser) error { return nil }

type nopSnapshot struct{}

func (nopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (nopSnapshot) Release()                             {}

// RaftConfig describes a cluster-wide Leader Lock deployment: every
// Server replica runs RaftLock with the same Peers list (including
// itself) and a distinct LocalID/BindAddr pair.
type RaftConfig struct {
	LocalID  string
	BindAddr string
	DataDir  string
	Peers    []raft.Server
	Bootstrap bool
}

// RaftLock is a cluster-wide Leader Lock: IsLeader reports whether this
// replica currently holds Raft leadership, which raft itself maintains
// via heartbeats and automatically hands off on failure.
type RaftLock struct {
	r *raft.Raft
}

// NewRaftLock starts (but does not yet necessarily lead) a raft node
// per cfg.
func NewRaftLock(cfg RaftConfig) (*RaftLock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("leader: create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.LocalID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("leader: resolve raft bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("leader: create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 1, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("leader: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("leader: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("leader: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, nopFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("leader: create raft node: %w", err)
	}

	if cfg.Bootstrap {
		servers := cfg.Peers
		if len(servers) == 0 {
			servers = []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("leader: bootstrap raft cluster: %w", err)
		}
	}

	return &RaftLock{r: r}, nil
}

// Acquire blocks until this replica observes itself as raft leader, or
// ctx is canceled. Unlike FileLock, leadership here is decided by the
// raft protocol, not requested: Acquire simply waits for it.
func (l *RaftLock) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.IsLeader() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RaftLock) IsLeader() bool {
	return l.r.State() == raft.Leader
}

// Release steps down from leadership voluntarily, triggering a new
// election among the remaining peers.
func (l *RaftLock) Release() error {
	if !l.IsLeader() {
		return nil
	}
	future := l.r.LeadershipTransfer()
	if err := future.Error(); err != nil {
		return fmt.Errorf("leader: release raft leadership: %w", err)
	}
	return nil
}

// Shutdown stops the underlying raft node entirely.
func (l *RaftLock) Shutdown() error {
	return l.r.Shutdown().Error()
}
