// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package updater

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opalmesh/opal/internal/client/pubsub"
	"github.com/opalmesh/opal/internal/client/store"
	"github.com/opalmesh/opal/internal/client/txlog"
	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

// PolicyUpdaterConfig wires a PolicyUpdater to its collaborators.
type PolicyUpdaterConfig struct {
	Directories []string // e.g. {".", "rbac", "frontend/flags"}; "." means the whole tree
	PubSub      *pubsub.Client
	Store       store.Store
	TxLog       *txlog.TransactionLog
	Fetcher     PolicyFetcher
}

// PolicyUpdater keeps a Store's policy modules in sync with the
// configured policy directories, grounded on PolicyUpdater in
// updater.py: subscribes to one topic per tracked directory, applies a
// full resync on every (re)connect, and applies incremental bundles on
// notification, preferring a delta against the last-applied hash and
// falling back to a complete bundle when the server doesn't recognize
// it.
type PolicyUpdater struct {
	directories []string
	client      *pubsub.Client
	store       store.Store
	txlog       *txlog.TransactionLog
	fetcher     PolicyFetcher

	mu        sync.Mutex
	baseHash  map[string]string
	logger    zerolog.Logger
}

// New constructs a PolicyUpdater. Directories default to {"."} (the
// whole policy tree) when empty.
func New(cfg PolicyUpdaterConfig) *PolicyUpdater {
	dirs := cfg.Directories
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	return &PolicyUpdater{
		directories: dirs,
		client:      cfg.PubSub,
		store:       cfg.Store,
		txlog:       cfg.TxLog,
		fetcher:     cfg.Fetcher,
		baseHash:    make(map[string]string),
		logger:      log.With().Str("component", "policy-updater").Logger(),
	}
}

// policyTopic renders the scoped topic a directory's changes are
// published on (spec.md §6: "policy:<dir>"), e.g. policyTopic(".") ==
// "policy:." for the whole tree, policyTopic("rbac") == "policy:rbac".
func policyTopic(dir string) string {
	if dir == "" {
		dir = "."
	}
	return "policy:" + dir
}

// Start subscribes to every tracked directory's topic and registers the
// full-resync on-connect hook. It does not block.
func (u *PolicyUpdater) Start(ctx context.Context) {
	u.client.OnConnect(func(ctx context.Context) {
		u.logger.Info().Msg("policy updater: connected, running full resync")
		u.fullResync(ctx)
	})

	for _, dir := range u.directories {
		dir := dir
		u.client.Subscribe(policyTopic(dir), func(topic string, data json.RawMessage) {
			u.handleNotify(ctx, dir, data)
		})
	}
}

func (u *PolicyUpdater) fullResync(ctx context.Context) {
	for _, dir := range u.directories {
		if err := u.applyDirectory(ctx, dir, true); err != nil {
			u.logger.Error().Err(err).Str("directory", dir).Msg("policy updater: full resync failed")
		}
	}
}

func (u *PolicyUpdater) handleNotify(ctx context.Context, dir string, raw json.RawMessage) {
	var msg pubsubmsg.PolicyChanged
	if err := json.Unmarshal(raw, &msg); err != nil {
		u.logger.Warn().Err(err).Msg("policy updater: invalid policy change notification, skipping")
		return
	}

	if err := u.applyDirectory(ctx, dir, false); err != nil {
		u.logger.Error().Err(err).Str("directory", dir).Msg("policy updater: incremental update failed")
	}
}

// applyDirectory fetches and applies a bundle for dir. When forceFull
// is false it first tries a delta against the last-applied hash,
// retrying without a base hash if the server rejects it.
func (u *PolicyUpdater) applyDirectory(ctx context.Context, dir string, forceFull bool) error {
	u.mu.Lock()
	baseHash := ""
	if !forceFull {
		baseHash = u.baseHash[dir]
	}
	u.mu.Unlock()

	b, err := u.fetcher.FetchBundle(ctx, dir, baseHash)
	if errors.Is(err, ErrBaseHashUnknown) {
		u.logger.Info().Str("directory", dir).Msg("policy updater: base hash unknown to server, refetching complete bundle")
		b, err = u.fetcher.FetchBundle(ctx, dir, "")
	}
	if err != nil {
		u.record(ctx, false, err.Error())
		return err
	}

	if err := store.ApplyBundle(ctx, u.store, b); err != nil {
		u.record(ctx, false, err.Error())
		return err
	}

	u.mu.Lock()
	u.baseHash[dir] = b.Hash
	u.mu.Unlock()

	u.record(ctx, true, "")
	return nil
}

func (u *PolicyUpdater) record(ctx context.Context, success bool, errMsg string) {
	if u.txlog == nil {
		return
	}
	u.txlog.Record(store.Transaction{
		Type:    store.TransactionPolicy,
		Success: success,
		Error:   errMsg,
	})
	if u.store != nil {
		_ = u.txlog.Persist(ctx, u.store, time.Now())
	}
}
