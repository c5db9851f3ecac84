// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opalmesh/opal/internal/client/fetch"
	"github.com/opalmesh/opal/internal/client/pubsub"
	"github.com/opalmesh/opal/internal/client/store"
	"github.com/opalmesh/opal/internal/client/txlog"
	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

// DataUpdaterConfig wires a DataUpdater to its collaborators.
type DataUpdaterConfig struct {
	Topics  []string // defaults to {"policy_data"} (spec.md §6) — the notifier's ancestor expansion covers every sub-topic
	PubSub  *pubsub.Client
	Store   store.Store
	TxLog   *txlog.TransactionLog
	Fetch   *fetch.Engine
	Fetcher DataConfigFetcher
}

// DataUpdater pulls external data into the Store on notification,
// grounded on the DataFetcher/DataSourceEntry flow in
// opal/client/data/fetcher.py and opal/common/schemas/data.py:
// subscribes to data topics, and for every entry in a received
// DataUpdate enqueues a FetchEvent whose callback applies the fetched
// value via the entry's save_method.
type DataUpdater struct {
	topics  []string
	client  *pubsub.Client
	store   store.Store
	txlog   *txlog.TransactionLog
	engine  *fetch.Engine
	fetcher DataConfigFetcher

	logger zerolog.Logger
}

// NewDataUpdater constructs a DataUpdater.
func NewDataUpdater(cfg DataUpdaterConfig) *DataUpdater {
	ts := cfg.Topics
	if len(ts) == 0 {
		ts = []string{"policy_data"}
	}
	return &DataUpdater{
		topics:  ts,
		client:  cfg.PubSub,
		store:   cfg.Store,
		txlog:   cfg.TxLog,
		engine:  cfg.Fetch,
		fetcher: cfg.Fetcher,
		logger:  log.With().Str("component", "data-updater").Logger(),
	}
}

// Start subscribes to the configured data topics and registers the
// bootstrap-on-connect hook.
func (u *DataUpdater) Start(ctx context.Context) {
	u.client.OnConnect(func(ctx context.Context) {
		u.logger.Info().Msg("data updater: connected, running bootstrap fetch")
		u.bootstrap(ctx)
	})

	for _, topic := range u.topics {
		u.client.Subscribe(topic, func(topic string, data json.RawMessage) {
			u.handleNotify(ctx, data)
		})
	}
}

func (u *DataUpdater) bootstrap(ctx context.Context) {
	cfg, err := u.fetcher.FetchConfig(ctx)
	if err != nil {
		u.logger.Error().Err(err).Msg("data updater: bootstrap config fetch failed")
		return
	}
	u.applyEntries(ctx, cfg.Entries, "bootstrap")
}

func (u *DataUpdater) handleNotify(ctx context.Context, raw json.RawMessage) {
	var msg pubsubmsg.DataUpdate
	if err := json.Unmarshal(raw, &msg); err != nil {
		u.logger.Warn().Err(err).Msg("data updater: invalid data update notification, skipping")
		return
	}
	u.applyEntries(ctx, msg.Entries, msg.Reason)
}

func (u *DataUpdater) applyEntries(ctx context.Context, entries []pubsubmsg.DataSourceEntry, reason string) {
	for _, entry := range entries {
		entry := entry
		event := fetch.Event{
			URL:      entry.URL,
			Provider: providerFromConfig(entry.Config),
			Config:   configMap(entry.Config),
		}
		u.engine.QueueEvent(ctx, event, func(res fetch.Result) {
			u.handleResult(ctx, entry, reason, res)
		})
	}
}

func providerFromConfig(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var cfg struct {
		Fetcher string `json:"fetcher"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ""
	}
	return cfg.Fetcher
}

func configMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func (u *DataUpdater) handleResult(ctx context.Context, entry pubsubmsg.DataSourceEntry, reason string, res fetch.Result) {
	if res.Err != nil {
		u.record(ctx, false, fmt.Sprintf("fetch %s: %v", entry.URL, res.Err))
		return
	}

	var value any
	if err := json.Unmarshal(res.Data, &value); err != nil {
		u.record(ctx, false, fmt.Sprintf("decode fetched data from %s: %v", entry.URL, err))
		return
	}

	dstPath, value := normalizeWrite(entry.DstPath, value)

	var err error
	switch entry.SaveMethod {
	case pubsubmsg.SavePatch:
		ops, decodeErr := decodePatchOps(value)
		if decodeErr != nil {
			u.record(ctx, false, fmt.Sprintf("data update %s: %v", entry.URL, decodeErr))
			return
		}
		err = u.store.PatchData(ctx, dstPath, ops)
	default:
		err = u.store.SetData(ctx, dstPath, value)
	}

	if err != nil {
		u.record(ctx, false, fmt.Sprintf("write %s to %s: %v", entry.URL, dstPath, err))
		return
	}
	u.record(ctx, true, "")
	_ = reason // carried for log correlation only, per spec
}

// normalizeWrite applies the Data Updater's path rules: empty/"."
// means the root document; a path must begin with "/"; and a root
// write of a list must be wrapped as {"items": [...]} since the policy
// engine's root document must be an object.
func normalizeWrite(dstPath string, value any) (string, any) {
	if dstPath == "" || dstPath == "." {
		dstPath = ""
	} else if !strings.HasPrefix(dstPath, "/") {
		dstPath = "/" + dstPath
	}

	if dstPath == "" {
		if list, ok := value.([]any); ok {
			return dstPath, map[string]any{"items": list}
		}
	}
	return dstPath, value
}

func decodePatchOps(value any) ([]store.PatchOp, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode patch document: %w", err)
	}
	var ops []store.PatchOp
	if err := json.Unmarshal(encoded, &ops); err != nil {
		return nil, fmt.Errorf("decode patch document: %w", err)
	}
	return ops, nil
}

func (u *DataUpdater) record(ctx context.Context, success bool, errMsg string) {
	if u.txlog == nil {
		return
	}
	u.txlog.Record(store.Transaction{
		Type:    store.TransactionData,
		Success: success,
		Error:   errMsg,
	})
	if u.store != nil {
		_ = u.txlog.Persist(ctx, u.store, time.Now())
	}
}
