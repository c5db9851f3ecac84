// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opalmesh/opal/internal/server/adminauth"
	"github.com/opalmesh/opal/internal/server/audit"
	"github.com/opalmesh/opal/internal/server/leader"
	"github.com/opalmesh/opal/internal/server/pubsub"
	"github.com/opalmesh/opal/internal/server/source"
	"github.com/opalmesh/opal/internal/server/stats"
	"github.com/opalmesh/opal/internal/server/webhook"
	"github.com/opalmesh/opal/pkg/jwtauth"
	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

// webhookTopic is the internal well-known topic the Webhook Intake
// publishes to (spec.md §4.6); only the leader subscribes to it.
const webhookTopic = "webhook"

// leaderSubscriberID is a fixed, non-client subscriber identity used for
// the leader's own internal subscription to webhookTopic — it never
// appears in stats.Tracker's client listing because it is never
// registered through the websocket Endpoint.
const leaderSubscriberID = "__leader_webhook_watcher"

// Directory wires one tracked policy directory to its own PolicyCache
// and topic name, so a Server can track several independently-versioned
// directories behind a single Notifier/Broadcaster.
type Directory struct {
	Path  string // relative directory, "." for the whole tree
	Cache *PolicyCache
}

// Config wires every collaborator a Server needs to serve spec.md §6's
// HTTP API. Fields left nil/zero disable the feature they back (no
// Recorder means New substitutes an in-memory history of the last 1000
// records, no Authenticator means
// /token only accepts the master token, no Signer means signing is
// disabled entirely — development mode, per jwtauth.Signer's contract).
type Config struct {
	Notifier    *pubsub.Notifier
	Broadcaster *pubsub.Broadcaster
	Endpoint    *pubsub.Endpoint
	Signer      jwtauth.Signer
	Lock        leader.Lock
	Source      source.Watcher
	Directories []Directory
	DataEntries []pubsubmsg.DataSourceEntry
	Webhook     *webhook.Handler
	Stats       *stats.Tracker
	Audit       audit.Recorder
	Admin       *adminauth.Authenticator
	MasterToken string // BOR_ADMIN_TOKEN-style static guard for POST /token
	DefaultTTL  time.Duration
}

// Server assembles the collaborators behind an http.Handler implementing
// spec.md §6's HTTP API, expanded with components N-Q (SPEC_FULL.md §6).
type Server struct {
	cfg    Config
	logger zerolog.Logger
}

// New constructs a Server. Call Mux to obtain the http.Handler to serve.
func New(cfg Config) *Server {
	if cfg.Audit == nil {
		cfg.Audit = audit.NewInMemory(0)
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	return &Server{cfg: cfg, logger: log.With().Str("component", "api-server").Logger()}
}

// Mux builds the HTTP routing table.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthcheck", s.handleHealthcheck)
	mux.HandleFunc("GET /{$}", s.handleHealthcheck)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /policy", s.handlePolicy)
	mux.HandleFunc("POST /data/config", s.handleDataConfig)
	mux.HandleFunc("POST /data/update", s.handleDataUpdate)
	mux.HandleFunc("GET /statistics", s.handleStatistics)
	mux.HandleFunc("POST /transactions", s.handleTransactions)
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	if s.cfg.Webhook != nil {
		mux.Handle("POST /webhook", s.cfg.Webhook)
	}
	if s.cfg.Endpoint != nil {
		mux.Handle("GET /ws", s.cfg.Endpoint)
	}
	return mux
}

// RunLeaderDuties contends for the Leader Lock and, while held, runs the
// Policy Source watcher and the internal webhook-fanout subscription
// (spec.md §4.5: non-leaders serve API traffic but never poll upstream).
// It blocks until ctx is canceled, re-contending for the lock whenever
// leadership is lost.
func (s *Server) RunLeaderDuties(ctx context.Context) {
	if s.cfg.Lock == nil || s.cfg.Source == nil {
		return
	}

	for ctx.Err() == nil {
		if err := s.cfg.Lock.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("api: leader lock acquisition failed, retrying")
			continue
		}
		s.logger.Info().Msg("api: acquired leader lock, starting policy source watcher")
		s.runAsLeader(ctx)
	}
}

func (s *Server) runAsLeader(ctx context.Context) {
	defer func() { _ = s.cfg.Lock.Release() }()

	s.cfg.Source.OnChange(s.handleRevisionChange)
	s.cfg.Source.OnFailure(func(err error) {
		s.logger.Error().Err(err).Msg("api: policy source reported a terminal failure")
		if s.cfg.Audit != nil {
			_ = s.cfg.Audit.RecordEvent(ctx, "policy_source_failure", err.Error())
		}
	})

	if s.cfg.Notifier != nil {
		_ = s.cfg.Notifier.Subscribe(leaderSubscriberID, []string{webhookTopic}, nil, func(string, json.RawMessage) {
			if err := s.cfg.Source.CheckForChanges(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("api: webhook-triggered check failed")
			}
		})
		defer s.cfg.Notifier.Unsubscribe(leaderSubscriberID, nil)
	}

	if err := s.cfg.Source.Run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("api: policy source run failed")
		return
	}

	<-ctx.Done()
}

// handleRevisionChange rebuilds every tracked directory's cache and
// publishes policy:<dir> notifications for every directory whose cache
// rebuilt successfully. Directories are not compared between oldRev and
// newRev, so a directory whose content did not change is notified too.
func (s *Server) handleRevisionChange(ctx context.Context, oldRev, newRev string) {
	var changedTopics []string
	for _, dir := range s.cfg.Directories {
		if err := dir.Cache.Rebuild(ctx, oldRev, newRev); err != nil {
			s.logger.Error().Err(err).Str("directory", dir.Path).Msg("api: failed to rebuild policy cache")
			continue
		}
		changedTopics = append(changedTopics, policyTopic(dir.Path))
	}
	if len(changedTopics) == 0 {
		return
	}

	payload := pubsubmsg.PolicyChanged{OldHash: oldRev, NewHash: newRev, Topics: changedTopics}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("api: failed to encode policy-changed notification")
		return
	}
	if s.cfg.Broadcaster != nil {
		s.cfg.Broadcaster.Publish(ctx, changedTopics, data)
	} else if s.cfg.Notifier != nil {
		s.cfg.Notifier.Publish(changedTopics, data)
	}
}

// policyTopic mirrors internal/client/updater/policy.go's policyTopic:
// the scoped topic a directory's changes publish on (spec.md §6).
func policyTopic(dir string) string {
	if dir == "" {
		dir = "."
	}
	return "policy:" + dir
}
