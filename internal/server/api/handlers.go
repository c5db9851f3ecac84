// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/opalmesh/opal/internal/server/audit"
	"github.com/opalmesh/opal/pkg/jwtauth"
	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tokenRequest is the POST /token body. Either MasterToken (via the
// Authorization header) or Username/Password (when adminauth is
// configured) authorizes the caller to mint a token — see SPEC_FULL.md
// §6's expanded /token contract.
type tokenRequest struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	TTL      int64           `json:"ttl"` // seconds; 0 means Server default
	Claims   json.RawMessage `json:"claims"`
	Username string          `json:"username"`
	Password string          `json:"password"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.authorizeTokenRequest(r, req); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if s.cfg.Signer == nil || !s.cfg.Signer.Enabled() {
		writeError(w, http.StatusServiceUnavailable, jwtauth.ErrSigningDisabled.Error())
		return
	}

	ttl := s.cfg.DefaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}

	issueReq := jwtauth.IssueRequest{ID: req.ID, Type: req.Type, TTL: ttl}
	if len(req.Claims) > 0 {
		var claims map[string]any
		if err := json.Unmarshal(req.Claims, &claims); err == nil {
			issueReq.Claims = claims
			if raw, ok := claims["permitted_topics"].([]any); ok {
				topics := make([]string, 0, len(raw))
				for _, t := range raw {
					if ts, ok := t.(string); ok {
						topics = append(topics, ts)
					}
				}
				if issueReq.Claims == nil {
					issueReq.Claims = map[string]any{}
				}
				issueReq.Claims["permitted_topics"] = topics
			}
		}
	}

	token, err := s.cfg.Signer.Sign(issueReq)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"details": map[string]any{"id": req.ID, "type": req.Type, "ttl_seconds": int64(ttl.Seconds())},
	})
}

// authorizeTokenRequest checks the master-token header first (cheap,
// always available), falling back to adminauth username/password when
// configured and the master token didn't match.
func (s *Server) authorizeTokenRequest(r *http.Request, req tokenRequest) error {
	if s.cfg.MasterToken != "" {
		if presented := bearerToken(r); presented != "" &&
			subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.MasterToken)) == 1 {
			return nil
		}
	}
	if s.cfg.Admin != nil && req.Username != "" {
		_, err := s.cfg.Admin.Authenticate(req.Username, req.Password)
		return err
	}
	if s.cfg.MasterToken == "" && s.cfg.Admin == nil {
		// No guard configured at all: development mode, matches the
		// Signer's own "no key means no auth" stance.
		return nil
	}
	return errors.New("invalid or missing credentials")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return r.URL.Query().Get("token")
}

func (s *Server) directoryFor(path string) *Directory {
	for i := range s.cfg.Directories {
		if s.cfg.Directories[i].Path == path {
			return &s.cfg.Directories[i]
		}
	}
	return nil
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	baseHash := r.URL.Query().Get("base_hash")

	dir := s.directoryFor(path)
	if dir == nil {
		writeError(w, http.StatusNotFound, "unknown policy directory: "+path)
		return
	}

	b, err := dir.Cache.BundleFor(baseHash)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, b)
	case errors.Is(err, ErrUnknownBaseHash):
		writeError(w, http.StatusNotFound, "base_hash unknown to server")
	default:
		writeError(w, http.StatusServiceUnavailable, "policy bundle not ready: "+err.Error())
	}
}

func (s *Server) handleDataConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pubsubmsg.ServerDataSourceConfig{Entries: s.cfg.DataEntries})
}

func (s *Server) handleDataUpdate(w http.ResponseWriter, r *http.Request) {
	var update pubsubmsg.DataUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	topicSet := make(map[string]struct{})
	for _, entry := range update.Entries {
		for _, t := range entry.Topics {
			topicSet[t] = struct{}{}
		}
	}
	if len(topicSet) == 0 {
		writeError(w, http.StatusBadRequest, "data update names no topics")
		return
	}
	topicList := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topicList = append(topicList, t)
	}

	data, err := json.Marshal(update)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode data update")
		return
	}

	if s.cfg.Broadcaster != nil {
		s.cfg.Broadcaster.Publish(r.Context(), topicList, data)
	} else if s.cfg.Notifier != nil {
		s.cfg.Notifier.Publish(topicList, data)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Signer != nil && s.cfg.Signer.Enabled() {
		if _, err := s.cfg.Signer.Verify(bearerToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
	}
	if s.cfg.Stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{"client_count": 0, "clients": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Stats.Snapshot())
}

// transactionRequest is the POST /transactions body: a Client forwarding
// one completed StoreTransaction into the optional audit history
// (component O). Best-effort; the caller never blocks on this.
type transactionRequest struct {
	ClientID string          `json:"client_id"`
	Kind     string          `json:"transaction_type"`
	Success  bool            `json:"success"`
	Error    string          `json:"error"`
	Actions  json.RawMessage `json:"actions"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec := audit.TransactionRecord{
		ClientID: req.ClientID,
		Kind:     req.Kind,
		Success:  req.Success,
		Error:    req.Error,
		Actions:  decodeActions(req.Actions),
	}
	if err := s.cfg.Audit.RecordTransaction(r.Context(), rec); err != nil {
		s.logger.Warn().Err(err).Msg("api: failed to record transaction")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeActions(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var actions any
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil
	}
	return actions
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Signer == nil {
		writeJSON(w, http.StatusOK, jwtauth.JWKS{Keys: []jwtauth.JWKKey{}})
		return
	}
	set, err := s.cfg.Signer.JWKS()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build key set")
		return
	}
	writeJSON(w, http.StatusOK, set)
}
