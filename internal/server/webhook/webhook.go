// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package webhook implements the Webhook Intake (component H): an HTTP
// handler that validates an inbound git-hosting-service webhook
// delivery (signature or shared-token) and, if it names the configured
// upstream repository, triggers an out-of-band Policy Source check and
// publishes to the internal "webhook" topic.
//
// Grounded on
// _examples/original_source/packages/opal-server/opal_server/policy/webhook/deps.py:
// the HMAC-SHA256-signature-or-plain-token dual validation mode and the
// repo-URL/full-name extraction across GitHub/GitLab/Azure/Bitbucket
// payload shapes.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/rs/zerolog/log"
)

// SecretType selects how the shared secret is validated.
type SecretType string

const (
	// SecretSignature expects an HMAC-SHA256 signature of the raw body,
	// e.g. GitHub's "X-Hub-Signature-256: sha256=<hex>".
	SecretSignature SecretType = "signature"
	// SecretToken expects the header to literally equal the secret,
	// e.g. GitLab's "X-Gitlab-Token".
	SecretToken SecretType = "token"
)

// Config describes how to validate and route an incoming webhook.
type Config struct {
	Secret           string // empty disables validation entirely
	SecretType       SecretType
	SecretHeaderName string         // e.g. "X-Hub-Signature-256" or "X-Gitlab-Token"
	SecretParseRegex *regexp.Regexp // extracts the value from the header; nil means use the header verbatim
	// UpstreamURL is the Policy Source's configured repo URL; a webhook
	// delivery is only actioned if one of the repository URLs in its
	// payload equals this URL. The payload's full_name slugs are collected
	// but not compared.
	UpstreamURL string
}

// defaultSignatureRegex matches GitHub's "sha256=<hex>" prefix form.
var defaultSignatureRegex = regexp.MustCompile(`sha256=(.+)`)

// Trigger is called once validation passes and the payload names the
// configured upstream repository.
type Trigger func()

// Handler serves POST /webhook.
type Handler struct {
	cfg     Config
	trigger Trigger
}

// NewHandler builds a webhook Handler. trigger is invoked (synchronously,
// from the request goroutine) once a delivery validates and matches the
// configured upstream; callers typically wire this to
// source.Watcher.CheckForChanges run in a background goroutine plus a
// publish to the "webhook" topic.
func NewHandler(cfg Config, trigger Trigger) *Handler {
	if cfg.SecretParseRegex == nil && cfg.SecretType == SecretSignature {
		cfg.SecretParseRegex = defaultSignatureRegex
	}
	return &Handler{cfg: cfg, trigger: trigger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	if err := h.validateSecret(r, body); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusUnauthorized)
		return
	}

	changes, err := extractRepoChanges(body)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		event = "push"
	}

	if !matchesUpstream(changes, h.cfg.UpstreamURL) {
		writeJSON(w, map[string]string{"status": "ignored", "event": event})
		return
	}

	log.Info().Str("event", event).Strs("urls", changes.URLs).Msg("webhook: triggered on monitored repo")
	if h.trigger != nil {
		h.trigger()
	}
	writeJSON(w, map[string]string{"status": "ok", "event": event})
}

func (h *Handler) validateSecret(r *http.Request, body []byte) error {
	if h.cfg.Secret == "" {
		return nil
	}

	raw := r.Header.Get(h.cfg.SecretHeaderName)
	incoming := raw
	if h.cfg.SecretParseRegex != nil {
		m := h.cfg.SecretParseRegex.FindStringSubmatch(raw)
		if len(m) < 2 {
			return fmt.Errorf("no secret found in header %s", h.cfg.SecretHeaderName)
		}
		incoming = m[1]
	}
	if incoming == "" {
		return fmt.Errorf("no secret was provided")
	}

	switch h.cfg.SecretType {
	case SecretSignature:
		mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(incoming)) {
			return fmt.Errorf("signatures didn't match")
		}
	default:
		if subtle.ConstantTimeCompare([]byte(incoming), []byte(h.cfg.Secret)) != 1 {
			return fmt.Errorf("secret tokens didn't match")
		}
	}
	return nil
}

// repoChanges is the set of repository identifiers a webhook payload
// claims to affect, gathered across the payload shapes several git
// hosting services use.
type repoChanges struct {
	URLs  []string
	Names []string
}

func extractRepoChanges(body []byte) (repoChanges, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return repoChanges{}, fmt.Errorf("invalid JSON payload: %w", err)
	}

	repo, _ := payload["repository"].(map[string]any)
	project, _ := payload["project"].(map[string]any)
	resource, _ := payload["resource"].(map[string]any)
	azureRepo, _ := resource["repository"].(map[string]any)

	urlSet := map[string]struct{}{}
	addURL := func(v any) {
		if s, ok := v.(string); ok && s != "" {
			urlSet[s] = struct{}{}
		}
	}
	addURL(azureRepo["remoteUrl"])
	addURL(repo["git_url"])
	addURL(repo["ssh_url"])
	addURL(repo["clone_url"])
	addURL(repo["git_http_url"])
	addURL(repo["url"])
	addURL(project["git_http_url"])
	addURL(project["git_ssh_url"])

	nameSet := map[string]struct{}{}
	addName := func(v any) {
		if s, ok := v.(string); ok && s != "" {
			nameSet[s] = struct{}{}
		}
	}
	addName(project["path_with_namespace"])
	addName(repo["full_name"])

	urls := make([]string, 0, len(urlSet))
	for u := range urlSet {
		urls = append(urls, u)
	}
	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}

	if len(urls) == 0 && len(names) == 0 {
		return repoChanges{}, fmt.Errorf("repo url or full name not found in payload")
	}
	return repoChanges{URLs: urls, Names: names}, nil
}

func matchesUpstream(changes repoChanges, upstream string) bool {
	if upstream == "" {
		return false
	}
	for _, u := range changes.URLs {
		if u == upstream {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
