// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OPAConfig configures an OPAStore.
type OPAConfig struct {
	BaseURL     string // e.g. http://localhost:8181, without /v1
	Token       string // optional bearer token for OPA's own auth
	IgnorePaths []string
}

// OPAStore talks to a local Open Policy Agent instance over its REST
// API (/v1/policies, /v1/data), serializing every write behind a single
// mutex. The mutex is held for one write at a time; ApplyBundle holds its
// own lock across a whole bundle, the way OpaClient.set_policies guards
// itself with an asyncio.Lock, so a complete-bundle apply never
// interleaves with a concurrent delta.
type OPAStore struct {
	baseURL     string
	token       string
	ignorePaths []string
	client      *retryablehttp.Client

	mu sync.Mutex

	logger zerolog.Logger
}

// NewOPAStore constructs a Store backed by an OPA REST endpoint.
func NewOPAStore(cfg OPAConfig) *OPAStore {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil

	return &OPAStore{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/") + "/v1",
		token:       cfg.Token,
		ignorePaths: cfg.IgnorePaths,
		client:      rc,
		logger:      log.With().Str("component", "opa-store").Logger(),
	}
}

func (s *OPAStore) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("opa_store: encode body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("opa_store: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opa_store: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func readJSONResult(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("opa_store: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func safeDataPath(path string) string {
	if path == "" || path == "." {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func (s *OPAStore) SetPolicy(ctx context.Context, policyID, regoCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut,
		s.baseURL+"/policies/"+policyID, strings.NewReader(regoCode))
	if err != nil {
		return fmt.Errorf("opa_store: build set_policy request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opa_store: set_policy %s: %w", policyID, err)
	}
	return readJSONResult(resp, nil)
}

func (s *OPAStore) GetPolicy(ctx context.Context, policyID string) (string, bool, error) {
	resp, err := s.do(ctx, http.MethodGet, "/policies/"+policyID, nil)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return "", false, nil
	}
	var decoded struct {
		Result struct {
			Raw string `json:"raw"`
		} `json:"result"`
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("opa_store: get_policy %s: status %d: %s", policyID, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", false, fmt.Errorf("opa_store: decode get_policy %s: %w", policyID, err)
	}
	return decoded.Result.Raw, true, nil
}

func (s *OPAStore) DeletePolicy(ctx context.Context, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.do(ctx, http.MethodDelete, "/policies/"+policyID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return readJSONResult(resp, nil)
}

func (s *OPAStore) ListPolicyIDs(ctx context.Context) ([]string, error) {
	resp, err := s.do(ctx, http.MethodGet, "/policies", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("opa_store: list_policy_ids: status %d: %s", resp.StatusCode, string(body))
	}
	var decoded struct {
		Result []struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("opa_store: decode list_policy_ids: %w", err)
	}
	ids := make([]string, 0, len(decoded.Result))
	for _, r := range decoded.Result {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *OPAStore) SetData(ctx context.Context, path string, data any) error {
	if shouldIgnorePath(path, s.ignorePaths) {
		s.logger.Debug().Str("path", path).Msg("opa_store: ignoring set_data for configured path")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.do(ctx, http.MethodPut, "/data"+safeDataPath(path), data)
	if err != nil {
		return err
	}
	return readJSONResult(resp, nil)
}

func (s *OPAStore) PatchData(ctx context.Context, path string, ops []PatchOp) error {
	if shouldIgnorePath(path, s.ignorePaths) {
		s.logger.Debug().Str("path", path).Msg("opa_store: ignoring patch_data for configured path")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.do(ctx, http.MethodPatch, "/data"+safeDataPath(path), ops)
	if err != nil {
		return err
	}
	return readJSONResult(resp, nil)
}

func (s *OPAStore) DeleteData(ctx context.Context, path string) error {
	if shouldIgnorePath(path, s.ignorePaths) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.do(ctx, http.MethodDelete, "/data"+safeDataPath(path), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return readJSONResult(resp, nil)
}

func (s *OPAStore) GetData(ctx context.Context, path string) (any, error) {
	resp, err := s.do(ctx, http.MethodGet, "/data"+safeDataPath(path), nil)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Result any `json:"result"`
	}
	if err := readJSONResult(resp, &decoded); err != nil {
		return nil, err
	}
	return decoded.Result, nil
}

func (s *OPAStore) Evaluate(ctx context.Context, path string, input any) (any, error) {
	body := map[string]any{"input": input}
	resp, err := s.do(ctx, http.MethodPost, "/data"+safeDataPath(path), body)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Result any `json:"result"`
	}
	if err := readJSONResult(resp, &decoded); err != nil {
		return nil, err
	}
	return decoded.Result, nil
}
