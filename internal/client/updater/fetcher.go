// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package updater implements the client-side Policy Updater (component
// I) and Data Updater (component K): the two pub/sub subscribers that
// turn Server notifications into writes against the Store.
//
// Grounded on
// _examples/original_source/packages/opal-client/opal_client/policy/updater.py
// (PolicyUpdater) and opal_client/data/updater.py-style logic described
// in opal/client/data/fetcher.py, generalized from asyncio tasks and a
// fastapi_websocket_pubsub client to goroutines wired to
// internal/client/pubsub.Client.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/opalmesh/opal/pkg/bundle"
	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

// ErrBaseHashUnknown is returned by a PolicyFetcher when the server
// rejects a requested base_hash (HTTP 404), signaling the caller should
// retry without one to get a complete bundle instead of a delta.
var ErrBaseHashUnknown = errors.New("updater: base_hash unknown to server")

// PolicyFetcher retrieves a policy bundle for one tracked path.
type PolicyFetcher interface {
	FetchBundle(ctx context.Context, path, baseHash string) (*bundle.Bundle, error)
}

// DataConfigFetcher retrieves the bootstrap data-source list.
type DataConfigFetcher interface {
	FetchConfig(ctx context.Context) (*pubsubmsg.ServerDataSourceConfig, error)
}

// HTTPFetcher implements PolicyFetcher and DataConfigFetcher against
// the Server's HTTP API (GET /policy, POST /data/config).
type HTTPFetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPFetcher constructs an HTTPFetcher. serverURL is the Server's
// base HTTP(S) URL, with no trailing slash requirement.
func NewHTTPFetcher(serverURL, token string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(serverURL, "/"), token: token, client: client}
}

func (f *HTTPFetcher) authorize(req *http.Request) {
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
}

// FetchBundle calls GET /policy?path=<path>[&base_hash=<baseHash>].
func (f *HTTPFetcher) FetchBundle(ctx context.Context, path, baseHash string) (*bundle.Bundle, error) {
	q := url.Values{}
	q.Set("path", path)
	if baseHash != "" {
		q.Set("base_hash", baseHash)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/policy?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("updater: build policy fetch request: %w", err)
	}
	f.authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("updater: fetch policy bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrBaseHashUnknown
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("updater: policy fetch returned status %d: %s", resp.StatusCode, string(body))
	}

	var b bundle.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("updater: decode policy bundle: %w", err)
	}
	return &b, nil
}

// FetchConfig calls POST /data/config.
func (f *HTTPFetcher) FetchConfig(ctx context.Context) (*pubsubmsg.ServerDataSourceConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/data/config", nil)
	if err != nil {
		return nil, fmt.Errorf("updater: build data config request: %w", err)
	}
	f.authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("updater: fetch data config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("updater: data config fetch returned status %d: %s", resp.StatusCode, string(body))
	}

	var cfg pubsubmsg.ServerDataSourceConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("updater: decode data config: %w", err)
	}
	return &cfg, nil
}
