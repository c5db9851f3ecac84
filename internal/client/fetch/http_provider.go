// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProviderName is the name this package registers itself under by
// default, matching the original "HttpGetFetchProvider" identifier.
const HTTPProviderName = "HttpGetFetchProvider"

// HTTPProvider performs a plain HTTP GET, optionally with extra
// headers supplied via Event.Config["headers"].
//
// Grounded on
// _examples/original_source/opal/fetcher/providers/http_get_fetch_provider.py.
type HTTPProvider struct {
	client *http.Client
}

// NewHTTPProvider constructs an HTTPProvider with a bounded per-request
// timeout.
func NewHTTPProvider(timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProvider) Fetch(ctx context.Context, event Event) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, event.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("http_provider: build request: %w", err)
	}

	if headers, ok := event.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_provider: request %s: %w", event.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http_provider: %s returned status %d", event.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http_provider: read body: %w", err)
	}
	return body, nil
}
