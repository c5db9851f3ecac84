// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BundleConfig describes a bundle-server-backed Policy Source: instead
// of git, the upstream is an opaque HTTP endpoint returning a bundle
// archive. Change detection uses the response ETag when present,
// falling back to a content hash.
type BundleConfig struct {
	URL          string
	Headers      map[string]string
	PollInterval time.Duration
}

// BundleSource polls a bundle-server URL and reports changes by ETag or
// content hash.
type BundleSource struct {
	cfg    BundleConfig
	client *http.Client

	checkMu sync.Mutex // serializes CheckForChanges

	mu       sync.Mutex
	etag     string
	current  Revision
	onChange []ChangeCallback
	onFail   []FailureCallback

	logger zerolog.Logger
}

// NewBundleSource constructs a BundleSource.
func NewBundleSource(cfg BundleConfig) *BundleSource {
	return &BundleSource{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.With().Str("component", "bundle-source").Str("url", cfg.URL).Logger(),
	}
}

func (b *BundleSource) OnChange(cb ChangeCallback)   { b.mu.Lock(); b.onChange = append(b.onChange, cb); b.mu.Unlock() }
func (b *BundleSource) OnFailure(cb FailureCallback) { b.mu.Lock(); b.onFail = append(b.onFail, cb); b.mu.Unlock() }

func (b *BundleSource) CurrentRevision() Revision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *BundleSource) Run(ctx context.Context) error {
	if err := b.CheckForChanges(ctx); err != nil {
		b.notifyFailure(err)
		return err
	}
	go pollLoop(ctx, b.cfg.PollInterval, func(ctx context.Context) {
		if err := b.CheckForChanges(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("source: poll check failed")
		}
	})
	return nil
}

// CheckForChanges issues a conditional GET (If-None-Match when an ETag
// is known) and reports a change when the server returns fresh content.
func (b *BundleSource) CheckForChanges(ctx context.Context) error {
	b.checkMu.Lock()
	defer b.checkMu.Unlock()

	b.mu.Lock()
	etag := b.etag
	oldRev := b.current
	b.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("source: build request: %w", err)
	}
	for k, v := range b.cfg.Headers {
		req.Header.Set(k, v)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.notifyFailure(err)
		return fmt.Errorf("source: fetch bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		b.logger.Debug().Msg("source: bundle unchanged (304)")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("source: unexpected status %d fetching bundle", resp.StatusCode)
		b.notifyFailure(err)
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("source: read bundle body: %w", err)
	}

	newETag := resp.Header.Get("ETag")
	sum := sha256.Sum256(body)
	newRev := hex.EncodeToString(sum[:])

	if newETag == etag && etag != "" {
		return nil
	}
	if newRev == oldRev {
		b.mu.Lock()
		b.etag = newETag
		b.mu.Unlock()
		return nil
	}

	b.mu.Lock()
	b.etag = newETag
	b.current = newRev
	callbacks := append([]ChangeCallback(nil), b.onChange...)
	b.mu.Unlock()

	b.logger.Info().Str("old", oldRev).Str("new", newRev).Msg("source: bundle content changed")
	for _, cb := range callbacks {
		cb(ctx, oldRev, newRev)
	}
	return nil
}

func (b *BundleSource) notifyFailure(err error) {
	b.mu.Lock()
	callbacks := append([]FailureCallback(nil), b.onFail...)
	b.mu.Unlock()
	for _, cb := range callbacks {
		cb(err)
	}
}
