// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"
)

// StaticDataCache mirrors a Store's data tree in memory so the
// Statistics/admin surface can answer "what data is currently loaded"
// without a round-trip to the policy engine. Grounded on
// OpaStaticDataCache in opa_client.py: set/patch/delete/get over a
// single root document, keyed by the same slash-separated paths the
// Store interface uses.
type StaticDataCache struct {
	mu   sync.Mutex
	root map[string]any
}

// NewStaticDataCache constructs an empty cache.
func NewStaticDataCache() *StaticDataCache {
	return &StaticDataCache{root: make(map[string]any)}
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Set writes data at path, creating intermediate objects as needed.
// Setting the root path ("" or "/") replaces the whole document and
// requires a map.
func (c *StaticDataCache) Set(path string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	segs := segments(path)
	if len(segs) == 0 {
		m, ok := data.(map[string]any)
		if !ok {
			return fmt.Errorf("static_cache: setting the root document requires an object, got %T", data)
		}
		c.root = m
		return nil
	}

	node := c.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = data
	return nil
}

// Delete removes path from the cache. Deleting the root clears the
// whole document.
func (c *StaticDataCache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	segs := segments(path)
	if len(segs) == 0 {
		c.root = make(map[string]any)
		return
	}

	node := c.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			return
		}
		node = next
	}
	delete(node, segs[len(segs)-1])
}

// Patch applies a JSON Patch (RFC 6902) document to the subtree rooted
// at path, mirroring OpaStaticDataCache.patch's behavior of prefixing
// every operation's path with the target subtree before applying.
func (c *StaticDataCache) Patch(path string, ops []PatchOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := "/" + strings.Join(segments(path), "/")
	if prefix == "/" {
		prefix = ""
	}
	prefixed := make([]PatchOp, len(ops))
	for i, op := range ops {
		prefixed[i] = op
		prefixed[i].Path = prefix + op.Path
	}

	patchJSON, err := json.Marshal(prefixed)
	if err != nil {
		return fmt.Errorf("static_cache: encode patch: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return fmt.Errorf("static_cache: decode patch: %w", err)
	}

	rootJSON, err := json.Marshal(c.root)
	if err != nil {
		return fmt.Errorf("static_cache: encode root: %w", err)
	}
	patched, err := patch.Apply(rootJSON)
	if err != nil {
		return fmt.Errorf("static_cache: apply patch under %s: %w", path, err)
	}

	var newRoot map[string]any
	if err := json.Unmarshal(patched, &newRoot); err != nil {
		return fmt.Errorf("static_cache: decode patched root: %w", err)
	}
	c.root = newRoot
	return nil
}

// Get returns the whole cached document.
func (c *StaticDataCache) Get() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}
