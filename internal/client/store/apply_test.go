// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opalmesh/opal/pkg/bundle"
)

// fakeStore is an in-memory Store used to exercise ApplyBundle without
// a real policy engine.
type fakeStore struct {
	policies map[string]string
	data     map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{policies: make(map[string]string), data: make(map[string]any)}
}

func (f *fakeStore) SetPolicy(ctx context.Context, id, rego string) error {
	f.policies[id] = rego
	return nil
}
func (f *fakeStore) GetPolicy(ctx context.Context, id string) (string, bool, error) {
	v, ok := f.policies[id]
	return v, ok, nil
}
func (f *fakeStore) DeletePolicy(ctx context.Context, id string) error {
	delete(f.policies, id)
	return nil
}
func (f *fakeStore) ListPolicyIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.policies))
	for id := range f.policies {
		ids = append(ids, id)
	}
	return ids, nil
}
func (f *fakeStore) SetData(ctx context.Context, path string, data any) error {
	f.data[path] = data
	return nil
}
func (f *fakeStore) PatchData(ctx context.Context, path string, ops []PatchOp) error {
	return nil
}
func (f *fakeStore) DeleteData(ctx context.Context, path string) error {
	delete(f.data, path)
	return nil
}
func (f *fakeStore) GetData(ctx context.Context, path string) (any, error) {
	return f.data[path], nil
}
func (f *fakeStore) Evaluate(ctx context.Context, path string, input any) (any, error) {
	return f.data[path], nil
}

func TestApplyBundleCompleteRemovesStalePolicies(t *testing.T) {
	s := newFakeStore()
	s.policies["stale.rego"] = "package stale"

	b := &bundle.Bundle{
		Hash:     "h1",
		Manifest: []string{"keep.rego"},
		PolicyModules: []bundle.PolicyModule{
			{Path: "keep.rego", PackageName: "keep", Rego: "package keep"},
		},
	}

	if err := ApplyBundle(context.Background(), s, b); err != nil {
		t.Fatalf("ApplyBundle: %v", err)
	}
	if _, ok := s.policies["stale.rego"]; ok {
		t.Error("stale.rego should have been removed by a complete bundle apply")
	}
	if _, ok := s.policies["keep.rego"]; !ok {
		t.Error("keep.rego should have been written")
	}
}

func TestApplyBundleDeltaOnlyRemovesListedDeletions(t *testing.T) {
	s := newFakeStore()
	s.policies["untouched.rego"] = "package untouched"

	b := &bundle.Bundle{
		Hash:     "h2",
		OldHash:  "h1",
		Manifest: []string{"new.rego"},
		PolicyModules: []bundle.PolicyModule{
			{Path: "new.rego", PackageName: "new", Rego: "package new"},
		},
	}

	if err := ApplyBundle(context.Background(), s, b); err != nil {
		t.Fatalf("ApplyBundle: %v", err)
	}
	if _, ok := s.policies["untouched.rego"]; !ok {
		t.Error("a delta bundle must not remove policies outside its DeletedFiles list")
	}
}

func TestApplyBundleWritesDataModuleUnderContainingDirectory(t *testing.T) {
	s := newFakeStore()
	b := &bundle.Bundle{
		Hash:     "h1",
		Manifest: []string{"data/config.json"},
		DataModules: []bundle.DataModule{
			{Path: "data/config.json", Data: `{"enabled":true}`},
		},
	}

	if err := ApplyBundle(context.Background(), s, b); err != nil {
		t.Fatalf("ApplyBundle: %v", err)
	}
	raw, ok := s.data["data"]
	if !ok {
		t.Fatal("expected data written at the containing directory \"data\"")
	}
	m := raw.(map[string]any)
	if m["enabled"] != true {
		t.Errorf("data[\"data\"] = %v, want enabled:true", raw)
	}
}

func TestApplyBundleRejectsInvalidBundle(t *testing.T) {
	s := newFakeStore()
	b := &bundle.Bundle{Hash: "h1", OldHash: "h1"} // hash == old_hash is invalid for a delta
	if err := ApplyBundle(context.Background(), s, b); err == nil {
		t.Fatal("expected ApplyBundle to reject an invalid bundle")
	}
}

func TestStaticDataCacheSetPatchDelete(t *testing.T) {
	c := NewStaticDataCache()
	if err := c.Set("a/b", map[string]any{"x": float64(1)}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ops := []PatchOp{{Op: "add", Path: "/y", Value: float64(2)}}
	if err := c.Patch("a/b", ops); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	got := c.Get()
	encoded, _ := json.Marshal(got)
	var decoded map[string]any
	json.Unmarshal(encoded, &decoded)

	ab := decoded["a"].(map[string]any)["b"].(map[string]any)
	if ab["x"] != float64(1) || ab["y"] != float64(2) {
		t.Errorf("a/b after patch = %v, want x:1 y:2", ab)
	}

	c.Delete("a/b")
	if _, ok := c.Get()["a"].(map[string]any)["b"]; ok {
		t.Error("a/b should be gone after Delete")
	}
}
