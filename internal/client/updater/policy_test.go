// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package updater

import (
	"context"
	"testing"

	"github.com/opalmesh/opal/internal/client/store"
	"github.com/opalmesh/opal/internal/client/txlog"
	"github.com/opalmesh/opal/pkg/bundle"
)

type fakePolicyFetcher struct {
	calls    []string
	bundles  map[string]*bundle.Bundle // keyed by "path|baseHash"
	rejectBase map[string]bool
}

func (f *fakePolicyFetcher) FetchBundle(ctx context.Context, path, baseHash string) (*bundle.Bundle, error) {
	f.calls = append(f.calls, path+"|"+baseHash)
	if baseHash != "" && f.rejectBase[path] {
		return nil, ErrBaseHashUnknown
	}
	b, ok := f.bundles[path+"|"+baseHash]
	if !ok {
		return nil, errUnexpectedCall(path, baseHash)
	}
	return b, nil
}

func errUnexpectedCall(path, baseHash string) error {
	return &unexpectedCallErr{path, baseHash}
}

type unexpectedCallErr struct{ path, baseHash string }

func (e *unexpectedCallErr) Error() string {
	return "fakePolicyFetcher: unexpected call path=" + e.path + " baseHash=" + e.baseHash
}

// fakeStore mirrors internal/client/store's fakeStore for this
// package's tests, kept local to avoid exporting test-only plumbing
// from the store package.
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
func (f *fakeStore) PatchData(ctx context.Context, path string, ops []store.PatchOp) error {
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

func TestPolicyUpdaterFullResyncUsesNoBaseHash(t *testing.T) {
	s := newFakeStore()
	fetcher := &fakePolicyFetcher{
		bundles: map[string]*bundle.Bundle{
			".|": {Hash: "h1", Manifest: []string{"a.rego"}, PolicyModules: []bundle.PolicyModule{{Path: "a.rego", Rego: "package a"}}},
		},
	}
	u := New(PolicyUpdaterConfig{Directories: []string{"."}, Store: s, TxLog: txlog.NewTransactionLog(true, false), Fetcher: fetcher})

	if err := u.applyDirectory(context.Background(), ".", true); err != nil {
		t.Fatalf("applyDirectory: %v", err)
	}
	if s.policies["a.rego"] == "" {
		t.Error("expected a.rego to be written")
	}
	if u.baseHash["."] != "h1" {
		t.Errorf("baseHash[.] = %q, want h1", u.baseHash["."])
	}
}

func TestPolicyUpdaterFallsBackToCompleteOnUnknownBaseHash(t *testing.T) {
	s := newFakeStore()
	fetcher := &fakePolicyFetcher{
		rejectBase: map[string]bool{".": true},
		bundles: map[string]*bundle.Bundle{
			".|": {Hash: "h2", Manifest: []string{"b.rego"}, PolicyModules: []bundle.PolicyModule{{Path: "b.rego", Rego: "package b"}}},
		},
	}
	u := New(PolicyUpdaterConfig{Directories: []string{"."}, Store: s, TxLog: txlog.NewTransactionLog(true, false), Fetcher: fetcher})
	u.baseHash["."] = "stale-hash"

	if err := u.applyDirectory(context.Background(), ".", false); err != nil {
		t.Fatalf("applyDirectory: %v", err)
	}
	if s.policies["b.rego"] == "" {
		t.Error("expected b.rego to be written after falling back to a complete bundle")
	}
	if len(fetcher.calls) != 2 {
		t.Fatalf("expected 2 fetch calls (rejected delta + complete fallback), got %v", fetcher.calls)
	}
}

func TestPolicyTopic(t *testing.T) {
	cases := map[string]string{
		".":    "policy:.",
		"":     "policy:.",
		"rbac": "policy:rbac",
		"a/b":  "policy:a/b",
	}
	for dir, want := range cases {
		if got := policyTopic(dir); got != want {
			t.Errorf("policyTopic(%q) = %q, want %q", dir, got, want)
		}
	}
}
