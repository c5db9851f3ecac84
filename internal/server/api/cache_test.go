// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package api

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/opalmesh/opal/internal/server/bundlemaker"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPolicyCacheSeedAndBundleFor(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.rego", "package a\n")

	maker := bundlemaker.New(root, []string{"."}, nil)
	cache := NewPolicyCache(maker, nil, ".")

	if err := cache.Seed("rev1"); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if got := cache.CurrentRevision(); got != "rev1" {
		t.Fatalf("CurrentRevision = %q, want rev1", got)
	}

	b, err := cache.BundleFor("")
	if err != nil {
		t.Fatalf("BundleFor(\"\"): %v", err)
	}
	if b.Hash != "rev1" || len(b.PolicyModules) != 1 {
		t.Fatalf("unexpected bundle: %+v", b)
	}

	b2, err := cache.BundleFor("rev1")
	if err != nil {
		t.Fatalf("BundleFor(current): %v", err)
	}
	if b2.Hash != "rev1" {
		t.Fatalf("expected current bundle unchanged, got %+v", b2)
	}
}

func TestPolicyCacheUnknownBaseHashWithNoResolver(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.rego", "package a\n")

	maker := bundlemaker.New(root, []string{"."}, nil)
	cache := NewPolicyCache(maker, nil, ".")
	if err := cache.Seed("rev1"); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	_, err := cache.BundleFor("some-older-hash")
	if !errors.Is(err, ErrUnknownBaseHash) {
		t.Fatalf("expected ErrUnknownBaseHash, got %v", err)
	}
}

type fakeResolver struct {
	commits map[string]*object.Commit
}

func (f *fakeResolver) CommitObject(rev string) (*object.Commit, error) {
	c, ok := f.commits[rev]
	if !ok {
		return nil, errors.New("fake: no such commit")
	}
	return c, nil
}

func TestPolicyCacheNotReadyBeforeSeed(t *testing.T) {
	root := t.TempDir()
	maker := bundlemaker.New(root, []string{"."}, nil)
	cache := NewPolicyCache(maker, nil, ".")

	if _, err := cache.BundleFor(""); err == nil {
		t.Fatal("expected an error before any bundle has been built")
	}
}
