// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package bundle

import "testing"

func TestValidate_CompleteBundle(t *testing.T) {
	b := &Bundle{
		Manifest: []string{"a.rego", "sub/data.json"},
		Hash:     "deadbeef",
		PolicyModules: []PolicyModule{
			{Path: "a.rego", PackageName: "app", Rego: "package app"},
		},
		DataModules: []DataModule{
			{Path: "sub/data.json", Data: "{}"},
		},
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_DeltaRequiresDifferentHash(t *testing.T) {
	b := &Bundle{
		Manifest: []string{"a.rego"},
		Hash:     "same",
		OldHash:  "same",
		PolicyModules: []PolicyModule{
			{Path: "a.rego"},
		},
	}
	if err := b.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for hash == old_hash")
	}
}

func TestValidate_ManifestEntryMustAppearExactlyOnce(t *testing.T) {
	b := &Bundle{
		Manifest: []string{"a.rego"},
		Hash:     "h",
	}
	if err := b.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unaccounted manifest entry")
	}

	b2 := &Bundle{
		Manifest:      []string{"a.rego"},
		Hash:          "h",
		PolicyModules: []PolicyModule{{Path: "a.rego"}},
		DeletedFiles:  &DeletedFiles{PolicyModules: []string{"a.rego"}},
	}
	if err := b2.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error when entry appears twice")
	}
}

func TestIsDelta(t *testing.T) {
	full := &Bundle{Hash: "h"}
	if full.IsDelta() {
		t.Error("complete bundle reported as delta")
	}
	delta := &Bundle{Hash: "h2", OldHash: "h"}
	if !delta.IsDelta() {
		t.Error("delta bundle reported as complete")
	}
}
