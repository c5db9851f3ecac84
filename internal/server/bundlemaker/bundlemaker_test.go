// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package bundlemaker

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, root, rel, contents string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestMakeBundleCollectsRegoAndDataModules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "policy/allow.rego", "package policy.allow\n\ndefault allow = false\n")
	writeFile(t, root, "data/config.json", `{"key":"value"}`)
	writeFile(t, root, "README.md", "not a policy file")

	m := New(root, []string{"."}, nil)
	b, err := m.MakeBundle("abc123")
	if err != nil {
		t.Fatalf("MakeBundle: %v", err)
	}

	if len(b.PolicyModules) != 1 || b.PolicyModules[0].PackageName != "policy.allow" {
		t.Errorf("PolicyModules = %+v, want one module with package policy.allow", b.PolicyModules)
	}
	if len(b.DataModules) != 1 || b.DataModules[0].Path != "data/config.json" {
		t.Errorf("DataModules = %+v, want one module at path data/config.json", b.DataModules)
	}
	if len(b.Manifest) != 2 {
		t.Errorf("Manifest = %v, want 2 entries (README.md excluded)", b.Manifest)
	}
}

func TestMakeBundleHonorsManifestFileOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.rego", "package b\n")
	writeFile(t, root, "a.rego", "package a\n")
	writeFile(t, root, ".manifest", "a.rego\nb.rego\n")

	m := New(root, []string{"."}, nil)
	b, err := m.MakeBundle("rev1")
	if err != nil {
		t.Fatalf("MakeBundle: %v", err)
	}

	if len(b.Manifest) != 2 || b.Manifest[0] != "a.rego" || b.Manifest[1] != "b.rego" {
		t.Errorf("Manifest = %v, want [a.rego b.rego]", b.Manifest)
	}
}

func TestMakeBundleRejectsDuplicateManifestEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.rego", "package a\n")
	writeFile(t, root, ".manifest", "a.rego\na.rego\n")

	m := New(root, []string{"."}, nil)
	if _, err := m.MakeBundle("rev1"); err == nil {
		t.Fatal("MakeBundle() = nil error, want duplicate-manifest-entry rejection")
	}
}

func TestMakeBundleHonorsIgnoreGlobs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "policy/allow.rego", "package policy.allow\n")
	writeFile(t, root, "policy/vendor/lib.rego", "package vendor.lib\n")

	m := New(root, []string{"."}, []string{"policy/vendor/**"})
	b, err := m.MakeBundle("rev1")
	if err != nil {
		t.Fatalf("MakeBundle: %v", err)
	}
	if len(b.PolicyModules) != 1 || b.PolicyModules[0].PackageName != "policy.allow" {
		t.Errorf("PolicyModules = %+v, want only policy.allow (vendor ignored)", b.PolicyModules)
	}
}

func TestMakeBundleRejectsPathEscapeInManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.rego", "package a\n")
	writeFile(t, root, ".manifest", "../outside.rego\n")

	m := New(root, []string{"."}, nil)
	if _, err := m.MakeBundle("rev1"); err == nil {
		t.Fatal("MakeBundle() = nil error, want path-escape rejection")
	}
}

func TestMakeBundleRestrictsToTrackedDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "included/a.rego", "package a\n")
	writeFile(t, root, "excluded/b.rego", "package b\n")

	m := New(root, []string{"included"}, nil)
	b, err := m.MakeBundle("rev1")
	if err != nil {
		t.Fatalf("MakeBundle: %v", err)
	}
	if len(b.PolicyModules) != 1 || b.PolicyModules[0].Path != "included/a.rego" {
		t.Errorf("PolicyModules = %+v, want only included/a.rego", b.PolicyModules)
	}
}
