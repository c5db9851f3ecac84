// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package store

import "testing"

func TestShouldIgnorePath(t *testing.T) {
	ignore := []string{"secrets/**", "!secrets/public.json"}

	cases := []struct {
		path string
		want bool
	}{
		{"secrets/db.json", true},
		{"secrets/public.json", false},
		{"config/app.json", false},
	}

	for _, c := range cases {
		if got := shouldIgnorePath(c.path, ignore); got != c.want {
			t.Errorf("shouldIgnorePath(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestSafeDataPath(t *testing.T) {
	cases := map[string]string{
		"":        "",
		".":       "",
		"a/b":     "/a/b",
		"/a/b":    "/a/b",
	}
	for in, want := range cases {
		if got := safeDataPath(in); got != want {
			t.Errorf("safeDataPath(%q) = %q, want %q", in, got, want)
		}
	}
}
