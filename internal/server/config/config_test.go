// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package config

import "testing"

func TestLoadDefaultsWhenNoFileOrEnv(t *testing.T) {
	t.Setenv("OPAL_SERVER_CONFIG", "/nonexistent/path.yaml")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7002" {
		t.Errorf("Server.Addr = %q, want :7002", cfg.Server.Addr)
	}
	if cfg.Source.Type != "git" {
		t.Errorf("Source.Type = %q, want git", cfg.Source.Type)
	}
	if cfg.Leader.Backend != "file" {
		t.Errorf("Leader.Backend = %q, want file", cfg.Leader.Backend)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("OPAL_SERVER_CONFIG", "/nonexistent/path.yaml")
	t.Setenv("OPAL_SERVER_ADDR", ":9999")
	t.Setenv("OPAL_POLICY_DIRECTORIES", "a, b ,c")
	t.Setenv("OPAL_MASTER_TOKEN", "super-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Server.Addr = %q, want :9999", cfg.Server.Addr)
	}
	if len(cfg.Source.Directories) != 3 || cfg.Source.Directories[1] != "b" {
		t.Errorf("Source.Directories = %v", cfg.Source.Directories)
	}
	if cfg.Auth.MasterToken != "super-secret" {
		t.Errorf("Auth.MasterToken = %q", cfg.Auth.MasterToken)
	}
}
