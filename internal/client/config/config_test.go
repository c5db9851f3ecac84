// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package config

import "testing"

func TestLoadDefaultsWhenNoFileOrEnv(t *testing.T) {
	t.Setenv("OPAL_CLIENT_CONFIG", "/nonexistent/path.yaml")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "http://localhost:7002" {
		t.Errorf("Server.URL = %q, want http://localhost:7002", cfg.Server.URL)
	}
	if cfg.Server.WSURL != "ws://localhost:7002/ws" {
		t.Errorf("Server.WSURL = %q, want ws://localhost:7002/ws", cfg.Server.WSURL)
	}
	if cfg.Fetch.WorkerCount != 5 {
		t.Errorf("Fetch.WorkerCount = %d, want 5", cfg.Fetch.WorkerCount)
	}
	if len(cfg.Data.Topics) != 1 || cfg.Data.Topics[0] != "policy_data" {
		t.Errorf("Data.Topics = %v", cfg.Data.Topics)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("OPAL_CLIENT_CONFIG", "/nonexistent/path.yaml")
	t.Setenv("OPAL_SERVER_URL", "https://opal.example.com")
	t.Setenv("OPAL_POLICY_DIRECTORIES", "rbac, frontend/flags")
	t.Setenv("OPAL_FETCH_WORKER_COUNT", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "https://opal.example.com" {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Server.WSURL != "wss://opal.example.com/ws" {
		t.Errorf("Server.WSURL = %q, want derived wss:// url", cfg.Server.WSURL)
	}
	if len(cfg.Policy.Directories) != 2 || cfg.Policy.Directories[1] != "frontend/flags" {
		t.Errorf("Policy.Directories = %v", cfg.Policy.Directories)
	}
	if cfg.Fetch.WorkerCount != 20 {
		t.Errorf("Fetch.WorkerCount = %d, want 20", cfg.Fetch.WorkerCount)
	}
}

func TestLoadExplicitWSURLNotOverridden(t *testing.T) {
	t.Setenv("OPAL_CLIENT_CONFIG", "/nonexistent/path.yaml")
	t.Setenv("OPAL_SERVER_URL", "http://opal.internal:7002")
	t.Setenv("OPAL_SERVER_WS_URL", "ws://opal.internal:7002/ws/v2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.WSURL != "ws://opal.internal:7002/ws/v2" {
		t.Errorf("Server.WSURL = %q, want explicit override preserved", cfg.Server.WSURL)
	}
}
