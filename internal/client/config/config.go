// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package config loads the Client's configuration from an optional YAML
// file plus environment variable overrides, mirroring
// internal/server/config's pattern: a fileConfig struct for YAML
// unmarshalling, defaults baked in before the file is read, then every
// field given one more chance to be overridden by an environment
// variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the Client's full runtime configuration.
type Config struct {
	Server ServerConfig
	Policy PolicyConfig
	Data   DataConfig
	Store  StoreConfig
	Fetch  FetchConfig
}

// ServerConfig describes how to reach the Server's pub/sub endpoint and
// HTTP API.
type ServerConfig struct {
	URL   string // e.g. http://localhost:7002
	WSURL string // e.g. ws://localhost:7002/ws; derived from URL when empty
	Token string
}

// PolicyConfig configures the Policy Updater.
type PolicyConfig struct {
	Enabled     bool
	Directories []string
}

// DataConfig configures the Data Updater.
type DataConfig struct {
	Enabled bool
	Topics  []string
}

// StoreConfig configures the backing OPA instance.
type StoreConfig struct {
	OPAURL      string
	OPAToken    string
	IgnorePaths []string
}

// FetchConfig sizes the Data Fetch Engine's worker pool and its default
// HTTP provider's per-request timeout.
type FetchConfig struct {
	WorkerCount int
	QueueSize   int
	HTTPTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		URL   string `yaml:"url"`
		WSURL string `yaml:"ws_url"`
		Token string `yaml:"token"`
	} `yaml:"server"`
	Policy struct {
		Enabled     bool     `yaml:"enabled"`
		Directories []string `yaml:"directories"`
	} `yaml:"policy"`
	Data struct {
		Enabled bool     `yaml:"enabled"`
		Topics  []string `yaml:"topics"`
	} `yaml:"data"`
	Store struct {
		OPAURL      string   `yaml:"opa_url"`
		OPAToken    string   `yaml:"opa_token"`
		IgnorePaths []string `yaml:"ignore_paths"`
	} `yaml:"store"`
	Fetch struct {
		WorkerCount    int `yaml:"worker_count"`
		QueueSize      int `yaml:"queue_size"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"fetch"`
}

// Load reads configuration from a YAML file (optional, path from
// OPAL_CLIENT_CONFIG, default /etc/opal/client.yaml) and environment
// variables, the latter taking precedence.
func Load() (*Config, error) {
	fc := defaultFileConfig()

	cfgPath := getEnv("OPAL_CLIENT_CONFIG", "/etc/opal/client.yaml")
	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cfgPath, err)
		}
	}

	workerCountStr := getEnv("OPAL_FETCH_WORKER_COUNT", strconv.Itoa(fc.Fetch.WorkerCount))
	workerCount, err := strconv.Atoi(workerCountStr)
	if err != nil {
		return nil, fmt.Errorf("config: invalid OPAL_FETCH_WORKER_COUNT: %w", err)
	}

	queueSizeStr := getEnv("OPAL_FETCH_QUEUE_SIZE", strconv.Itoa(fc.Fetch.QueueSize))
	queueSize, err := strconv.Atoi(queueSizeStr)
	if err != nil {
		return nil, fmt.Errorf("config: invalid OPAL_FETCH_QUEUE_SIZE: %w", err)
	}

	timeoutStr := getEnv("OPAL_FETCH_TIMEOUT_SECONDS", strconv.Itoa(fc.Fetch.TimeoutSeconds))
	timeoutSeconds, err := strconv.Atoi(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("config: invalid OPAL_FETCH_TIMEOUT_SECONDS: %w", err)
	}

	policyDirs := fc.Policy.Directories
	if envDirs := os.Getenv("OPAL_POLICY_DIRECTORIES"); envDirs != "" {
		policyDirs = splitComma(envDirs)
	}

	dataTopics := fc.Data.Topics
	if envTopics := os.Getenv("OPAL_DATA_TOPICS"); envTopics != "" {
		dataTopics = splitComma(envTopics)
	}

	ignorePaths := fc.Store.IgnorePaths
	if envIgnore := os.Getenv("OPAL_STORE_IGNORE_PATHS"); envIgnore != "" {
		ignorePaths = splitComma(envIgnore)
	}

	serverURL := getEnv("OPAL_SERVER_URL", fc.Server.URL)
	wsURL := getEnv("OPAL_SERVER_WS_URL", fc.Server.WSURL)
	if wsURL == "" {
		wsURL = deriveWSURL(serverURL)
	}

	return &Config{
		Server: ServerConfig{
			URL:   serverURL,
			WSURL: wsURL,
			Token: getEnv("OPAL_CLIENT_TOKEN", fc.Server.Token),
		},
		Policy: PolicyConfig{
			Enabled:     getEnvBool("OPAL_POLICY_UPDATER_ENABLED", fc.Policy.Enabled),
			Directories: policyDirs,
		},
		Data: DataConfig{
			Enabled: getEnvBool("OPAL_DATA_UPDATER_ENABLED", fc.Data.Enabled),
			Topics:  dataTopics,
		},
		Store: StoreConfig{
			OPAURL:      getEnv("OPAL_OPA_URL", fc.Store.OPAURL),
			OPAToken:    getEnv("OPAL_OPA_TOKEN", fc.Store.OPAToken),
			IgnorePaths: ignorePaths,
		},
		Fetch: FetchConfig{
			WorkerCount: workerCount,
			QueueSize:   queueSize,
			HTTPTimeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}, nil
}

// deriveWSURL rewrites an http(s):// server URL into its ws(s):///ws
// equivalent when no explicit websocket URL was configured.
func deriveWSURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/ws"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/ws"
	default:
		return serverURL
	}
}

func defaultFileConfig() fileConfig {
	var fc fileConfig
	fc.Server.URL = "http://localhost:7002"
	fc.Policy.Enabled = true
	fc.Policy.Directories = []string{"."}
	fc.Data.Enabled = true
	fc.Data.Topics = []string{"policy_data"}
	fc.Store.OPAURL = "http://localhost:8181"
	fc.Fetch.WorkerCount = 5
	fc.Fetch.QueueSize = 1000
	fc.Fetch.TimeoutSeconds = 30
	return fc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
