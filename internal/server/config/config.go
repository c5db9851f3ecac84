// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package config loads the Server's configuration from an optional YAML
// file plus environment variable overrides, mirroring the teacher's
// internal/config package: a fileConfig struct for YAML unmarshalling,
// defaults baked in before the file is read, then every field except the
// source ignore globs and the data entries given one more chance to be
// overridden by an environment variable (those two come from the file only).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opalmesh/opal/pkg/pubsubmsg"
)

// Config holds the Server's full runtime configuration.
type Config struct {
	Server      ServerConfig
	Source      SourceConfig
	Broadcaster BroadcasterConfig
	Leader      LeaderConfig
	Auth        AuthConfig
	LDAP        LDAPConfig
	Database    DatabaseConfig
	Webhook     WebhookConfig
	DataEntries []pubsubmsg.DataSourceEntry
}

// ServerConfig is the HTTP listen configuration.
type ServerConfig struct {
	Addr string // OPAL_SERVER_ADDR, default ":7002"
}

// SourceConfig describes the Policy Source: either a git remote or a
// bundle server, selected by Type.
type SourceConfig struct {
	Type          string // "git" or "bundle"
	RepoURL       string
	ClonePath     string
	BranchName    string
	RemoteName    string
	SSHKeyFile    string
	BundleURL     string
	PollInterval  time.Duration
	Directories   []string
	IgnoreGlobs   []string
}

// BroadcasterConfig enables cross-worker fanout via Redis. Empty Addr
// means a single-worker deployment (pubsub.NopBackend).
type BroadcasterConfig struct {
	RedisAddr string
	Channel   string
}

// LeaderConfig selects the Leader Lock backend.
type LeaderConfig struct {
	Backend      string // "file" or "raft"
	FileLockPath string
	RaftBindAddr string
	RaftDataDir  string
	RaftBootstrap bool
}

// AuthConfig controls JWT signing and the /token master-token guard.
type AuthConfig struct {
	JWKSDir     string
	MasterToken string
	DefaultTTL  time.Duration
}

// LDAPConfig mirrors the teacher's LDAPConfig exactly (same env var
// names would collide with a dashboard deployment sharing the same
// directory, so OPAL uses its own OPAL_LDAP_* prefix instead).
type LDAPConfig struct {
	Enabled      bool
	Host         string
	Port         int
	UseTLS       bool
	BindDN       string
	BindPassword string
	BaseDN       string
	UserFilter   string
	AttrUsername string
	AttrEmail    string
}

// DatabaseConfig is the optional Postgres backing for audit history
// (component O). A zero-value Host means the Server falls back to
// audit.InMemory.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// WebhookConfig mirrors internal/server/webhook.Config's fields that are
// configuration (not runtime-computed).
type WebhookConfig struct {
	Secret           string
	SecretType       string
	SecretHeaderName string
}

type fileConfig struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Source struct {
		Type         string   `yaml:"type"`
		RepoURL      string   `yaml:"repo_url"`
		ClonePath    string   `yaml:"clone_path"`
		BranchName   string   `yaml:"branch"`
		RemoteName   string   `yaml:"remote"`
		SSHKeyFile   string   `yaml:"ssh_key_file"`
		BundleURL    string   `yaml:"bundle_url"`
		PollSeconds  int      `yaml:"poll_seconds"`
		Directories  []string `yaml:"directories"`
		IgnoreGlobs  []string `yaml:"ignore_globs"`
	} `yaml:"source"`
	Broadcaster struct {
		RedisAddr string `yaml:"redis_addr"`
		Channel   string `yaml:"channel"`
	} `yaml:"broadcaster"`
	Leader struct {
		Backend       string `yaml:"backend"`
		FileLockPath  string `yaml:"file_lock_path"`
		RaftBindAddr  string `yaml:"raft_bind_addr"`
		RaftDataDir   string `yaml:"raft_data_dir"`
		RaftBootstrap bool   `yaml:"raft_bootstrap"`
	} `yaml:"leader"`
	Auth struct {
		JWKSDir        string `yaml:"jwks_dir"`
		MasterToken    string `yaml:"master_token"`
		DefaultTTLMins int    `yaml:"default_ttl_minutes"`
	} `yaml:"auth"`
	LDAP struct {
		Enabled      bool   `yaml:"enabled"`
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		UseTLS       bool   `yaml:"use_tls"`
		BindDN       string `yaml:"bind_dn"`
		BindPassword string `yaml:"bind_password"`
		BaseDN       string `yaml:"base_dn"`
		UserFilter   string `yaml:"user_filter"`
		AttrUsername string `yaml:"attr_username"`
		AttrEmail    string `yaml:"attr_email"`
	} `yaml:"ldap"`
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`
	Webhook struct {
		Secret           string `yaml:"secret"`
		SecretType       string `yaml:"secret_type"`
		SecretHeaderName string `yaml:"secret_header_name"`
	} `yaml:"webhook"`
	DataEntries []pubsubmsg.DataSourceEntry `yaml:"data_entries"`
}

// Load reads configuration from a YAML file (optional, path from
// OPAL_SERVER_CONFIG, default /etc/opal/server.yaml) and environment
// variables, the latter taking precedence.
func Load() (*Config, error) {
	fc := defaultFileConfig()

	cfgPath := getEnv("OPAL_SERVER_CONFIG", "/etc/opal/server.yaml")
	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cfgPath, err)
		}
	}

	dbPortStr := getEnv("OPAL_DB_PORT", strconv.Itoa(fc.Database.Port))
	dbPort, err := strconv.Atoi(dbPortStr)
	if err != nil {
		return nil, fmt.Errorf("config: invalid OPAL_DB_PORT: %w", err)
	}

	ldapEnabled := getEnvBool("OPAL_LDAP_ENABLED", fc.LDAP.Enabled)
	ldapPortStr := getEnv("OPAL_LDAP_PORT", strconv.Itoa(fc.LDAP.Port))
	ldapPort, err := strconv.Atoi(ldapPortStr)
	if err != nil {
		return nil, fmt.Errorf("config: invalid OPAL_LDAP_PORT: %w", err)
	}

	pollSecondsStr := getEnv("OPAL_POLICY_POLL_SECONDS", strconv.Itoa(fc.Source.PollSeconds))
	pollSeconds, err := strconv.Atoi(pollSecondsStr)
	if err != nil {
		return nil, fmt.Errorf("config: invalid OPAL_POLICY_POLL_SECONDS: %w", err)
	}

	ttlMinsStr := getEnv("OPAL_TOKEN_TTL_MINUTES", strconv.Itoa(fc.Auth.DefaultTTLMins))
	ttlMins, err := strconv.Atoi(ttlMinsStr)
	if err != nil {
		return nil, fmt.Errorf("config: invalid OPAL_TOKEN_TTL_MINUTES: %w", err)
	}

	directories := fc.Source.Directories
	if envDirs := os.Getenv("OPAL_POLICY_DIRECTORIES"); envDirs != "" {
		directories = splitComma(envDirs)
	}

	return &Config{
		Server: ServerConfig{
			Addr: getEnv("OPAL_SERVER_ADDR", fc.Server.Addr),
		},
		Source: SourceConfig{
			Type:         getEnv("OPAL_POLICY_SOURCE_TYPE", fc.Source.Type),
			RepoURL:      getEnv("OPAL_POLICY_REPO_URL", fc.Source.RepoURL),
			ClonePath:    getEnv("OPAL_POLICY_CLONE_PATH", fc.Source.ClonePath),
			BranchName:   getEnv("OPAL_POLICY_BRANCH", fc.Source.BranchName),
			RemoteName:   getEnv("OPAL_POLICY_REMOTE", fc.Source.RemoteName),
			SSHKeyFile:   getEnv("OPAL_POLICY_SSH_KEY_FILE", fc.Source.SSHKeyFile),
			BundleURL:    getEnv("OPAL_POLICY_BUNDLE_URL", fc.Source.BundleURL),
			PollInterval: time.Duration(pollSeconds) * time.Second,
			Directories:  directories,
			IgnoreGlobs:  fc.Source.IgnoreGlobs,
		},
		Broadcaster: BroadcasterConfig{
			RedisAddr: getEnv("OPAL_BROADCASTER_REDIS_ADDR", fc.Broadcaster.RedisAddr),
			Channel:   getEnv("OPAL_BROADCASTER_CHANNEL", fc.Broadcaster.Channel),
		},
		Leader: LeaderConfig{
			Backend:       getEnv("OPAL_LEADER_BACKEND", fc.Leader.Backend),
			FileLockPath:  getEnv("OPAL_LEADER_FILE_LOCK_PATH", fc.Leader.FileLockPath),
			RaftBindAddr:  getEnv("OPAL_LEADER_RAFT_BIND_ADDR", fc.Leader.RaftBindAddr),
			RaftDataDir:   getEnv("OPAL_LEADER_RAFT_DATA_DIR", fc.Leader.RaftDataDir),
			RaftBootstrap: getEnvBool("OPAL_LEADER_RAFT_BOOTSTRAP", fc.Leader.RaftBootstrap),
		},
		Auth: AuthConfig{
			JWKSDir:     getEnv("OPAL_JWKS_DIR", fc.Auth.JWKSDir),
			MasterToken: getEnv("OPAL_MASTER_TOKEN", fc.Auth.MasterToken),
			DefaultTTL:  time.Duration(ttlMins) * time.Minute,
		},
		LDAP: LDAPConfig{
			Enabled:      ldapEnabled,
			Host:         getEnv("OPAL_LDAP_HOST", fc.LDAP.Host),
			Port:         ldapPort,
			UseTLS:       getEnvBool("OPAL_LDAP_USE_TLS", fc.LDAP.UseTLS),
			BindDN:       getEnv("OPAL_LDAP_BIND_DN", fc.LDAP.BindDN),
			BindPassword: getEnv("OPAL_LDAP_BIND_PASSWORD", fc.LDAP.BindPassword),
			BaseDN:       getEnv("OPAL_LDAP_BASE_DN", fc.LDAP.BaseDN),
			UserFilter:   getEnv("OPAL_LDAP_USER_FILTER", fc.LDAP.UserFilter),
			AttrUsername: getEnv("OPAL_LDAP_ATTR_USERNAME", fc.LDAP.AttrUsername),
			AttrEmail:    getEnv("OPAL_LDAP_ATTR_EMAIL", fc.LDAP.AttrEmail),
		},
		Database: DatabaseConfig{
			Host:     getEnv("OPAL_DB_HOST", fc.Database.Host),
			Port:     dbPort,
			User:     getEnv("OPAL_DB_USER", fc.Database.User),
			Password: getEnv("OPAL_DB_PASSWORD", fc.Database.Password),
			Database: getEnv("OPAL_DB_NAME", fc.Database.Name),
			SSLMode:  getEnv("OPAL_DB_SSLMODE", fc.Database.SSLMode),
		},
		Webhook: WebhookConfig{
			Secret:           getEnv("OPAL_WEBHOOK_SECRET", fc.Webhook.Secret),
			SecretType:       getEnv("OPAL_WEBHOOK_SECRET_TYPE", fc.Webhook.SecretType),
			SecretHeaderName: getEnv("OPAL_WEBHOOK_SECRET_HEADER", fc.Webhook.SecretHeaderName),
		},
		DataEntries: fc.DataEntries,
	}, nil
}

func defaultFileConfig() fileConfig {
	var fc fileConfig
	fc.Server.Addr = ":7002"
	fc.Source.Type = "git"
	fc.Source.ClonePath = "/var/lib/opal/policy-repo"
	fc.Source.BranchName = "main"
	fc.Source.RemoteName = "origin"
	fc.Source.PollSeconds = 30
	fc.Source.Directories = []string{"."}
	fc.Leader.Backend = "file"
	fc.Leader.FileLockPath = "/var/lib/opal/leader.lock"
	fc.Auth.JWKSDir = "/var/lib/opal/jwks"
	fc.Auth.DefaultTTLMins = 1440
	fc.LDAP.Port = 389
	fc.LDAP.UserFilter = "(uid=%s)"
	fc.LDAP.AttrUsername = "uid"
	fc.LDAP.AttrEmail = "mail"
	fc.Database.Port = 5432
	fc.Database.SSLMode = "disable"
	fc.Webhook.SecretType = "signature"
	fc.Webhook.SecretHeaderName = "X-Hub-Signature-256"
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
