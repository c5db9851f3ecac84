// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opalmesh/opal/internal/server/adminauth"
	"github.com/opalmesh/opal/internal/server/api"
	"github.com/opalmesh/opal/internal/server/audit"
	"github.com/opalmesh/opal/internal/server/bundlemaker"
	"github.com/opalmesh/opal/internal/server/config"
	"github.com/opalmesh/opal/internal/server/jwks"
	"github.com/opalmesh/opal/internal/server/leader"
	"github.com/opalmesh/opal/internal/server/pubsub"
	"github.com/opalmesh/opal/internal/server/source"
	"github.com/opalmesh/opal/internal/server/stats"
	"github.com/opalmesh/opal/internal/server/webhook"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "opal-server",
	Short:   "OPAL Server - policy and data change distribution coordinator",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.SetVersionTemplate("opal-server {{.Version}}\n")
	rootCmd.Flags().String("config", "", "path to server config YAML (overrides OPAL_SERVER_CONFIG)")
	rootCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath != "" {
			return os.Setenv("OPAL_SERVER_CONFIG", configPath)
		}
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	log.Println("OPAL Server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	notifier := pubsub.New()

	var broadcaster *pubsub.Broadcaster
	if cfg.Broadcaster.RedisAddr != "" {
		backend := pubsub.NewRedisBackend(cfg.Broadcaster.RedisAddr)
		broadcaster = pubsub.NewBroadcaster(notifier, backend, cfg.Broadcaster.Channel)
		go broadcaster.Run(context.Background())
	}

	signer, err := jwks.NewSigner(cfg.Auth.JWKSDir)
	if err != nil {
		log.Fatalf("Failed to initialize JWT signer: %v", err)
	}

	endpoint := pubsub.NewEndpoint(notifier, signer)

	lock, err := newLeaderLock(cfg.Leader)
	if err != nil {
		log.Fatalf("Failed to initialize leader lock: %v", err)
	}

	watcher, root, err := newSourceWatcher(cfg.Source)
	if err != nil {
		log.Fatalf("Failed to initialize policy source: %v", err)
	}

	var resolver interface {
		CommitObject(rev string) (*object.Commit, error)
	}
	if gs, ok := watcher.(*source.GitSource); ok {
		resolver = gs
	}

	var directories []api.Directory
	for _, dir := range cfg.Source.Directories {
		maker := bundlemaker.New(root, []string{dir}, cfg.Source.IgnoreGlobs)
		cache := api.NewPolicyCache(maker, resolver, dir)
		directories = append(directories, api.Directory{Path: dir, Cache: cache})
	}

	var webhookHandler *webhook.Handler
	if cfg.Webhook.Secret != "" || cfg.Source.Type == "git" {
		webhookHandler = webhook.NewHandler(webhook.Config{
			Secret:           cfg.Webhook.Secret,
			SecretType:       webhook.SecretType(cfg.Webhook.SecretType),
			SecretHeaderName: cfg.Webhook.SecretHeaderName,
			UpstreamURL:      cfg.Source.RepoURL,
		}, func() {
			// Published rather than actioned directly: only the
			// replica currently holding the leader lock runs the
			// source watcher (see api.Server.RunLeaderDuties), and it
			// is the one subscribed to this topic.
			if broadcaster != nil {
				broadcaster.Publish(context.Background(), []string{"webhook"}, nil)
				return
			}
			notifier.Publish([]string{"webhook"}, nil)
		})
	}

	auditRecorder := newAuditRecorder(cfg.Database)

	var admin *adminauth.Authenticator
	if cfg.LDAP.Enabled {
		admin = adminauth.New(nil, adminauth.LDAPConfig{
			Enabled:      cfg.LDAP.Enabled,
			Host:         cfg.LDAP.Host,
			Port:         cfg.LDAP.Port,
			UseTLS:       cfg.LDAP.UseTLS,
			BindDN:       cfg.LDAP.BindDN,
			BindPassword: cfg.LDAP.BindPassword,
			BaseDN:       cfg.LDAP.BaseDN,
			UserFilter:   cfg.LDAP.UserFilter,
			AttrUsername: cfg.LDAP.AttrUsername,
			AttrEmail:    cfg.LDAP.AttrEmail,
		})
	}

	statsTracker := stats.New(nil)

	server := api.New(api.Config{
		Notifier:    notifier,
		Broadcaster: broadcaster,
		Endpoint:    endpoint,
		Signer:      signer,
		Lock:        lock,
		Source:      watcher,
		Directories: directories,
		DataEntries: cfg.DataEntries,
		Webhook:     webhookHandler,
		Stats:       statsTracker,
		Audit:       auditRecorder,
		Admin:       admin,
		MasterToken: cfg.Auth.MasterToken,
		DefaultTTL:  cfg.Auth.DefaultTTL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.RunLeaderDuties(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Printf("HTTP listening on %s", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down server...")
	cancel()
	_ = lock.Release()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
	return nil
}

// newLeaderLock selects the Leader Lock backend named by cfg.Backend.
func newLeaderLock(cfg config.LeaderConfig) (leader.Lock, error) {
	if cfg.Backend == "raft" {
		return leader.NewRaftLock(leader.RaftConfig{
			LocalID:   cfg.RaftBindAddr,
			BindAddr:  cfg.RaftBindAddr,
			DataDir:   cfg.RaftDataDir,
			Bootstrap: cfg.RaftBootstrap,
		})
	}
	return leader.NewFileLock(cfg.FileLockPath), nil
}

// newSourceWatcher selects the Policy Source backend named by
// cfg.Type and returns it alongside the local filesystem root the
// Bundle Maker should read policy modules from.
func newSourceWatcher(cfg config.SourceConfig) (source.Watcher, string, error) {
	if cfg.Type == "bundle" {
		return source.NewBundleSource(source.BundleConfig{
			URL:          cfg.BundleURL,
			PollInterval: cfg.PollInterval,
		}), cfg.ClonePath, nil
	}

	var sshKey []byte
	if cfg.SSHKeyFile != "" {
		data, err := os.ReadFile(cfg.SSHKeyFile)
		if err != nil {
			return nil, "", err
		}
		sshKey = data
	}

	src, err := source.NewGitSource(source.GitConfig{
		RepoURL:       cfg.RepoURL,
		ClonePath:     cfg.ClonePath,
		BranchName:    cfg.BranchName,
		RemoteName:    cfg.RemoteName,
		SSHPrivateKey: sshKey,
		PollInterval:  cfg.PollInterval,
	})
	return src, cfg.ClonePath, err
}

func newAuditRecorder(cfg config.DatabaseConfig) audit.Recorder {
	if cfg.Host == "" {
		return audit.NewInMemory(0)
	}
	store, err := audit.Open(audit.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		SSLMode:  cfg.SSLMode,
	})
	if err != nil {
		log.Printf("audit: falling back to in-memory history, failed to connect to database: %v", err)
		return audit.NewInMemory(0)
	}
	if err := store.RunMigrations(); err != nil {
		log.Fatalf("audit: failed to run migrations: %v", err)
	}
	return store
}
