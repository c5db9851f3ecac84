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

	"github.com/opalmesh/opal/internal/client/config"
	"github.com/opalmesh/opal/internal/client/fetch"
	"github.com/opalmesh/opal/internal/client/pubsub"
	"github.com/opalmesh/opal/internal/client/store"
	"github.com/opalmesh/opal/internal/client/txlog"
	"github.com/opalmesh/opal/internal/client/updater"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "opal-client",
	Short:   "OPAL Client - sidecar that keeps a local OPA in sync",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient()
	},
}

func init() {
	rootCmd.SetVersionTemplate("opal-client {{.Version}}\n")
	rootCmd.Flags().String("config", "", "path to client config YAML (overrides OPAL_CLIENT_CONFIG)")
	rootCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath != "" {
			return os.Setenv("OPAL_CLIENT_CONFIG", configPath)
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

func runClient() error {
	log.Println("OPAL Client")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	opaStore := store.NewOPAStore(store.OPAConfig{
		BaseURL:     cfg.Store.OPAURL,
		Token:       cfg.Store.OPAToken,
		IgnorePaths: cfg.Store.IgnorePaths,
	})

	txLog := txlog.NewTransactionLog(cfg.Policy.Enabled, cfg.Data.Enabled)

	httpClient := &http.Client{Timeout: cfg.Fetch.HTTPTimeout}
	fetcher := updater.NewHTTPFetcher(cfg.Server.URL, cfg.Server.Token, httpClient)

	engine := fetch.New(cfg.Fetch.WorkerCount, cfg.Fetch.QueueSize)
	engine.RegisterProvider(fetch.HTTPProviderName, fetch.NewHTTPProvider(cfg.Fetch.HTTPTimeout))
	engine.RegisterFailureHandler(func(event fetch.Event, err error) {
		log.Printf("fetch: %s permanently failed: %v", event.URL, err)
	})

	client := pubsub.New(cfg.Server.WSURL, cfg.Server.Token)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx, cfg.Fetch.WorkerCount)

	if cfg.Policy.Enabled {
		policyUpdater := updater.New(updater.PolicyUpdaterConfig{
			Directories: cfg.Policy.Directories,
			PubSub:      client,
			Store:       opaStore,
			TxLog:       txLog,
			Fetcher:     fetcher,
		})
		policyUpdater.Start(ctx)
	}

	if cfg.Data.Enabled {
		dataUpdater := updater.NewDataUpdater(updater.DataUpdaterConfig{
			Topics:  cfg.Data.Topics,
			PubSub:  client,
			Store:   opaStore,
			TxLog:   txLog,
			Fetch:   engine,
			Fetcher: fetcher,
		})
		dataUpdater.Start(ctx)
	}

	go client.Run(ctx)

	log.Printf("connecting to %s", cfg.Server.WSURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down client...")
	cancel()
	time.Sleep(100 * time.Millisecond)
	log.Println("Client stopped")
	return nil
}
