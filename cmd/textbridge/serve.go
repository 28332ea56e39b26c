package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"textbridge/internal/api"
	"textbridge/internal/cache"
	"textbridge/internal/config"
	"textbridge/internal/dispatch"
	"textbridge/internal/fetch"
	"textbridge/internal/identity"
	"textbridge/internal/logging"
	"textbridge/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd runs the host daemon.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host daemon",
	Long: `Starts the long-lived host: the HTTP send endpoint, the push event
stream, the two-tier result cache with its expiry sweeper, and the
connection to the upstream text service.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	durable, err := openDurable()
	if err != nil {
		return err
	}
	defer durable.Close()

	store := cache.NewStore(durable)
	store.StartSweeper(ctx, cfg.GetSweepInterval())

	session := identity.NewFileSession(workspace)
	backend := api.NewClient(cfg.Backend.BaseURL, cfg.GetBackendTimeout(), session)
	fetcher := fetch.NewFetcher(store, backend)

	hub := dispatch.NewHub()
	dispatcher := dispatch.NewDispatcher(hub)
	dispatch.RegisterCoreHandlers(dispatcher, dispatch.CoreDeps{
		API:          backend,
		Fetcher:      fetcher,
		Cache:        store,
		Identity:     session,
		TemplatesTTL: cfg.GetTemplatesTTL(),
		StatsTTL:     cfg.GetStatsTTL(),
	})

	srv := &http.Server{
		Addr:    cfg.Transport.ListenAddr,
		Handler: dispatch.NewServer(dispatcher, hub),
	}

	// Hot-reload the log configuration when the config file changes; the
	// rest of the settings apply on restart.
	go func() {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		_ = config.Watch(ctx, path, func(_ *config.Config) {
			if err := logging.ReloadConfig(); err != nil {
				logging.BootWarn("Log config reload failed: %v", err)
			}
		})
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Host listening", zap.String("addr", cfg.Transport.ListenAddr))
		logging.Boot("Host listening on %s", cfg.Transport.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Host stopped")
	return nil
}

func openDurable() (storage.Storage, error) {
	path := cfg.Cache.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	durable, err := storage.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	return durable, nil
}

// cacheCmd groups local cache maintenance.
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the local result cache",
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired entries from the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		durable, err := openDurable()
		if err != nil {
			return err
		}
		defer durable.Close()

		removed := cache.NewStore(durable).Sweep()
		fmt.Printf("Removed %d expired entries\n", removed)
		return nil
	},
}

var clearIdentity string

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached entries, all of them or one identity's",
	RunE: func(cmd *cobra.Command, args []string) error {
		durable, err := openDurable()
		if err != nil {
			return err
		}
		defer durable.Close()

		if clearIdentity != "" {
			cache.NewStore(durable).InvalidateIdentity(clearIdentity)
			fmt.Printf("Removed cached entries for %s\n", clearIdentity)
			return nil
		}

		keys, err := durable.ListKeys("")
		if err != nil {
			return fmt.Errorf("failed to list cache entries: %w", err)
		}
		for _, key := range keys {
			if err := durable.Remove(key); err != nil {
				return fmt.Errorf("failed to remove %s: %w", key, err)
			}
		}
		fmt.Printf("Removed %d entries\n", len(keys))
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().StringVar(&clearIdentity, "identity", "", "Clear only this identity's entries")
	cacheCmd.AddCommand(cacheSweepCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
