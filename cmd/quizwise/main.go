package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/air-gapped/quizwise/internal/cache"
	"github.com/air-gapped/quizwise/internal/clients"
	"github.com/air-gapped/quizwise/internal/config"
	"github.com/air-gapped/quizwise/internal/engine"
	"github.com/air-gapped/quizwise/internal/fetch"
	"github.com/air-gapped/quizwise/internal/logging"
	"github.com/air-gapped/quizwise/internal/notify"
	"github.com/air-gapped/quizwise/internal/queue"
	"github.com/air-gapped/quizwise/internal/server"
	"github.com/air-gapped/quizwise/internal/store"
)

// Set by linker via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Check for --version before full flag parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			fmt.Printf("quizwise %s (%s) built %s\n", version, commit, date)
			os.Exit(0)
		}
	}

	os.Exit(run(os.Args[1:]))
}

// run serves until SIGTERM or SIGINT and returns the process exit code.
// Returning instead of exiting lets the deferred database and cache closes
// run on every path.
func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quizwise: %v\n", err)
		return 1
	}

	logger := logging.Setup()

	if cfg.TLSSkipVerify {
		slog.Warn("TLS certificate verification disabled for network fetches")
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			slog.Error("resolve database path", "error", err)
			return 1
		}
	}

	slog.Info("config loaded",
		"listen", cfg.Listen,
		"origin", cfg.Origin,
		"catalog", cfg.CatalogFile,
		"static_cache", cfg.Catalog.StaticCache,
		"dynamic_cache", cfg.Catalog.DynamicCache,
		"cache_backend", cfg.CacheBackend,
		"db", dbPath,
		"cache_max_size", cfg.CacheMaxSize,
		"fetch_timeout", cfg.FetchTimeout.String(),
		"max_file_size", cfg.MaxFileSize,
		"tls_skip_verify", cfg.TLSSkipVerify,
	)

	if err := store.EnsureDir(dbPath); err != nil {
		slog.Error("create data directory", "error", err)
		return 1
	}
	db, err := store.Open(dbPath)
	if err != nil {
		slog.Error("open database", "path", dbPath, "error", err)
		return 1
	}
	defer db.Close()

	ctx := context.Background()

	var cacheStore cache.Store
	switch cfg.CacheBackend {
	case config.BackendSQLite:
		sqliteStore, err := cache.NewSQLiteStore(ctx, db.DB())
		if err != nil {
			slog.Error("open sqlite cache", "error", err)
			return 1
		}
		defer sqliteStore.Close()
		cacheStore = sqliteStore
	default:
		cacheStore = cache.NewMemoryStore(cfg.CacheMaxSize)
	}

	submissions, err := queue.New(ctx, db.DB(), logger)
	if err != nil {
		slog.Error("open submission queue", "error", err)
		return 1
	}

	client := fetch.NewClient(cfg.FetchTimeout, cfg.MaxFileSize, cfg.TLSSkipVerify)
	registry := clients.NewRegistry(logger)
	tray := notify.NewTray(0)
	bridge, err := notify.NewBridge(tray, registry, logger)
	if err != nil {
		slog.Error("create notification bridge", "error", err)
		return 1
	}

	origin, _ := url.Parse(cfg.Origin) // validated by config.Parse
	eng, err := engine.New(engine.Options{
		Catalog:  cfg.Catalog,
		Origin:   origin,
		Store:    cacheStore,
		Fetcher:  client,
		Clients:  registry,
		Queue:    submissions,
		Notifier: bridge,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("create engine", "error", err)
		return 1
	}

	srv, err := server.New(cfg, version, server.Deps{
		Engine:  eng,
		Fetcher: client,
		Store:   cacheStore,
		Queue:   submissions,
		Tray:    tray,
		Clients: registry,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("create server", "error", err)
		return 1
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Handler(),
	}
	// Shutdown waits for active requests; page event streams only end when
	// their page is disconnected.
	httpServer.RegisterOnShutdown(registry.CloseAll)

	// Start server in background
	go func() {
		slog.Info("server started", "listen", cfg.Listen, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Install and activate while already serving; until then requests
	// pass through to the network. A failed install is logged and the
	// process keeps serving.
	var lifecycle sync.WaitGroup
	lifecycle.Add(1)
	go func() {
		defer lifecycle.Done()
		if err := eng.Start(sigCtx); err != nil {
			slog.Error("lifecycle start failed", "state", eng.State(), "error", err)
		}
	}()

	<-sigCtx.Done()

	slog.Info("shutting down")

	// Graceful shutdown with 30s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	code := 0
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		httpServer.Close()
		code = 1
	}

	lifecycle.Wait()
	eng.Wait()
	client.CloseIdleConnections()

	slog.Info("shutdown complete")
	return code
}
