package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fetchbox/backend/internal/api"
	"github.com/fetchbox/backend/internal/config"
	"github.com/fetchbox/backend/internal/download"
	"github.com/fetchbox/backend/internal/fetch"
	"github.com/fetchbox/backend/internal/health"
	"github.com/fetchbox/backend/internal/history"
	"github.com/fetchbox/backend/internal/logger"
	"github.com/fetchbox/backend/internal/organizer"
)

const version = "1.2.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error(nil, "invalid configuration", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), "")
	logger.SetDefault(log)
	ctx := context.Background()

	if err := fetch.Install(ctx); err != nil {
		logger.Error(ctx, "failed to provision yt-dlp", err)
		os.Exit(1)
	}

	folders := organizer.New(cfg.RootDir)
	store, err := download.NewStore(folders)
	if err != nil {
		logger.Error(ctx, "failed to initialize store", err)
		os.Exit(1)
	}

	archive, err := history.Open(cfg.HistoryDB)
	if err != nil {
		logger.Error(ctx, "failed to open history db", err)
		os.Exit(1)
	}
	defer archive.Close()

	// Jobs claimed by a previous process go back to pending before
	// the worker starts.
	reaped, err := store.ReapStale(cfg.StaleAge())
	if err != nil {
		logger.Error(ctx, "stale job recovery failed", err)
		os.Exit(1)
	}
	if reaped > 0 {
		logger.Info(ctx, "recovered stale jobs", map[string]interface{}{"count": reaped})
	}

	if cfg.MaxConcurrent > 1 {
		logger.Warn(ctx, "max_concurrent_downloads above 1 is not supported, downloads run one at a time", map[string]interface{}{
			"configured": cfg.MaxConcurrent,
		})
	}

	fetcher := fetch.NewYTDLP(cfg.CookieFile)
	worker := download.NewWorker(store, folders, fetcher, archive, download.WorkerConfig{
		PollInterval: cfg.PollInterval(),
		FetchTimeout: cfg.FetchTimeout(),
	})
	service := download.NewService(store, worker)

	checker := health.NewChecker(&health.CheckerConfig{
		RootDir:       cfg.RootDir,
		Archive:       archive,
		WorkerRunning: worker.IsRunning,
		Version:       version,
	})

	router := api.NewRouter(service, archive, checker)
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	worker.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server listening", map[string]interface{}{
			"addr":           cfg.ServerAddr,
			"downloads_root": cfg.RootDir,
			"version":        version,
		})
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error(ctx, "server failed", err)
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server shutdown failed", err)
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "worker shutdown failed", err)
	}
}
