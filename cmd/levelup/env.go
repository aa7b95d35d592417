package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/config"
	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/metrics"
	"github.com/mpataki/levelup/internal/storage"
)

// env is what every command needs: the data dir, the project settings, a
// logger and the shared store.
type env struct {
	cfg      *config.Config
	settings *config.Settings
	project  string
	logger   *zap.Logger
	store    *storage.Storage
}

type envOptions struct {
	projectPath string // replaces --project, e.g. with a stored run's project
	quiet       bool   // keeps log output off the terminal
}

func openEnv(cmd *cobra.Command, opts envOptions) (*env, error) {
	project := opts.projectPath
	if project == "" {
		project, _ = cmd.Flags().GetString("project")
	}
	project, err := filepath.Abs(project)
	if err != nil {
		return nil, fmt.Errorf("invalid project path: %w", err)
	}
	overrides, _ := cmd.Flags().GetStringArray("set")

	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	settings, err := config.Load(project, overrides...)
	if err != nil {
		return nil, err
	}

	logCfg := settings.Log
	if opts.quiet {
		logCfg.Quiet = true
		if logCfg.File == "" {
			logCfg.File = cfg.LogFile()
		}
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath, storage.WithLogger(logger))
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &env{
		cfg:      cfg,
		settings: settings,
		project:  project,
		logger:   logger,
		store:    store,
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// serveMetrics exposes collector on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
