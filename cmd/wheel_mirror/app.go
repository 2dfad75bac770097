package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/wheel_mirror/internal/config"
	"github.com/italolelis/wheel_mirror/internal/downloader"
	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/italolelis/wheel_mirror/internal/storage"
	"github.com/italolelis/wheel_mirror/internal/storage/jsonfile"
	"github.com/italolelis/wheel_mirror/internal/storage/sqlite"
	"github.com/italolelis/wheel_mirror/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// app holds what every command needs: configuration, logger, telemetry and
// the progress store.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *storage.Store
	db     *sql.DB
	server *http.Server
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(logctx.NewTraceHandler(handler)).With("run_id", downloader.GenerateRunID())
}

// setup builds the shared dependencies. The returned context carries the logger.
func setup(ctx context.Context, cfg *config.Config) (context.Context, *app, error) {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx = logctx.WithLogger(ctx, logger)

	a := &app{cfg: cfg}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a.tel = tel

	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsAddress != "" {
		a.server = newMetricsServer(ctx, cfg.Telemetry.MetricsAddress, tel)

		go func() {
			logger.Info("serving metrics", "address", cfg.Telemetry.MetricsAddress)

			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	// =========================================================================
	// Start Progress Store
	repo, err := a.progressRepository()
	if err != nil {
		a.close(ctx)

		return ctx, nil, err
	}

	a.store = storage.Open(ctx, storage.NewInstrumentedRepository(repo, tel, cfg.ProgressBackend))

	return ctx, a, nil
}

func (a *app) progressRepository() (storage.ProgressRepository, error) {
	switch a.cfg.ProgressBackend {
	case config.BackendSQLite:
		db, err := sqlite.InitDB(a.cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open progress database: %w", err)
		}

		a.db = db

		return sqlite.NewProgressRepository(db), nil
	case config.BackendJSON:
		return jsonfile.NewProgressRepository(a.cfg.ProgressFile), nil
	}

	return nil, fmt.Errorf("invalid progress backend: %s", a.cfg.ProgressBackend)
}

// close releases everything setup acquired. It uses its own deadline so it
// still runs after ctx was cancelled by a signal.
func (a *app) close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the metrics server", "err", err)
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Error("failed to close progress database", "err", err)
		}
	}

	if err := a.tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown telemetry", "err", err)
	}
}

func newMetricsServer(ctx context.Context, addr string, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
