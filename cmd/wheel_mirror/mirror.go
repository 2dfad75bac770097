package main

import (
	"context"
	"time"

	"github.com/italolelis/wheel_mirror/internal/cleanup"
	"github.com/italolelis/wheel_mirror/internal/config"
	"github.com/italolelis/wheel_mirror/internal/downloader"
	"github.com/italolelis/wheel_mirror/internal/httpclient"
	"github.com/italolelis/wheel_mirror/internal/index"
	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/italolelis/wheel_mirror/internal/mirror"
	"github.com/italolelis/wheel_mirror/internal/notifier"
	"github.com/italolelis/wheel_mirror/internal/transfer"
	"github.com/spf13/cobra"
)

const notifyTimeout = 10 * time.Second

func newMirrorCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "mirror",
		Short: "Download all wheels of the listed packages (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMirror(cmd, f)
		},
	}
}

// runMirror returns an error only when the run cannot start. Failed
// downloads and listings are logged and reported, not returned.
func runMirror(cmd *cobra.Command, f *flags) error {
	cfg, err := f.loadConfig(cmd)
	if err != nil {
		return err
	}

	// Inputs are read before anything touches the network or disk.
	baseURL, err := mirror.ReadSource(cfg.SourceFile)
	if err != nil {
		return err
	}

	packages, err := mirror.ReadPackages(cfg.PackagesFile)
	if err != nil {
		return err
	}

	ctx, a, err := setup(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	logger := logctx.LoggerFromContext(ctx)
	logger.Info("wheel mirror starting...",
		"version", version,
		"index", baseURL,
		"packages", len(packages),
		"data_dir", cfg.DataDir,
		"max_parallel", cfg.MaxParallel,
		"progress_backend", cfg.ProgressBackend,
		"preserve_partials", cfg.PreservePartials,
	)

	if cfg.PartialMaxAge > 0 {
		if _, err := cleanup.DeleteStalePartials(ctx, cfg.DataDir, cfg.PartialMaxAge); err != nil {
			logger.Error("failed to delete stale partial files", "err", err)
		}
	}

	client := httpclient.New(httpclient.Options{
		ResponseHeaderTimeout: cfg.HTTP.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.HTTP.IdleConnTimeout,
		MaxIdleConnsPerHost:   cfg.HTTP.MaxIdleConnsPerHost,
		UserAgent:             cfg.HTTP.UserAgent,
	})

	engine := transfer.NewEngine(client, a.store, transfer.Options{
		OutputDir:        cfg.DataDir,
		PreservePartials: cfg.PreservePartials,
		Telemetry:        a.tel,
	})

	m := mirror.New(index.NewClient(client), downloader.NewDownloader(engine, cfg.MaxParallel), a.tel)

	report := m.Run(ctx, baseURL, packages)

	notifyRun(ctx, cfg, report)

	if ctx.Err() != nil {
		logger.Warn("run interrupted", "err", ctx.Err())
	}

	return nil
}

func notifyRun(ctx context.Context, cfg *config.Config, report mirror.Report) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}

	// The run context may already be cancelled; the summary is still worth sending.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := notif.Notify(notifyCtx, notifier.RunSummary(report)); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}
