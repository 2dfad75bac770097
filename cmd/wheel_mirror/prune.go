package main

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/wheel_mirror/internal/cleanup"
	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/spf13/cobra"
)

func newPruneCmd(f *flags) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete partial downloads that have not been written to for a while",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.loadConfig(cmd)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("max-age") && cfg.PartialMaxAge > 0 {
				maxAge = cfg.PartialMaxAge
			}

			ctx := logctx.WithLogger(cmd.Context(), newLogger(cfg))

			res, err := cleanup.DeleteStalePartials(ctx, cfg.DataDir, maxAge)
			if err != nil {
				return err
			}

			logctx.LoggerFromContext(ctx).Info("prune finished",
				slog.Int("removed", res.Removed),
				slog.String("freed", humanize.Bytes(uint64(res.Bytes))),
			)

			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "minimum age of a partial file before it is deleted (env PARTIAL_MAX_AGE)")

	return cmd
}
