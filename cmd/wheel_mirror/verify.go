package main

import (
	"fmt"

	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/italolelis/wheel_mirror/internal/mirror"
	"github.com/spf13/cobra"
)

func newVerifyCmd(f *flags) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every completed download and report files that no longer match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, a, err := setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			report, err := mirror.Verify(ctx, a.store, cfg.DataDir, prune)
			if err != nil {
				return err
			}

			logger := logctx.LoggerFromContext(ctx)
			for _, c := range report.Invalid {
				logger.Info("invalid download", "url", c.URL, "file", c.Filename, "status", c.Status)
			}

			if len(report.Invalid) > 0 && !prune {
				return fmt.Errorf("%d of %d downloads failed verification", len(report.Invalid), report.Checked)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "forget invalid records so the next run downloads them again")

	return cmd
}
