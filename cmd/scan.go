package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-and-packages/progress"
	"github.com/dhcgn/mail-and-packages/runner"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan the mailbox once and print every sensor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := runner.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("runner.New: %w", err)
			}
			res, err := r.Run(ctx)
			if err != nil {
				return err
			}

			if err := progress.Render(cmd.OutOrStdout(), res.Values, res.Stats, res.Duration, cfg.JSON); err != nil {
				return err
			}

			if err := res.Wait(ctx, cfg.DownloadWait); err != nil {
				if errors.Is(err, runner.ErrDownloadTimeout) || errors.Is(err, context.Canceled) {
					logger.Warn("delivery photo download did not finish", "wait", cfg.DownloadWait)
				} else {
					logger.Warn("delivery photo download failed", "err", err)
				}
			}
			return nil
		},
	}
}
