package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-and-packages/progress"
	"github.com/dhcgn/mail-and-packages/runner"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Scan the mailbox every --interval until interrupted",
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

			out := cmd.OutOrStdout()
			return runner.Watch(ctx, r, runner.WatchOptions{
				Interval: cfg.Interval,
				Timeout:  cfg.Timeout,
				Logger:   logger,
				Publish: func(res runner.Result) {
					if err := progress.Render(out, res.Values, res.Stats, res.Duration, cfg.JSON); err != nil {
						logger.Error("printing result failed", "err", err)
					}
				},
			})
		},
	}
}
