package cli

import (
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop",
		Long: `Recover state from the data files and run one tick per tick_interval until
interrupted. SIGINT or SIGTERM stops cleanly; an invariant or persistence
failure halts with a nonzero exit code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			m, err := e.liveMarket(ctx)
			if err != nil {
				return err
			}
			svc, err := e.tradingService(ctx, m, true, true)
			if err != nil {
				return err
			}
			e.logger.Info(ctx, "Trading service initialized", map[string]interface{}{
				"priceSource": e.cfg.PriceSource,
				"dataDir":     e.cfg.DataDir,
				"signal":      e.cfg.Signal.Enabled,
			})

			if err := svc.Start(ctx); err != nil {
				e.logger.Error(ctx, err, "Trading service exited with error")
				return err
			}
			e.logger.Info(ctx, "Application finished gracefully.")
			return nil
		},
	}
}
