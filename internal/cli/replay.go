package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cryptoPaperBot/internal/accounting"
	"cryptoPaperBot/internal/adapters/history"
	"cryptoPaperBot/internal/analytics"
	"cryptoPaperBot/internal/utils"
)

// replayResult summarises a finished replay.
type replayResult struct {
	DataDir     string
	Steps       int
	Entries     int
	Exits       int
	Report      accounting.Report
	Performance *analytics.PerformanceMetrics
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		klinesPath string
		symbol     string
		outDir     string
		precision  int32
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run recorded klines through a fresh trading core",
		Long: `Feed a kline CSV (as written by fetch_klines) through the same core that
"run" uses, one tick per kline close, in a fresh data directory. Trading
options come from the config; notifications are not sent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if klinesPath == "" {
				return fmt.Errorf("--klines is required")
			}
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			klines, err := utils.ReadKlinesFromCSV(klinesPath)
			if err != nil {
				return fmt.Errorf("read klines: %w", err)
			}
			feed, err := history.NewFeed(klines, symbol)
			if err != nil {
				return err
			}

			if outDir == "" {
				if outDir, err = os.MkdirTemp("", "paperbot-replay-"); err != nil {
					return err
				}
			}
			res, err := e.replay(ctx, feed, outDir, precision)
			if err != nil {
				return err
			}
			return printReplay(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&klinesPath, "klines", "k", "", "kline CSV to replay")
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "symbol for klines that carry none")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "data directory for the replay (default: a new temp directory)")
	cmd.Flags().Int32Var(&precision, "precision", 3, "quantity precision for symbols missing from quantity_precision")
	return cmd
}

// replay runs feed through a core whose data files live in dir. The feed
// replaces the configured symbols and market collaborators; remote sinks are
// not built.
func (e *env) replay(ctx context.Context, feed *history.Feed, dir string, fallbackPrecision int32) (*replayResult, error) {
	cfg := *e.cfg
	cfg.DataDir = dir
	cfg.PositionsFile = "positions.json"
	cfg.LedgerFile = "ledger.jsonl"
	cfg.SQLite.Path = "trades.db"
	cfg.CSV.Path = "trades.csv"
	cfg.Symbols = feed.Symbols()
	if cfg.DefaultQuantityPrecision == nil {
		cfg.DefaultQuantityPrecision = &fallbackPrecision
	}
	re := &env{cfg: &cfg, logger: e.logger.With("replay")}
	defer re.close()

	m := market{oracle: feed, precision: re.precisionChain(nil), klines: feed}
	svc, err := re.tradingService(ctx, m, false, false)
	if err != nil {
		return nil, err
	}
	if _, err := svc.Recover(ctx); err != nil {
		return nil, err
	}

	res := &replayResult{DataDir: dir}
	last := make(map[string]decimal.Decimal)
	for {
		at, ok := feed.Advance()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return nil, err
		}
		tick, err := svc.RunTick(ctx, at)
		if err != nil {
			return nil, err
		}
		res.Steps++
		res.Entries += len(tick.Entries)
		res.Exits += len(tick.Exits)
		for sym, p := range tick.Prices {
			last[sym] = p
		}
	}

	if res.Report, err = svc.Report(last); err != nil {
		return nil, err
	}
	closed, err := closedEntries(ctx, cfg.LedgerPath())
	if err != nil {
		return nil, err
	}
	res.Performance = analytics.AnalyzePerformance(closed, cfg.InitialCapital)
	re.logger.Info(ctx, "Replay finished", map[string]interface{}{
		"steps":   res.Steps,
		"entries": res.Entries,
		"exits":   res.Exits,
		"dataDir": dir,
	})
	return res, nil
}

func printReplay(out io.Writer, r *replayResult) error {
	p := r.Performance
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Data directory\t%s\n", r.DataDir)
	fmt.Fprintf(w, "Ticks\t%d\n", r.Steps)
	fmt.Fprintf(w, "Entries / exits\t%d / %d\n", r.Entries, r.Exits)
	fmt.Fprintf(w, "Closed trades\t%d (%d won, %d lost)\n", p.TotalTrades, p.WinningTrades, p.LosingTrades)
	fmt.Fprintf(w, "Win rate\t%s%%\n", p.WinRate.Shift(2).StringFixed(1))
	fmt.Fprintf(w, "Realized P&L\t%s\n", r.Report.RealizedPnL.StringFixed(2))
	fmt.Fprintf(w, "Unrealized P&L\t%s\n", r.Report.UnrealizedPnL.StringFixed(2))
	fmt.Fprintf(w, "Total equity\t%s\n", r.Report.TotalEquity.StringFixed(2))
	fmt.Fprintf(w, "Profit factor\t%s\n", p.ProfitFactor.StringFixed(2))
	fmt.Fprintf(w, "Max drawdown\t%s%%\n", p.MaxDrawdown.Shift(2).StringFixed(2))
	fmt.Fprintf(w, "Average hold\t%s\n", time.Duration(p.AverageHoldMinutes.IntPart())*time.Minute)
	fmt.Fprintf(w, "Open at end\t%d\n", r.Report.OpenPositions)
	return w.Flush()
}
