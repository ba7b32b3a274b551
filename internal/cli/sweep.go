package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cryptoPaperBot/config"
	"cryptoPaperBot/internal/adapters/history"
	"cryptoPaperBot/internal/analytics"
	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/optimization"
	"cryptoPaperBot/internal/utils"
)

// sweepParams maps the sweepable option names onto the config.
var sweepParams = map[string]func(*config.Config, decimal.Decimal){
	"position_size_pct":       func(c *config.Config, v decimal.Decimal) { c.PositionSizePct = v },
	"stop_loss_pct":           func(c *config.Config, v decimal.Decimal) { c.StopLossPct = v },
	"take_profit_pct":         func(c *config.Config, v decimal.Decimal) { c.TakeProfitPct = v },
	"trailing_activation_pct": func(c *config.Config, v decimal.Decimal) { c.TrailingActivationPct = v },
	"trailing_distance_pct":   func(c *config.Config, v decimal.Decimal) { c.TrailingDistancePct = v },
}

func sweepParamNames() []string {
	names := make([]string, 0, len(sweepParams))
	for n := range sweepParams {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var (
		klinesPath  string
		symbol      string
		ranges      []string
		top         int
		concurrency int
		precision   int32
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Replay klines over a grid of trading options and rank the results",
		Long: `Run one replay per combination of the given ranges and print the best
combinations first. Each range is name=min:max:step or name=value, where name
is one of: ` + strings.Join(sweepParamNames(), ", ") + `.`,
		Example: `  paperbot sweep -k SOLUSDT_1m.csv -r stop_loss_pct=0.02:0.06:0.01 -r take_profit_pct=0.1:0.2:0.05`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if klinesPath == "" {
				return fmt.Errorf("--klines is required")
			}
			if len(ranges) == 0 {
				return fmt.Errorf("at least one --range is required")
			}
			parsed := make([]optimization.ParameterRange, 0, len(ranges))
			for _, s := range ranges {
				r, err := optimization.ParseRange(s)
				if err != nil {
					return err
				}
				if _, ok := sweepParams[r.Name]; !ok {
					return fmt.Errorf("unknown parameter %q (want one of %s)", r.Name, strings.Join(sweepParamNames(), ", "))
				}
				parsed = append(parsed, r)
			}
			opt, err := optimization.NewOptimizer(optimization.Config{Ranges: parsed, Concurrency: concurrency})
			if err != nil {
				return err
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
			// Assigns symbols to the shared klines once, before the runs read them.
			if _, err := history.NewFeed(klines, symbol); err != nil {
				return err
			}
			root, err := os.MkdirTemp("", "paperbot-sweep-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(root)

			results, err := opt.Optimize(ctx, e.sweepRun(klines, symbol, root, precision))
			if err != nil {
				return err
			}
			if top > 0 && len(results) > top {
				results = results[:top]
			}
			return printSweep(cmd.OutOrStdout(), parsed, results)
		},
	}
	cmd.Flags().StringVarP(&klinesPath, "klines", "k", "", "kline CSV to replay")
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "symbol for klines that carry none")
	cmd.Flags().StringArrayVarP(&ranges, "range", "r", nil, "parameter range name=min:max:step (repeatable)")
	cmd.Flags().IntVar(&top, "top", 10, "number of combinations to print (0 for all)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "replays run in parallel")
	cmd.Flags().Int32Var(&precision, "precision", 3, "quantity precision for symbols missing from quantity_precision")
	return cmd
}

// sweepRun replays klines once per combination, each in its own directory
// under root with the trade sinks off.
func (e *env) sweepRun(klines []*domain.Kline, symbol, root string, precision int32) optimization.RunFunc {
	return func(ctx context.Context, params map[string]decimal.Decimal) (*analytics.PerformanceMetrics, error) {
		cfg := *e.cfg
		cfg.CSV.Enabled = false
		cfg.SQLite.Enabled = false
		for name, v := range params {
			sweepParams[name](&cfg, v)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		dir, err := os.MkdirTemp(root, "run-")
		if err != nil {
			return nil, err
		}
		feed, err := history.NewFeed(klines, symbol)
		if err != nil {
			return nil, err
		}
		re := &env{cfg: &cfg, logger: e.logger}
		res, err := re.replay(ctx, feed, filepath.Clean(dir), precision)
		if err != nil {
			return nil, err
		}
		return res.Performance, nil
	}
}

func printSweep(out io.Writer, ranges []optimization.ParameterRange, results []optimization.Result) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, r := range ranges {
		fmt.Fprintf(w, "%s\t", r.Name)
	}
	fmt.Fprintln(w, "TRADES\tWIN RATE\tPROFIT\tMAX DD\tSCORE")
	for _, res := range results {
		for _, r := range ranges {
			fmt.Fprintf(w, "%s\t", res.Parameters[r.Name])
		}
		if res.Err != nil {
			fmt.Fprintf(w, "error: %v\n", res.Err)
			continue
		}
		m := res.Metrics
		fmt.Fprintf(w, "%d\t%s%%\t%s\t%s%%\t%s\n",
			m.TotalTrades,
			m.WinRate.Shift(2).StringFixed(1),
			m.TotalProfit.StringFixed(2),
			m.MaxDrawdown.Shift(2).StringFixed(2),
			res.Score.StringFixed(3))
	}
	return w.Flush()
}
