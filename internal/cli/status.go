package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cryptoPaperBot/internal/accounting"
	"cryptoPaperBot/internal/adapters/filestore"
	"cryptoPaperBot/internal/analytics"
	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

// statusView is what the status command prints.
type statusView struct {
	StoreFound  bool                          `json:"store_found"`
	Report      accounting.Report             `json:"report"`
	Positions   []*domain.Position            `json:"positions"`
	Prices      map[string]decimal.Decimal    `json:"prices"`
	Performance *analytics.PerformanceMetrics `json:"performance"`
	SkippedRows int                           `json:"skipped_rows,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		offline bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print capital and open positions",
		Long: `Read the positions and ledger files without modifying them, price the open
positions and print the capital report. Positions without a current price are
marked at their entry price.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			var oracle ports.PriceOracle
			if !offline {
				m, err := e.liveMarket(ctx)
				if err != nil {
					return err
				}
				oracle = m.oracle
			}
			view, err := e.status(ctx, oracle)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			return printStatus(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "do not fetch prices; mark positions at entry")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// status builds the view from the data files. A nil oracle marks every
// position at entry.
func (e *env) status(ctx context.Context, oracle ports.PriceOracle) (*statusView, error) {
	stateFile, err := filestore.NewStateFile(e.cfg.PositionsPath(), e.logger)
	if err != nil {
		return nil, err
	}
	state, found, err := stateFile.Load(ctx)
	if err != nil {
		return nil, err
	}

	var entries []domain.LedgerEntry
	skipped, err := filestore.ScanFile(ctx, e.cfg.LedgerPath(), func(entry domain.LedgerEntry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	realized := decimal.Zero
	closed := 0
	for i := range entries {
		if entries[i].IsClosed() {
			realized = realized.Add(*entries[i].PnL)
			closed++
		}
	}
	if !found {
		state = filestore.Seed(e.cfg.InitialCapital.Add(realized))
	}

	prices := make(map[string]decimal.Decimal)
	if oracle != nil {
		for sym := range state.Positions {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout())
			price, err := oracle.FetchPrice(callCtx, sym)
			cancel()
			if err != nil {
				e.logger.Warn(ctx, "Price fetch failed", map[string]interface{}{"symbol": sym, "error": err.Error()})
				continue
			}
			prices[sym] = price
		}
	}

	rep, err := accounting.New(e.cfg.InitialCapital).Report(*state, realized, closed, prices)
	if err != nil {
		return nil, err
	}
	view := &statusView{
		StoreFound:  found,
		Report:      rep,
		Prices:      prices,
		Performance: analytics.AnalyzePerformance(entries, e.cfg.InitialCapital),
		SkippedRows: skipped,
	}
	for _, p := range state.Positions {
		view.Positions = append(view.Positions, p)
	}
	sort.Slice(view.Positions, func(i, j int) bool { return view.Positions[i].Symbol < view.Positions[j].Symbol })
	return view, nil
}

func printStatus(out io.Writer, v *statusView) error {
	r := v.Report
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if !v.StoreFound {
		fmt.Fprintln(w, "No positions file yet; figures below are the seeded state.")
	}
	fmt.Fprintf(w, "Initial capital\t%s\n", r.InitialCapital.StringFixed(2))
	fmt.Fprintf(w, "Free cash\t%s\n", r.FreeCash.StringFixed(2))
	fmt.Fprintf(w, "Position value\t%s\n", r.PositionValue.StringFixed(2))
	fmt.Fprintf(w, "Total equity\t%s\n", r.TotalEquity.StringFixed(2))
	fmt.Fprintf(w, "Realized P&L\t%s\n", r.RealizedPnL.StringFixed(2))
	fmt.Fprintf(w, "Unrealized P&L\t%s\n", r.UnrealizedPnL.StringFixed(2))
	fmt.Fprintf(w, "Total P&L\t%s\n", r.TotalPnL.StringFixed(2))
	fmt.Fprintf(w, "Closed trades\t%d\n", r.ClosedTrades)
	if p := v.Performance; p != nil && p.TotalTrades > 0 {
		fmt.Fprintf(w, "Win rate\t%s%%\n", p.WinRate.Shift(2).StringFixed(1))
		fmt.Fprintf(w, "Profit factor\t%s\n", p.ProfitFactor.StringFixed(2))
		fmt.Fprintf(w, "Max drawdown\t%s%%\n", p.MaxDrawdown.Shift(2).StringFixed(2))
	}
	if v.SkippedRows > 0 {
		fmt.Fprintf(w, "Skipped ledger rows\t%d\n", v.SkippedRows)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(v.Positions) == 0 {
		_, err := fmt.Fprintln(out, "\nNo open positions.")
		return err
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tENTRY\tQTY\tSIZE\tMARK\tSTOP\tTARGET\tTRAIL\tOPENED")
	for _, p := range v.Positions {
		mark := "-"
		if price, ok := v.Prices[p.Symbol]; ok {
			mark = price.String()
		}
		trail := "-"
		if p.TrailingStopPrice != nil {
			trail = p.TrailingStopPrice.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Symbol, p.EntryPrice, p.Quantity, p.PositionSize.StringFixed(2), mark,
			p.StopLossPrice, p.TakeProfitPrice, trail, p.EntryTime.UTC().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
