package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cryptoPaperBot/internal/adapters/filestore"
	"cryptoPaperBot/internal/domain"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		rebuild bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent closed trades from the SQLite trade index",
		Long: `List recent closed trades, newest first. The SQLite index is a copy of the
ledger; --rebuild repopulates it from the ledger file before listing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			repo, err := e.tradeIndex()
			if err != nil {
				return err
			}
			if rebuild {
				var rows []domain.LedgerEntry
				if _, err := filestore.ScanFile(ctx, e.cfg.LedgerPath(), func(entry domain.LedgerEntry) error {
					rows = append(rows, entry)
					return nil
				}); err != nil {
					return err
				}
				if err := repo.Rebuild(ctx, rows); err != nil {
					return err
				}
			}

			trades, err := repo.ListClosed(ctx, limit)
			if err != nil {
				return err
			}
			if len(trades) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No closed trades.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SYMBOL\tENTRY TIME\tENTRY\tEXIT TIME\tEXIT\tREASON\tP&L\tP&L %\tHOLD (MIN)")
			for _, t := range trades {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.Symbol,
					t.EntryTime.UTC().Format("2006-01-02 15:04"),
					t.EntryPrice,
					t.ExitTime.UTC().Format("2006-01-02 15:04"),
					t.ExitPrice,
					*t.ExitReason,
					t.PnL.StringFixed(2),
					t.PnLPct.Shift(2).StringFixed(2),
					t.HoldMinutes.StringFixed(2),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of trades to list (0 for all)")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild the index from the ledger first")
	return cmd
}
