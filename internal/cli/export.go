package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cryptoPaperBot/internal/adapters/csvsink"
	"cryptoPaperBot/internal/adapters/filestore"
	"cryptoPaperBot/internal/domain"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		out    string
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "export-csv",
		Short: "Write closed trades from the ledger as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			now := time.Now()
			if out == "" {
				out = filepath.Join(e.cfg.DataDir, "ledger-export-"+now.UTC().Format(archiveStamp)+".csv")
			}
			n, err := e.exportClosed(ctx, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d closed trades to %s\n", n, out)

			if upload {
				if !e.cfg.S3.Enabled {
					return fmt.Errorf("--upload needs [s3] enabled = true")
				}
				up, err := e.uploader(ctx)
				if err != nil {
					return err
				}
				key, err := up.UploadFile(ctx, out, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded to s3://%s/%s\n", e.cfg.S3.Bucket, key)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default: <data_dir>/ledger-export-<timestamp>.csv)")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload the export to S3")
	return cmd
}

// exportClosed writes every closed ledger row to path.
func (e *env) exportClosed(ctx context.Context, path string) (int, error) {
	closed, err := closedEntries(ctx, e.cfg.LedgerPath())
	if err != nil {
		return 0, err
	}
	if err := csvsink.ExportFile(path, closed); err != nil {
		return 0, err
	}
	return len(closed), nil
}

func closedEntries(ctx context.Context, ledgerPath string) ([]domain.LedgerEntry, error) {
	var closed []domain.LedgerEntry
	_, err := filestore.ScanFile(ctx, ledgerPath, func(entry domain.LedgerEntry) error {
		if entry.IsClosed() {
			closed = append(closed, entry)
		}
		return nil
	})
	return closed, err
}
