package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const archiveStamp = "20060102T150405Z"

func newResetCmd(opts *rootOptions) *cobra.Command {
	var (
		confirm bool
		upload  bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Archive the data files and start over at initial capital",
		Long: `Rename the positions, ledger, CSV and SQLite files with a UTC timestamp
suffix, then write a fresh positions file holding initial_capital. With
--upload the archived ledger is also copied to the configured S3 bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("reset archives all trading state; pass --yes to proceed")
			}
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			archived, err := e.archive(time.Now())
			if err != nil {
				return err
			}
			for _, p := range archived {
				fmt.Fprintln(cmd.OutOrStdout(), "archived", p)
			}
			if upload {
				if err := e.uploadArchives(ctx, archived); err != nil {
					return err
				}
			}

			st, _, err := e.core()
			if err != nil {
				return err
			}
			if err := st.Reset(ctx, e.cfg.InitialCapital); err != nil {
				return err
			}
			e.logger.Info(ctx, "Trading state reset", map[string]interface{}{
				"initialCapital": e.cfg.InitialCapital.String(),
				"archived":       len(archived),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "reset to %s free cash\n", e.cfg.InitialCapital.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the reset")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload the archived files to S3")
	return cmd
}

// archive renames every existing data file with a timestamp suffix and
// returns the new paths.
func (e *env) archive(at time.Time) ([]string, error) {
	suffix := "." + at.UTC().Format(archiveStamp)
	paths := []string{e.cfg.PositionsPath(), e.cfg.LedgerPath()}
	if e.cfg.CSV.Enabled {
		paths = append(paths, e.cfg.CSVPath())
	}
	if e.cfg.SQLite.Enabled {
		paths = append(paths, e.cfg.SQLitePath())
	}

	var archived []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return archived, fmt.Errorf("stat '%s': %w", p, err)
		}
		dst := p + suffix
		if err := os.Rename(p, dst); err != nil {
			return archived, fmt.Errorf("archive '%s': %w", p, err)
		}
		archived = append(archived, dst)
	}
	return archived, nil
}

func (e *env) uploadArchives(ctx context.Context, paths []string) error {
	if !e.cfg.S3.Enabled {
		return fmt.Errorf("--upload needs [s3] enabled = true")
	}
	up, err := e.uploader(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, p := range paths {
		if _, err := up.UploadFile(ctx, p, now); err != nil {
			return err
		}
	}
	return nil
}
