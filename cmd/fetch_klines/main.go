// Command fetch_klines downloads historical klines from Binance futures into a
// CSV file that "paperbot replay" can read.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cryptoPaperBot/config"
	"cryptoPaperBot/internal/adapters/binanceclient"
	"cryptoPaperBot/internal/adapters/logger"
	"cryptoPaperBot/internal/utils"
)

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		configPath string
		symbol     string
		interval   string
		days       int
		outDir     string
	)
	cmd := &cobra.Command{
		Use:          "fetch_klines",
		Short:        "Download historical klines to CSV",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			appLogger := logger.New(logger.Options{
				Level:   logger.ParseLevel(cfg.LogLevel),
				Console: cfg.LogFormat == "console",
			})

			client, err := binanceclient.New(binanceclient.Config{
				APIKey:     cfg.Binance.APIKey,
				SecretKey:  cfg.Binance.SecretKey,
				UseTestnet: cfg.Binance.UseTestnet,
				Logger:     appLogger,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize Binance client: %w", err)
			}

			symbol = strings.ToUpper(symbol)
			end := time.Now().UTC()
			start := end.AddDate(0, 0, -days)
			appLogger.Info(ctx, "Fetching klines", map[string]interface{}{
				"symbol":   symbol,
				"interval": interval,
				"start":    start.Format(time.RFC3339),
				"end":      end.Format(time.RFC3339),
			})
			klines, err := client.GetKlinesRange(ctx, symbol, interval, start, end)
			if err != nil {
				return fmt.Errorf("fetch klines: %w", err)
			}
			appLogger.Info(ctx, "Fetched klines", map[string]interface{}{"count": len(klines)})

			if outDir == "" {
				outDir = cfg.DataDir
			}
			filename := filepath.Join(outDir, fmt.Sprintf("%s_%s_%s_to_%s.csv",
				symbol, interval, start.Format("20060102"), end.Format("20060102")))
			if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
				return fmt.Errorf("write CSV: %w", err)
			}
			appLogger.Info(ctx, "Saved klines", map[string]interface{}{"filename": filename})
			fmt.Fprintln(cmd.OutOrStdout(), filename)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the TOML config file")
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "ETHUSDT", "symbol to fetch")
	cmd.Flags().StringVarP(&interval, "interval", "i", "1m", "kline interval")
	cmd.Flags().IntVarP(&days, "days", "d", 90, "days of history ending now")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: data_dir)")
	return cmd
}
