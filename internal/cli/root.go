// Package cli is the paperbot command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	ExitOK    = 0
	ExitFatal = 1
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "paperbot",
		Short: "Paper-trading position and capital accounting bot",
		Long: `paperbot simulates long positions against live or recorded prices.

Every entry and exit is appended to a ledger file, open positions and free
cash live in a positions file, and capital is checked for conservation on
every tick. Configuration is read from a TOML file, .env and PAPERBOT_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the TOML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level (DEBUG, INFO, WARN, ERROR)")

	cmd.AddCommand(
		newRunCmd(opts),
		newStatusCmd(opts),
		newResetCmd(opts),
		newExportCmd(opts),
		newHistoryCmd(opts),
		newReplayCmd(opts),
		newSweepCmd(opts),
	)
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitFatal
	}
	return ExitOK
}
