// Package cli implements the gorig command line interface.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/gorig/internal/logging"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the gorig CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gorig",
		Short: "gorig runs device-driven experiments",
		Long:  "gorig loads an experiment definition, binds its devices to local or remote hardware, and runs the trial schedule.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newRunsCmd(),
		newEventsCmd(),
	)

	return root
}
