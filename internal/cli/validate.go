package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/gorig/internal/config"
	"github.com/me/gorig/internal/event"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <experiment-file>",
		Short: "Check an experiment definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			// A full build catches what parsing alone cannot: unknown
			// device kinds, dangling device references, bad predicates.
			if _, _, err := cfg.Build(event.NewBus(), logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
}
