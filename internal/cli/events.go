package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/gorig/internal/store"
	"github.com/me/gorig/pkg/model"
)

func newEventsCmd() *cobra.Command {
	var dbPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a recorded run's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(dbPath, logger)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}

			run, err := st.GetRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}

			events, err := st.ListEvents(context.Background(), run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for _, ev := range events {
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				return nil
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  %-13s %s", ev.Time.Format("15:04:05.000"), ev.Type, ev.Source)
				if ev.Type == model.EventTrialStart || ev.Type == model.EventTrialEnd {
					line += fmt.Sprintf(" trial=%d", ev.Trial)
				}
				if ev.Outcome != "" {
					line += fmt.Sprintf(" outcome=%s", ev.Outcome)
				}
				if ev.State != nil {
					line += fmt.Sprintf(" state=%v", ev.State)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit events as JSON lines")
	cmd.MarkFlagRequired("db")

	return cmd
}
