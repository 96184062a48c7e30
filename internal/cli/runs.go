package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gorig/internal/store"
)

func newRunsCmd() *cobra.Command {
	var dbPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(dbPath, logger)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}

			runs, err := st.ListRuns(context.Background(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tOUTCOME\tSTARTED\tDURATION")
			for _, run := range runs {
				dur := "-"
				outcome := string(run.Outcome)
				if outcome == "" {
					outcome = "-"
				}
				if run.CompletedAt != nil {
					dur = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Name, outcome, run.StartedAt.Format(time.RFC3339), dur)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.MarkFlagRequired("db")

	return cmd
}
