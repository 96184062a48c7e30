package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gorig/internal/clock"
	"github.com/me/gorig/internal/config"
	"github.com/me/gorig/internal/event"
	"github.com/me/gorig/internal/stage"
	"github.com/me/gorig/internal/store"
	"github.com/me/gorig/pkg/model"
)

func newRunCmd() *cobra.Command {
	var dbPath string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <experiment-file>",
		Short: "Run an experiment to completion",
		Long: `Loads the experiment definition, starts its backends, runs the stage
tree, and reports the outcome. With --db, the run and its full event
stream are recorded for later inspection.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(args[0], dbPath, timeout)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Record the run to this SQLite database")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the whole run after this duration (0 = no limit)")

	return cmd
}

func runExperiment(path, dbPath string, timeout time.Duration) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	bus := event.NewBus()
	root, bindings, err := cfg.Build(bus, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var rec *store.Recorder
	if dbPath != "" {
		st, err := store.NewSQLiteStore(dbPath, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		name := cfg.Name
		if name == "" {
			name = path
		}
		if rec, err = store.NewRecorder(ctx, st, bus, name, logger); err != nil {
			return fmt.Errorf("create run record: %w", err)
		}
	}

	if err := bindings.StartAll(ctx); err != nil {
		return fmt.Errorf("starting backends: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bindings.StopAll(stopCtx); err != nil {
			logger.Warn("stopping backends", "error", err)
		}
	}()

	// Remote calls translate timestamps through per-backend clock
	// estimates, so keep each estimate fed for the life of the run.
	for _, rb := range bindings.RemoteBackends() {
		p := clock.NewPinger(rb.Clock(), rb.EchoClock, 5*time.Second, logger)
		go p.Run(ctx)
	}

	logger.Info("experiment starting", "name", cfg.Name, "file", path)
	outcome, runErr := stage.Run(ctx, root)

	if rec != nil {
		finCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rec.Finish(finCtx, outcome); err != nil {
			logger.Warn("sealing run record", "error", err)
		} else {
			logger.Info("run recorded", "run", rec.RunID(), "db", dbPath)
		}
	}

	switch outcome {
	case model.OutcomeCompleted:
		logger.Info("experiment completed")
		return nil
	case model.OutcomeCancelled:
		logger.Info("experiment cancelled")
		return nil
	default:
		return fmt.Errorf("experiment failed: %w", runErr)
	}
}
