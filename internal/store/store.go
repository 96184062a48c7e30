// Package store persists experiment runs and their event streams.
package store

import (
	"context"

	"github.com/me/gorig/pkg/model"
)

// Store is the persistence layer for runs and events.
type Store interface {
	// CreateRun records the start of a top-level experiment execution.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun returns a run by id, nil when unknown.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit int) ([]*model.Run, error)

	// FinishRun records the run's outcome and completion time.
	FinishRun(ctx context.Context, id string, outcome model.Outcome) error

	// AppendEvent adds one event to a run's stream.
	AppendEvent(ctx context.Context, runID string, ev model.Event) error

	// ListEvents returns a run's events in append order.
	ListEvents(ctx context.Context, runID string) ([]model.Event, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
