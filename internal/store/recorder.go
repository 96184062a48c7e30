package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/gorig/internal/event"
	"github.com/me/gorig/pkg/model"
)

// Recorder subscribes to an event bus and appends everything it sees to
// one run's stream. Persistence errors are logged, never propagated: a
// broken disk must not take the experiment down with it.
type Recorder struct {
	store  Store
	logger *slog.Logger

	run model.Run
	sub event.Subscription
	bus *event.Bus
}

// NewRecorder creates the run row and attaches to the bus.
func NewRecorder(ctx context.Context, st Store, bus *event.Bus, name string, logger *slog.Logger) (*Recorder, error) {
	r := &Recorder{
		store:  st,
		logger: logger.With("component", "recorder"),
		bus:    bus,
		run: model.Run{
			ID:        uuid.NewString(),
			Name:      name,
			StartedAt: time.Now().UTC(),
		},
	}
	if err := st.CreateRun(ctx, &r.run); err != nil {
		return nil, err
	}
	r.sub = bus.Subscribe(r.record)
	return r, nil
}

// RunID returns the id of the recorded run.
func (r *Recorder) RunID() string { return r.run.ID }

func (r *Recorder) record(ev model.Event) {
	if err := r.store.AppendEvent(context.Background(), r.run.ID, ev); err != nil {
		r.logger.Error("appending event", "run", r.run.ID, "type", ev.Type, "error", err)
	}
}

// Finish detaches from the bus and seals the run with its outcome.
func (r *Recorder) Finish(ctx context.Context, outcome model.Outcome) error {
	r.bus.Unsubscribe(r.sub)
	return r.store.FinishRun(ctx, r.run.ID, outcome)
}
