package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/internal/event"
	"github.com/me/gorig/internal/executor"
	"github.com/me/gorig/internal/logging"
	"github.com/me/gorig/pkg/model"
)

// recorder collects bus events; publishers run on several goroutines.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) attach(bus *event.Bus) {
	bus.Subscribe(func(e model.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
}

func (r *recorder) ofType(t model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type span struct {
	start, end time.Time
}

// spanFunc records when each trial of a stage ran.
func spanFunc(name string, d time.Duration, out *[]span, mu *sync.Mutex) *Func {
	return NewFunc(name, func(ctx context.Context, trial int) error {
		s := span{start: time.Now()}
		err := sleep(ctx, d)
		s.end = time.Now()
		mu.Lock()
		*out = append(*out, s)
		mu.Unlock()
		return err
	})
}

func TestRunSingleStage(t *testing.T) {
	st := NewDelay("d", 10*time.Millisecond)
	out, err := Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", out)
	}
	if got := st.Node().Phase(); got != model.PhaseStageDone {
		t.Errorf("phase = %v, want %v", got, model.PhaseStageDone)
	}
}

func TestRunRepeatZero(t *testing.T) {
	bus := event.NewBus()
	var rec recorder
	rec.attach(bus)

	st := NewGroup("g")
	st.Node().Repeat = 0
	st.Node().Bus = bus

	out, err := Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", out)
	}
	if got := rec.ofType(model.EventTrialStart); len(got) != 0 {
		t.Errorf("got %d trial starts, want 0", len(got))
	}
	if got := rec.ofType(model.EventStageEnd); len(got) != 1 {
		t.Errorf("got %d stage ends, want 1", len(got))
	}
}

func TestSerialChildrenDoNotOverlap(t *testing.T) {
	var mu sync.Mutex
	var spans []span

	root := NewGroup("root")
	root.Node().AddChild(
		spanFunc("a", 40*time.Millisecond, &spans, &mu),
		spanFunc("b", 40*time.Millisecond, &spans, &mu),
	)

	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[1].start.Before(spans[0].end) {
		t.Errorf("second child started %v before first ended %v", spans[1].start, spans[0].end)
	}
}

func TestParallelChildrenOverlap(t *testing.T) {
	var mu sync.Mutex
	var spans []span

	root := NewGroup("root")
	root.Node().Order = Parallel
	root.Node().AddChild(
		spanFunc("a", 60*time.Millisecond, &spans, &mu),
		spanFunc("b", 60*time.Millisecond, &spans, &mu),
	)

	start := time.Now()
	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}
	if elapsed := time.Since(start); elapsed > 110*time.Millisecond {
		t.Errorf("parallel children took %v, want well under the serial sum", elapsed)
	}
}

func TestRepeatEmitsTrialEvents(t *testing.T) {
	bus := event.NewBus()
	var rec recorder
	rec.attach(bus)

	root := NewGroup("root")
	root.Node().Repeat = 2
	root.Node().Bus = bus
	root.Node().AddChild(NewDelay("wait", 200*time.Millisecond))

	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}

	rootEnds := func() []model.Event {
		var out []model.Event
		for _, e := range rec.ofType(model.EventTrialEnd) {
			if e.Source == "root" {
				out = append(out, e)
			}
		}
		return out
	}()
	if len(rootEnds) != 2 {
		t.Fatalf("got %d root trial ends, want 2", len(rootEnds))
	}
	if gap := rootEnds[1].Time.Sub(rootEnds[0].Time); gap < 200*time.Millisecond {
		t.Errorf("trials ended %v apart, want at least the child delay", gap)
	}

	stageEnds := func() int {
		count := 0
		for _, e := range rec.ofType(model.EventStageEnd) {
			if e.Source == "root" {
				count++
			}
		}
		return count
	}()
	if stageEnds != 1 {
		t.Errorf("got %d root stage ends, want 1", stageEnds)
	}
}

func TestCompleteOnAnyCancelsSiblings(t *testing.T) {
	slowCancelled := make(chan struct{})
	root := NewGroup("root")
	root.Node().Order = Parallel
	root.Node().CompleteOn = Any
	root.Node().AddChild(
		NewDelay("fast", 20*time.Millisecond),
		NewFunc("slow", func(ctx context.Context, trial int) error {
			<-ctx.Done()
			close(slowCancelled)
			return context.Cause(ctx)
		}),
	)

	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}
	select {
	case <-slowCancelled:
	case <-time.After(time.Second):
		t.Error("slow sibling never saw cancellation")
	}
}

func TestCompleteOnWhomSubset(t *testing.T) {
	root := NewGroup("root")
	root.Node().Order = Parallel
	root.Node().CompleteOnWhom = []string{"fast"}
	root.Node().AddChild(
		NewDelay("fast", 20*time.Millisecond),
		NewFunc("slow", func(ctx context.Context, trial int) error {
			<-ctx.Done()
			return context.Cause(ctx)
		}),
	)

	start := time.Now()
	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("watched subset done in %v, unwatched sibling held the trial", elapsed)
	}
}

func TestOwnActionRequiredForCompletion(t *testing.T) {
	root := NewFunc("root", func(ctx context.Context, trial int) error {
		return sleep(ctx, 80*time.Millisecond)
	})
	root.Node().Order = Parallel
	root.Node().CompleteOn = Any
	root.Node().AddChild(NewDelay("fast", 5*time.Millisecond))

	start := time.Now()
	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("trial completed in %v before the own action finished", elapsed)
	}
}

func TestChildFailurePropagates(t *testing.T) {
	boom := errors.New("boom")
	siblingCancelled := make(chan struct{})

	root := NewGroup("root")
	root.Node().Order = Parallel
	root.Node().AddChild(
		NewFunc("bad", func(ctx context.Context, trial int) error {
			return boom
		}),
		NewFunc("slow", func(ctx context.Context, trial int) error {
			<-ctx.Done()
			close(siblingCancelled)
			return context.Cause(ctx)
		}),
	)

	out, err := Run(context.Background(), root)
	if out != model.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", out)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped boom", err)
	}
	select {
	case <-siblingCancelled:
	case <-time.After(time.Second):
		t.Error("sibling never saw cancellation")
	}
}

func TestStopCancelsParallelChildren(t *testing.T) {
	var cancelledMu sync.Mutex
	cancelled := 0
	blocker := func(name string) *Func {
		return NewFunc(name, func(ctx context.Context, trial int) error {
			<-ctx.Done()
			cancelledMu.Lock()
			cancelled++
			cancelledMu.Unlock()
			return context.Cause(ctx)
		})
	}

	root := NewGroup("root")
	root.Node().Order = Parallel
	root.Node().CancelGrace = time.Second
	root.Node().AddChild(blocker("a"), blocker("b"), blocker("c"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		root.Node().Stop()
	}()

	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", out)
	}
	cancelledMu.Lock()
	defer cancelledMu.Unlock()
	if cancelled != 3 {
		t.Errorf("%d children saw cancellation, want 3", cancelled)
	}
}

func TestMaxTrialDurationCancelsTrialOnly(t *testing.T) {
	trials := 0
	var mu sync.Mutex

	root := NewFunc("root", func(ctx context.Context, trial int) error {
		mu.Lock()
		trials++
		mu.Unlock()
		return sleep(ctx, time.Minute)
	})
	root.Node().Repeat = 2
	root.Node().MaxTrialDuration = 30 * time.Millisecond

	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed after per-trial deadlines", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if trials != 2 {
		t.Errorf("ran %d trials, want 2", trials)
	}
}

func TestMaxDurationCancelsStage(t *testing.T) {
	root := NewFunc("root", func(ctx context.Context, trial int) error {
		return sleep(ctx, time.Minute)
	})
	root.Node().MaxDuration = 30 * time.Millisecond

	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCancelled {
		t.Errorf("outcome = %v, want cancelled", out)
	}
}

func TestStopTrialSkipsCurrentTrialOnly(t *testing.T) {
	var mu sync.Mutex
	durations := []time.Duration{time.Minute, 10 * time.Millisecond}
	trials := 0

	root := NewFunc("root", nil)
	root.Fn = func(ctx context.Context, trial int) error {
		mu.Lock()
		d := durations[trial]
		trials++
		mu.Unlock()
		return sleep(ctx, d)
	}
	root.Node().Repeat = 2

	go func() {
		time.Sleep(50 * time.Millisecond)
		root.Node().StopTrial()
	}()

	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if trials != 2 {
		t.Errorf("ran %d trials, want 2", trials)
	}
}

func TestDisabledChildSkipped(t *testing.T) {
	ran := false
	child := NewFunc("skipped", func(ctx context.Context, trial int) error {
		ran = true
		return nil
	})
	child.Node().Disabled = true

	root := NewGroup("root")
	root.Node().AddChild(child)

	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}
	if ran {
		t.Error("disabled child ran")
	}
}

func TestRepeatForeverStops(t *testing.T) {
	root := NewDelay("loop", time.Millisecond)
	root.Node().Repeat = RepeatForever

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	out, err := Run(ctx, root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCancelled {
		t.Errorf("outcome = %v, want cancelled", out)
	}
	if root.Node().Trial() < 2 {
		t.Errorf("only %d trials ran before cancellation", root.Node().Trial())
	}
}

func TestValidateRejectsBadTrees(t *testing.T) {
	dup := NewGroup("root")
	dup.Node().AddChild(NewGroup("x"), NewGroup("x"))

	ghost := NewGroup("root")
	ghost.Node().CompleteOnWhom = []string{"nope"}

	badRepeat := NewGroup("root")
	badRepeat.Node().Repeat = -2

	badOrder := NewGroup("root")
	badOrder.Node().Order = "sideways"

	for name, st := range map[string]Stage{
		"duplicate child": dup,
		"unknown watched": ghost,
		"bad repeat":      badRepeat,
		"bad order":       badOrder,
	} {
		out, err := Run(context.Background(), st)
		var ce *model.ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("%s: error = %v, want ConfigError", name, err)
		}
		if out != model.OutcomeFailed {
			t.Errorf("%s: outcome = %v, want failed", name, out)
		}
	}
}

func TestTrialDoneSeesInterruption(t *testing.T) {
	type call struct {
		trial       int
		interrupted bool
	}
	var mu sync.Mutex
	var calls []call

	root := &hookStage{
		Func: *NewFunc("root", func(ctx context.Context, trial int) error {
			if trial == 0 {
				return nil
			}
			return sleep(ctx, time.Minute)
		}),
		trialDone: func(trial int, interrupted bool) {
			mu.Lock()
			calls = append(calls, call{trial, interrupted})
			mu.Unlock()
		},
	}
	root.Node().Repeat = 2
	root.Node().MaxTrialDuration = 30 * time.Millisecond

	if _, err := Run(context.Background(), root); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("got %d hook calls, want 2", len(calls))
	}
	if calls[0].interrupted {
		t.Error("first trial reported interrupted")
	}
	if !calls[1].interrupted {
		t.Error("second trial not reported interrupted")
	}
}

type hookStage struct {
	Func
	trialDone func(trial int, interrupted bool)
}

func (s *hookStage) TrialDone(ctx context.Context, trial int, interrupted bool) error {
	s.trialDone(trial, interrupted)
	return nil
}

func TestCancelGraceBoundsUnresponsiveAction(t *testing.T) {
	root := NewFunc("root", func(ctx context.Context, trial int) error {
		// Deliberately deaf to cancellation.
		time.Sleep(2 * time.Second)
		return nil
	})
	root.Node().CancelGrace = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out, err := Run(ctx, root)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCancelled {
		t.Errorf("outcome = %v, want cancelled", out)
	}
	if elapsed > time.Second {
		t.Errorf("Run() took %v; the unresponsive action should be abandoned after the grace window", elapsed)
	}
}

func TestWatchedChildCallTimeoutFailsStage(t *testing.T) {
	logger := logging.Discard()
	backend := executor.NewDummy(200*time.Millisecond, logger)
	bindings := executor.NewBindings(logger)
	if err := bindings.Bind(device.NewRandomDigital("feeder"), backend, 50*time.Millisecond); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := bindings.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer bindings.StopAll(context.Background())

	m, err := bindings.Method("feeder", device.MethodReadState)
	if err != nil {
		t.Fatalf("Method() error = %v", err)
	}

	root := NewGroup("session")
	root.Node().CompleteOnWhom = []string{"read"}
	root.Node().AddChild(NewFunc("read", func(ctx context.Context, trial int) error {
		_, err := m.Call(ctx)
		return err
	}))

	out, err := Run(context.Background(), root)
	if out != model.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", out)
	}
	if !model.IsTimeout(err) {
		t.Errorf("error = %v, want a timeout call error", err)
	}
}

func TestCompleteOnAnyEndsTrialAtFirstCompletion(t *testing.T) {
	bus := event.NewBus()
	var rec recorder
	rec.attach(bus)

	root := NewGroup("root")
	root.Node().Order = Parallel
	root.Node().CompleteOn = Any
	root.Node().Bus = bus
	root.Node().AddChild(
		NewDelay("fast", 20*time.Millisecond),
		NewDelay("slow", 2*time.Second),
	)

	start := time.Now()
	out, err := Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Run() took %v; should end at the fast child's completion", elapsed)
	}

	var fastEnd time.Time
	for _, e := range rec.ofType(model.EventStageEnd) {
		if e.Source == "fast" {
			fastEnd = e.Time
		}
	}
	trialEnds := rec.ofType(model.EventTrialEnd)
	if fastEnd.IsZero() || len(trialEnds) != 1 {
		t.Fatalf("missing events: fastEnd=%v trialEnds=%d", fastEnd, len(trialEnds))
	}
	if trialEnds[0].Time.Before(fastEnd) {
		t.Errorf("trial ended %v before the qualifying child at %v", trialEnds[0].Time, fastEnd)
	}
	if gap := trialEnds[0].Time.Sub(fastEnd); gap > 500*time.Millisecond {
		t.Errorf("trial ended %v after the qualifying child; should follow immediately", gap)
	}
}
