package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gorig/pkg/model"
)

// Run executes a stage tree to completion. The returned outcome says how
// the root ended; the error carries the failure cause when the outcome is
// failed, and the configuration problem when validation rejects the tree
// before anything starts.
func Run(ctx context.Context, st Stage) (model.Outcome, error) {
	if err := Validate(st); err != nil {
		return model.OutcomeFailed, err
	}
	return runStage(ctx, st)
}

// Validate walks the tree and rejects it before anything runs: duplicate
// child names, watch lists naming unknown children, and malformed repeat,
// order and completion values are all fatal.
func Validate(st Stage) error {
	n := st.Node()
	if n.Repeat < RepeatForever {
		return model.NewConfigError(n.Name, "repeat %d out of range", n.Repeat)
	}
	switch n.Order {
	case Serial, Parallel:
	default:
		return model.NewConfigError(n.Name, "unknown order %q", n.Order)
	}
	switch n.CompleteOn {
	case All, Any:
	default:
		return model.NewConfigError(n.Name, "unknown completion rule %q", n.CompleteOn)
	}

	names := make(map[string]bool, len(n.children))
	for _, c := range n.children {
		cn := c.Node()
		if names[cn.Name] {
			return model.NewConfigError(n.Name, "duplicate child name %q", cn.Name)
		}
		names[cn.Name] = true
	}
	for _, w := range n.CompleteOnWhom {
		if !names[w] {
			return model.NewConfigError(n.Name, "watched child %q does not exist", w)
		}
	}
	for _, c := range n.children {
		if err := Validate(c); err != nil {
			return err
		}
	}
	return nil
}

func runStage(ctx context.Context, st Stage) (model.Outcome, error) {
	n := st.Node()
	if n.Disabled {
		return model.OutcomeCompleted, nil
	}

	logger := n.logger().With("stage", n.Name)

	stageCtx, stopStage := context.WithCancel(ctx)
	defer stopStage()
	n.setStopStage(stopStage)
	defer n.setStopStage(nil)
	if n.MaxDuration > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(stageCtx, n.MaxDuration)
		defer cancel()
	}

	n.setPhase(model.PhaseTrialInit)
	n.setTrial(0)
	n.publish(model.Event{Type: model.EventStageStart, Source: n.Name, Time: time.Now()})
	logger.Debug("stage starting", "repeat", n.Repeat, "order", n.Order)

	var outcome model.Outcome
	var err error
	if ierr := st.Init(stageCtx); ierr != nil {
		if stageCtx.Err() != nil {
			outcome = model.OutcomeCancelled
		} else {
			outcome, err = model.OutcomeFailed, fmt.Errorf("init: %w", ierr)
		}
	} else {
		outcome, err = trialLoop(stageCtx, st, logger)
	}

	n.setPhase(model.PhaseStageDone)
	shielded(n.grace(), func(hctx context.Context) {
		if derr := st.Done(hctx, outcome); derr != nil {
			logger.Warn("done hook failed", "error", derr)
		}
	})
	n.publish(model.Event{Type: model.EventStageEnd, Source: n.Name, Outcome: outcome, Time: time.Now()})
	logger.Debug("stage finished", "outcome", outcome, "trials", n.Trial())
	return outcome, err
}

func trialLoop(stageCtx context.Context, st Stage, logger *slog.Logger) (model.Outcome, error) {
	n := st.Node()
	for i := 0; n.Repeat == RepeatForever || i < n.Repeat; i++ {
		if stageCtx.Err() != nil {
			return model.OutcomeCancelled, nil
		}
		n.setTrial(i)

		trialCtx, stopTrial := context.WithCancel(stageCtx)
		n.setStopTrial(stopTrial)
		cancelDeadline := func() {}
		if n.MaxTrialDuration > 0 {
			trialCtx, cancelDeadline = context.WithTimeout(trialCtx, n.MaxTrialDuration)
		}

		n.setPhase(model.PhaseTrialInit)
		n.publish(model.Event{Type: model.EventTrialStart, Source: n.Name, Trial: i, Time: time.Now()})

		outcome, err := runTrial(trialCtx, stopTrial, st, i, logger)
		stopTrial()
		cancelDeadline()
		n.setStopTrial(nil)

		n.setPhase(model.PhaseTrialDone)
		interrupted := outcome != model.OutcomeCompleted
		shielded(n.grace(), func(hctx context.Context) {
			if herr := st.TrialDone(hctx, i, interrupted); herr != nil {
				logger.Warn("trial-done hook failed", "trial", i, "error", herr)
			}
		})
		n.publish(model.Event{Type: model.EventTrialEnd, Source: n.Name, Trial: i, Outcome: outcome, Time: time.Now()})

		switch outcome {
		case model.OutcomeFailed:
			return model.OutcomeFailed, err
		case model.OutcomeCancelled:
			// A stage-level cancellation ends the loop; a trial-level one
			// (trial deadline or StopTrial) only ends this iteration.
			if stageCtx.Err() != nil {
				return model.OutcomeCancelled, nil
			}
			logger.Debug("trial cancelled", "trial", i)
		}
	}
	return model.OutcomeCompleted, nil
}

type participantResult struct {
	name    string
	own     bool
	outcome model.Outcome
	err     error
}

// runTrial runs one trial: the stage's own action plus its children under
// the configured order, until the completion rule and the own action are
// both satisfied. cancelTrial aborts everything still running when the
// trial fails.
func runTrial(trialCtx context.Context, cancelTrial context.CancelFunc, st Stage, trial int, logger *slog.Logger) (model.Outcome, error) {
	n := st.Node()

	if err := st.InitTrial(trialCtx, trial); err != nil {
		if trialCtx.Err() != nil {
			return model.OutcomeCancelled, nil
		}
		return model.OutcomeFailed, fmt.Errorf("trial %d init: %w", trial, err)
	}
	n.setPhase(model.PhaseTrialRunning)

	// watched is the set whose completion satisfies the rule. Disabled
	// children count as already complete.
	watched := make(map[string]bool)
	if len(n.CompleteOnWhom) > 0 {
		for _, w := range n.CompleteOnWhom {
			watched[w] = true
		}
	} else {
		for _, c := range n.children {
			watched[c.Node().Name] = true
		}
	}
	active := make([]Stage, 0, len(n.children))
	for _, c := range n.children {
		cn := c.Node()
		if cn.Disabled {
			delete(watched, cn.Name)
			continue
		}
		active = append(active, c)
	}

	childCtx, cancelChildren := context.WithCancel(trialCtx)
	defer cancelChildren()

	results := make(chan participantResult, len(active)+1)

	// Serial order chains each child behind its predecessor through gate
	// channels; parallel leaves every gate open.
	gate := make(chan struct{})
	close(gate)
	for _, c := range active {
		var next chan struct{}
		if n.Order == Serial {
			next = make(chan struct{})
		}
		go func(c Stage, gate, next chan struct{}) {
			if next != nil {
				defer close(next)
			}
			select {
			case <-gate:
			case <-childCtx.Done():
				results <- participantResult{name: c.Node().Name, outcome: model.OutcomeCancelled}
				return
			}
			if childCtx.Err() != nil {
				results <- participantResult{name: c.Node().Name, outcome: model.OutcomeCancelled}
				return
			}
			out, err := runStage(childCtx, c)
			results <- participantResult{name: c.Node().Name, outcome: out, err: err}
		}(c, gate, next)
		if n.Order == Serial {
			gate = next
		}
	}

	// The own action runs under the trial context, not the child context:
	// the completion rule never cuts it short.
	go func() {
		err := st.DoTrial(trialCtx, trial)
		out := model.OutcomeCompleted
		if err != nil {
			if trialCtx.Err() != nil {
				out = model.OutcomeCancelled
			} else {
				out = model.OutcomeFailed
			}
		}
		results <- participantResult{name: n.Name, own: true, outcome: out, err: err}
	}()

	var (
		ownOK     bool
		condMet   = len(watched) == 0
		remaining = len(active) + 1
		failErr   error
		failed    bool
		cancelled bool
	)
	for remaining > 0 {
		var res participantResult
		select {
		case res = <-results:
		case <-trialCtx.Done():
			if !failed {
				cancelled = true
			}
			cancelChildren()
			// The wait for acknowledgement is bounded: a participant
			// that ignores cancellation is abandoned as a straggler,
			// never waited on indefinitely.
			timer := time.NewTimer(n.grace())
			select {
			case res = <-results:
				timer.Stop()
			case <-timer.C:
				logger.Warn("participants did not stop within grace window", "trial", trial, "remaining", remaining)
				return model.OutcomeCancelled, nil
			}
		}
		remaining--

		if res.own {
			ownOK = res.outcome == model.OutcomeCompleted
			if res.outcome == model.OutcomeFailed && !failed && !cancelled {
				failed = true
				failErr = fmt.Errorf("trial %d action: %w", trial, res.err)
				cancelTrial()
			}
		} else {
			wasWatched := watched[res.name]
			if res.outcome == model.OutcomeCompleted {
				delete(watched, res.name)
			}
			if res.outcome == model.OutcomeFailed && wasWatched && !failed && !cancelled {
				failed = true
				failErr = fmt.Errorf("trial %d child %s: %w", trial, res.name, res.err)
				cancelTrial()
			}
			if !condMet && !failed && !cancelled && wasWatched && res.outcome == model.OutcomeCompleted {
				switch n.CompleteOn {
				case All:
					condMet = len(watched) == 0
				case Any:
					condMet = true
				}
				if condMet {
					// Children not needed anymore; the own action keeps
					// going.
					cancelChildren()
				}
			}
		}

		if condMet && ownOK && !failed && !cancelled {
			drain(results, remaining, n.grace(), logger, trial)
			return model.OutcomeCompleted, nil
		}
		if failed || cancelled {
			drain(results, remaining, n.grace(), logger, trial)
			break
		}
	}

	if failed {
		return model.OutcomeFailed, failErr
	}
	if cancelled || trialCtx.Err() != nil {
		return model.OutcomeCancelled, nil
	}
	// Everything finished yet the completion rule was never satisfied: a
	// watched child ended without completing, or the own action was cut
	// short without the trial being cancelled.
	return model.OutcomeFailed, fmt.Errorf("trial %d: completion rule never satisfied", trial)
}

// drain collects the stragglers a completed trial abandoned, bounded by
// the grace window. The results channel is buffered for every participant,
// so late senders never block even when the window closes first.
func drain(results chan participantResult, remaining int, grace time.Duration, logger *slog.Logger, trial int) {
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for remaining > 0 {
		select {
		case <-results:
			remaining--
		case <-timer.C:
			logger.Warn("participants did not stop within grace window", "trial", trial, "remaining", remaining)
			return
		}
	}
}

// shielded runs a cleanup hook on a fresh context so cancellation of the
// stage does not starve it, bounded by the grace window.
func shielded(grace time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	fn(ctx)
}
