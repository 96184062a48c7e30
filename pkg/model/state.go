package model

// Outcome is the terminal result of running a stage.
type Outcome string

const (
	// OutcomeCompleted means every trial ran to normal completion.
	OutcomeCompleted Outcome = "COMPLETED"
	// OutcomeCancelled means the stage was stopped before finishing its
	// trials, either externally or by a duration limit.
	OutcomeCancelled Outcome = "CANCELLED"
	// OutcomeFailed means a trial action or a required child failed.
	OutcomeFailed Outcome = "FAILED"
)

// Terminal reports whether the outcome is set (stages in flight have "").
func (o Outcome) Terminal() bool {
	return o == OutcomeCompleted || o == OutcomeCancelled || o == OutcomeFailed
}

// Phase is the lifecycle phase of a stage node.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseTrialInit    Phase = "TRIAL_INIT"
	PhaseTrialRunning Phase = "TRIAL_RUNNING"
	PhaseTrialDone    Phase = "TRIAL_DONE"
	PhaseStageDone    Phase = "STAGE_DONE"
)
