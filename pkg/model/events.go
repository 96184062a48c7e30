package model

import "time"

// EventType names an observable mutation.
type EventType string

const (
	EventStageStart   EventType = "stage_start"
	EventTrialStart   EventType = "trial_start"
	EventTrialEnd     EventType = "trial_end"
	EventStageEnd     EventType = "stage_end"
	EventDeviceUpdate EventType = "device_update"
)

// Event is a state-change notification emitted by stages and devices.
// Notifications are delivered at least once per observable mutation, in the
// order the mutation occurred locally.
type Event struct {
	Type    EventType `json:"type"`
	Source  string    `json:"source"` // stage name or device id
	Trial   int       `json:"trial,omitempty"`
	Outcome Outcome   `json:"outcome,omitempty"`
	State   any       `json:"state,omitempty"`
	Time    time.Time `json:"time"`
}

// Run records one top-level experiment execution.
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
