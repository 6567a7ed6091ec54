package model

import "time"

// Job states.
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// State is the lifecycle state of a Job.
type State string

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// validTransitions maps each state to the set of states it may transition to.
// Terminal states have no entry.
var validTransitions = map[State]map[State]bool{
	StateWaiting: {
		StateActive: true,
	},
	StateActive: {
		StateCompleted: true,
		StateFailed:    true,
		StateTimedOut:  true,
		StateWaiting:   true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Job is a queued execution request and its lifecycle record.
type Job struct {
	ID          string           `json:"id"`
	Fingerprint string           `json:"fingerprint"`
	Priority    Priority         `json:"priority"`
	State       State            `json:"state"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	TimeoutMS   int64            `json:"timeoutMs"`
	Request     ExecutionRequest `json:"-"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Cached      bool             `json:"cached"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	ReadyAt     time.Time        `json:"-"`
}

// Timeout returns the job's execution timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}
