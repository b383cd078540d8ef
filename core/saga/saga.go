package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/davidahmann/warden/core/ring"
	"github.com/davidahmann/warden/core/sign"
)

// State is the saga-level state machine:
// Pending -> Running -> Completed, Running -> Compensating -> Completed,
// Compensating -> Escalated (terminal, unrecoverable).
type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateCompensating State = "compensating"
	StateEscalated    State = "escalated"
)

// StepState is the per-step state machine:
// Pending -> Running -> {Succeeded | Failed} -> [Compensated].
type StepState string

const (
	StepPending     StepState = "pending"
	StepRunning     StepState = "running"
	StepSucceeded   StepState = "succeeded"
	StepFailed      StepState = "failed"
	StepCompensated StepState = "compensated"
)

// Outcome describes how a completed or terminal saga ended.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeEscalated  Outcome = "escalated"
)

// Handle is an external execute or undo operation. It is the only place the
// runtime blocks on external I/O; the per-step timeout bounds it, and a late
// completion after cancellation is discarded, never applied.
type Handle func(ctx context.Context) error

// Clock abstracts time so retry, backoff, and timeout control flow is
// testable with a virtual clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// StepOptions declares one saga step.
type StepOptions struct {
	ActionID       string
	Class          ring.ActionClass
	AgentID        string
	Execute        Handle
	Undo           Handle
	Timeout        time.Duration
	MaxRetries     int
	Digest         string
	Witness        *sign.Signature
	ConsensusCount int
}

// StepStatus is a read-only snapshot of one step.
type StepStatus struct {
	StepID          string           `json:"step_id"`
	ActionID        string           `json:"action_id"`
	AgentID         string           `json:"agent_id"`
	Class           ring.ActionClass `json:"class"`
	State           StepState        `json:"state"`
	Attempts        int              `json:"attempts"`
	CompletionIndex int64            `json:"completion_index,omitempty"`
}

// Status is a read-only snapshot of one saga.
type Status struct {
	SagaID    string       `json:"saga_id"`
	SessionID string       `json:"session_id"`
	State     State        `json:"state"`
	Outcome   Outcome      `json:"outcome,omitempty"`
	Steps     []StepStatus `json:"steps"`
}

// StateError reports an operation attempted outside the valid saga state.
type StateError struct {
	SagaID string
	State  State
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("saga %s: cannot %s while %s", e.SagaID, e.Op, e.State)
}

// StepExecutionError reports a step whose execute handle failed or timed out
// after exhausting its retries.
type StepExecutionError struct {
	SagaID   string
	StepID   string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("saga %s step %s failed after %d attempts: %v", e.SagaID, e.StepID, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// CompensationError reports an undo handle that itself failed; the saga is
// escalated and the responsible agent slashed, never silently dropped.
type CompensationError struct {
	SagaID  string
	StepID  string
	AgentID string
	Err     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s compensation of step %s (agent %s) failed: %v", e.SagaID, e.StepID, e.AgentID, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

type step struct {
	id             string
	actionID       string
	class          ring.ActionClass
	agentID        string
	execute        Handle
	undo           Handle
	timeout        time.Duration
	maxRetries     int
	digest         string
	witness        *sign.Signature
	consensusCount int

	state      StepState
	attempts   int
	completion int64
}

type saga struct {
	id        string
	sessionID string
	state     State
	outcome   Outcome
	steps     []*step
	nextOrder int64
	inFlight  bool
}
