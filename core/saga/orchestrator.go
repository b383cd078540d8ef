package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/warden/core/ring"
)

// Authorizer re-checks a step's action at dispatch time. A denial is treated
// as a step failure: privileges revoked after registration must not let the
// step run.
type Authorizer func(sessionID string, req ring.ActionRequest) error

// Recorder appends one audit delta per transition. Implementations must not
// call back into the orchestrator.
type Recorder func(sessionID, class, description string)

// Escalator is invoked when an undo handle fails and the saga leaves the
// automated recovery path.
type Escalator func(sessionID, sagaID, agentID string, cause error)

const defaultBackoffBase = 100 * time.Millisecond

// Options configures an Orchestrator. Zero values select a wall clock, the
// default backoff base, and no-op collaborators.
type Options struct {
	Clock       Clock
	Authorize   Authorizer
	Record      Recorder
	Escalate    Escalator
	BackoffBase time.Duration
	Logger      *slog.Logger
}

// Orchestrator drives multi-step workflows with per-step retry, timeout, and
// reverse-order compensation. Steps within one saga run strictly
// sequentially; distinct sagas may run concurrently.
type Orchestrator struct {
	mu          sync.Mutex
	sagas       map[string]*saga
	clock       Clock
	authorize   Authorizer
	record      Recorder
	escalate    Escalator
	backoffBase time.Duration
	log         *slog.Logger
}

func NewOrchestrator(opts Options) *Orchestrator {
	orch := &Orchestrator{
		sagas:       map[string]*saga{},
		clock:       opts.Clock,
		authorize:   opts.Authorize,
		record:      opts.Record,
		escalate:    opts.Escalate,
		backoffBase: opts.BackoffBase,
		log:         opts.Logger,
	}
	if orch.clock == nil {
		orch.clock = realClock{}
	}
	if orch.authorize == nil {
		orch.authorize = func(string, ring.ActionRequest) error { return nil }
	}
	if orch.record == nil {
		orch.record = func(string, string, string) {}
	}
	if orch.escalate == nil {
		orch.escalate = func(string, string, string, error) {}
	}
	if orch.backoffBase <= 0 {
		orch.backoffBase = defaultBackoffBase
	}
	if orch.log == nil {
		orch.log = slog.Default()
	}
	return orch
}

// NewSaga registers an empty saga bound to a session and returns its id.
func (o *Orchestrator) NewSaga(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("saga requires a session id")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	instance := &saga{
		id:        uuid.NewString(),
		sessionID: sessionID,
		state:     StatePending,
	}
	o.sagas[instance.id] = instance
	return instance.id, nil
}

// AddStep appends a step to a pending or running saga. The action is
// authorized at registration; a denial keeps the step out of the saga.
func (o *Orchestrator) AddStep(sagaID string, opts StepOptions) (string, error) {
	if opts.Execute == nil || opts.Undo == nil {
		return "", fmt.Errorf("step %q requires execute and undo handles", opts.ActionID)
	}
	if opts.ActionID == "" || opts.AgentID == "" {
		return "", fmt.Errorf("step requires action_id and agent_id")
	}
	if opts.MaxRetries < 0 {
		return "", fmt.Errorf("max_retries must not be negative")
	}

	o.mu.Lock()
	instance, err := o.locked(sagaID)
	if err != nil {
		o.mu.Unlock()
		return "", err
	}
	sessionID := instance.sessionID
	o.mu.Unlock()

	if err := o.authorize(sessionID, o.actionRequest(opts)); err != nil {
		return "", fmt.Errorf("register step %s: %w", opts.ActionID, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if instance.state != StatePending && instance.state != StateRunning {
		return "", &StateError{SagaID: sagaID, State: instance.state, Op: "add step"}
	}
	registered := &step{
		id:             uuid.NewString(),
		actionID:       opts.ActionID,
		class:          opts.Class,
		agentID:        opts.AgentID,
		execute:        opts.Execute,
		undo:           opts.Undo,
		timeout:        opts.Timeout,
		maxRetries:     opts.MaxRetries,
		digest:         opts.Digest,
		witness:        opts.Witness,
		consensusCount: opts.ConsensusCount,
		state:          StepPending,
	}
	instance.steps = append(instance.steps, registered)
	return registered.id, nil
}

func (o *Orchestrator) actionRequest(opts StepOptions) ring.ActionRequest {
	return ring.ActionRequest{
		ActionID:       opts.ActionID,
		Class:          opts.Class,
		AgentID:        opts.AgentID,
		Digest:         opts.Digest,
		Witness:        opts.Witness,
		ConsensusCount: opts.ConsensusCount,
	}
}

// ExecuteStep runs the next pending step. Steps run in registration order,
// one at a time; calling out of order or concurrently is a state error.
// On exhausted retries or a dispatch-time authorization denial the saga
// compensates every previously succeeded step in reverse completion order.
func (o *Orchestrator) ExecuteStep(ctx context.Context, sagaID, stepID string) error {
	o.mu.Lock()
	instance, err := o.locked(sagaID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if instance.state != StatePending && instance.state != StateRunning {
		o.mu.Unlock()
		return &StateError{SagaID: sagaID, State: instance.state, Op: "execute step"}
	}
	if instance.inFlight {
		o.mu.Unlock()
		return &StateError{SagaID: sagaID, State: instance.state, Op: "execute step concurrently"}
	}
	current := instance.findStep(stepID)
	if current == nil {
		o.mu.Unlock()
		return fmt.Errorf("saga %s: unknown step %s", sagaID, stepID)
	}
	if current.state != StepPending {
		o.mu.Unlock()
		return &StateError{SagaID: sagaID, State: instance.state, Op: "re-execute step " + stepID}
	}
	for _, prior := range instance.steps {
		if prior == current {
			break
		}
		if prior.state != StepSucceeded {
			o.mu.Unlock()
			return &StateError{SagaID: sagaID, State: instance.state, Op: "execute step out of order"}
		}
	}
	instance.state = StateRunning
	instance.inFlight = true
	current.state = StepRunning
	sessionID := instance.sessionID
	o.mu.Unlock()

	o.record(sessionID, "step_started", fmt.Sprintf("saga %s step %s action %s agent %s", sagaID, stepID, current.actionID, current.agentID))

	runErr := o.authorize(sessionID, ring.ActionRequest{
		ActionID:       current.actionID,
		Class:          current.class,
		AgentID:        current.agentID,
		Digest:         current.digest,
		Witness:        current.witness,
		ConsensusCount: current.consensusCount,
	})
	attempts := 0
	if runErr == nil {
		attempts, runErr = o.runWithRetries(ctx, current)
	}

	o.mu.Lock()
	instance.inFlight = false
	current.attempts = attempts
	if runErr == nil {
		current.state = StepSucceeded
		instance.nextOrder++
		current.completion = instance.nextOrder
		o.mu.Unlock()
		o.record(sessionID, "step_succeeded", fmt.Sprintf("saga %s step %s action %s", sagaID, stepID, current.actionID))
		return nil
	}
	current.state = StepFailed
	instance.state = StateCompensating
	o.mu.Unlock()

	failure := &StepExecutionError{SagaID: sagaID, StepID: stepID, Attempts: attempts, Err: runErr}
	o.record(sessionID, "step_failed", failure.Error())
	o.log.Warn("saga step failed",
		slog.String("saga_id", sagaID),
		slog.String("step_id", stepID),
		slog.Int("attempts", attempts),
		slog.String("error", runErr.Error()))

	if compErr := o.compensateSaga(ctx, instance); compErr != nil {
		return compErr
	}
	return failure
}

// runWithRetries drives the execute handle through its retry budget with
// exponential backoff between attempts.
func (o *Orchestrator) runWithRetries(ctx context.Context, current *step) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= current.maxRetries+1; attempt++ {
		lastErr = o.runHandle(ctx, current.execute, current.timeout)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt <= current.maxRetries {
			select {
			case <-o.clock.After(o.backoffBase << (attempt - 1)):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}
	}
	return current.maxRetries + 1, lastErr
}

// runHandle bounds one handle invocation by the step timeout. The handle
// runs in its own goroutine with a cancellable context; a completion that
// arrives after the deadline is discarded, never applied.
func (o *Orchestrator) runHandle(ctx context.Context, handle Handle, timeout time.Duration) error {
	if timeout <= 0 {
		return handle(ctx)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- handle(runCtx) }()
	select {
	case err := <-done:
		return err
	case <-o.clock.After(timeout):
		cancel()
		return fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// compensateSaga undoes every succeeded step in reverse completion order.
// All undos succeeding ends the saga completed with a rollback outcome; a
// failing undo escalates the saga out of automated recovery.
func (o *Orchestrator) compensateSaga(ctx context.Context, instance *saga) error {
	o.mu.Lock()
	instance.state = StateCompensating
	pending := make([]*step, 0, len(instance.steps))
	for _, candidate := range instance.steps {
		if candidate.state == StepSucceeded {
			pending = append(pending, candidate)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].completion > pending[j].completion })
	sagaID, sessionID := instance.id, instance.sessionID
	o.mu.Unlock()

	for _, target := range pending {
		undoErr := o.runHandle(ctx, target.undo, target.timeout)
		if undoErr != nil {
			o.mu.Lock()
			instance.state = StateEscalated
			instance.outcome = OutcomeEscalated
			o.mu.Unlock()
			compErr := &CompensationError{SagaID: sagaID, StepID: target.id, AgentID: target.agentID, Err: undoErr}
			o.record(sessionID, "escalation", compErr.Error())
			o.log.Error("saga compensation failed, escalating",
				slog.String("saga_id", sagaID),
				slog.String("step_id", target.id),
				slog.String("agent_id", target.agentID),
				slog.String("error", undoErr.Error()))
			o.escalate(sessionID, sagaID, target.agentID, undoErr)
			return compErr
		}
		o.mu.Lock()
		target.state = StepCompensated
		o.mu.Unlock()
		o.record(sessionID, "compensation", fmt.Sprintf("saga %s undid step %s action %s", sagaID, target.id, target.actionID))
	}

	o.mu.Lock()
	instance.state = StateCompleted
	instance.outcome = OutcomeRolledBack
	o.mu.Unlock()
	return nil
}

// Run executes every registered step in order and completes the saga. When a
// step fails the compensation already ran and the step error is returned.
func (o *Orchestrator) Run(ctx context.Context, sagaID string) error {
	o.mu.Lock()
	instance, err := o.locked(sagaID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	ids := make([]string, 0, len(instance.steps))
	for _, registered := range instance.steps {
		if registered.state == StepPending {
			ids = append(ids, registered.id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.ExecuteStep(ctx, sagaID, id); err != nil {
			return err
		}
	}
	return o.Complete(sagaID)
}

// Complete marks a running saga committed once every step has succeeded.
func (o *Orchestrator) Complete(sagaID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	instance, err := o.locked(sagaID)
	if err != nil {
		return err
	}
	if instance.state == StateCompleted {
		return nil
	}
	if instance.state != StatePending && instance.state != StateRunning {
		return &StateError{SagaID: sagaID, State: instance.state, Op: "complete"}
	}
	for _, registered := range instance.steps {
		if registered.state != StepSucceeded {
			return &StateError{SagaID: sagaID, State: instance.state, Op: "complete with step " + registered.id + " " + string(registered.state)}
		}
	}
	instance.state = StateCompleted
	instance.outcome = OutcomeCommitted
	return nil
}

// EscalateSession force-escalates every non-terminal saga of a session and
// returns their ids. Used when the session is torn down while work is still
// in flight; the remaining recovery is a human problem, not an automated one.
func (o *Orchestrator) EscalateSession(sessionID string) []string {
	o.mu.Lock()
	escalated := make([]string, 0, 2)
	for _, instance := range o.sagas {
		if instance.sessionID != sessionID {
			continue
		}
		if instance.state == StateCompleted || instance.state == StateEscalated {
			continue
		}
		instance.state = StateEscalated
		instance.outcome = OutcomeEscalated
		escalated = append(escalated, instance.id)
	}
	o.mu.Unlock()

	sort.Strings(escalated)
	for _, id := range escalated {
		o.record(sessionID, "escalation", fmt.Sprintf("saga %s escalated by session teardown", id))
	}
	return escalated
}

// Status returns a read-only snapshot of one saga.
func (o *Orchestrator) Status(sagaID string) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	instance, err := o.locked(sagaID)
	if err != nil {
		return Status{}, err
	}
	snapshot := Status{
		SagaID:    instance.id,
		SessionID: instance.sessionID,
		State:     instance.state,
		Outcome:   instance.outcome,
		Steps:     make([]StepStatus, 0, len(instance.steps)),
	}
	for _, registered := range instance.steps {
		snapshot.Steps = append(snapshot.Steps, StepStatus{
			StepID:          registered.id,
			ActionID:        registered.actionID,
			AgentID:         registered.agentID,
			Class:           registered.class,
			State:           registered.state,
			Attempts:        registered.attempts,
			CompletionIndex: registered.completion,
		})
	}
	return snapshot, nil
}

func (o *Orchestrator) locked(sagaID string) (*saga, error) {
	instance, ok := o.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("unknown saga: %s", sagaID)
	}
	return instance, nil
}

func (s *saga) findStep(stepID string) *step {
	for _, registered := range s.steps {
		if registered.id == stepID {
			return registered
		}
	}
	return nil
}
