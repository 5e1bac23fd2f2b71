// Package executor drives a playbook's step list against a live
// domain.ExecutionState: the before/progress/finish shape is grounded on
// the pack's runbook runner. Here the execution row is inserted once as
// running before the first step, per-step progress is kept in the
// in-memory state and emitted on the live channel, and the row is written
// once more with the terminal status and results.
package executor

import (
	"context"
	"fmt"
	"time"

	serrors "github.com/r3e-network/soar-core/infrastructure/errors"
	"github.com/r3e-network/soar-core/infrastructure/resilience"
	"github.com/r3e-network/soar-core/internal/actions"
	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/predicate"
	"github.com/r3e-network/soar-core/internal/store"
	"github.com/r3e-network/soar-core/internal/template"
	"github.com/r3e-network/soar-core/pkg/logger"
	"github.com/r3e-network/soar-core/pkg/metrics"
)

// CheckpointRetention bounds the checkpoint stack kept per execution.
const CheckpointRetention = 10

// maxRetryDelay caps the exponential step-retry backoff.
const maxRetryDelay = 10 * time.Second

// EmitFunc publishes a live-channel event; fire-and-forget, never blocks
// the step loop.
type EmitFunc func(eventType string, payload map[string]interface{})

// RunParams configures a single playbook execution.
type RunParams struct {
	Playbook       domain.Playbook
	Job            domain.Job
	DryRun         bool
	CancelCheck    func() bool
	Registry       *actions.Registry
}

// Executor drives playbook executions against a relational store.
type Executor struct {
	store    store.PlaybookStore
	emit     EmitFunc
	log      *logger.Logger
	recorder *metrics.Recorder
}

// New returns an Executor. emit may be nil to disable live-channel output.
func New(s store.PlaybookStore, emit EmitFunc, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	if emit == nil {
		emit = func(string, map[string]interface{}) {}
	}
	return &Executor{store: s, emit: emit, log: log, recorder: metrics.NewRecorder(nil)}
}

// Run executes params.Playbook's definition against the triggering job,
// persisting a PlaybookExecution row and returning its terminal status.
// Run never panics on an action error; it records the failure on the
// execution and returns a nil error for anything handled by onError, and a
// non-nil error only when the execution should count as a queue-level
// failure (onError: abort/retry/rollback after retries exhausted, a
// permission denial, or cancellation between steps).
func (ex *Executor) Run(ctx context.Context, params RunParams) (domain.PlaybookExecution, error) {
	if params.Playbook.OrganizationID != params.Job.OrganizationID {
		return domain.PlaybookExecution{}, fmt.Errorf("executor: playbook %d belongs to org %d, job is org %d",
			params.Playbook.ID, params.Playbook.OrganizationID, params.Job.OrganizationID)
	}

	startedAt := time.Now().UTC()
	state := domain.NewExecutionState(params.Job.Context, params.Job.Event.Data)

	exec := domain.PlaybookExecution{
		PlaybookID:     params.Playbook.ID,
		OrganizationID: params.Job.OrganizationID,
		UserID:         params.Job.UserID,
		TriggerData:    params.Job.Event.Data,
		Status:         domain.ExecutionRunning,
		StartedAt:      startedAt,
		DryRun:         params.DryRun,
	}
	execID, err := ex.store.InsertExecution(ctx, exec)
	if err != nil {
		return domain.PlaybookExecution{}, fmt.Errorf("executor: insert execution: %w", err)
	}
	exec.ID = execID

	metrics.RecordExecutionStarted(fmt.Sprint(params.Playbook.ID))
	ex.audit(ctx, execID, exec.OrganizationID, "playbook.started", domain.SeverityInfo, params.DryRun)
	ex.emit("execution:started", map[string]interface{}{
		"executionId": execID, "organizationId": exec.OrganizationID, "playbookId": params.Playbook.ID, "timestamp": startedAt,
	})

	definition := params.Playbook.Definition.Normalize()
	steps := definition.Steps
	total := len(steps)

	runErr := ex.runSteps(ctx, &runContext{
		execID:     execID,
		orgID:      exec.OrganizationID,
		state:      state,
		registry:   params.Registry,
		dryRun:     params.DryRun,
		playbookID: params.Playbook.ID,
		userID:     params.Job.UserID,
		totalSteps: total,
		cancelled:  params.CancelCheck,
	}, steps)

	return ex.finish(ctx, exec, state, startedAt, runErr)
}

// runContext carries the per-execution state threaded through the
// recursive step loop (top-level steps and their then/else children).
type runContext struct {
	execID     int64
	orgID      int64
	state      *domain.ExecutionState
	registry   *actions.Registry
	dryRun     bool
	playbookID int64
	userID     *int64
	totalSteps int
	completed  int
	cancelled  func() bool
}

// stepFailure is returned by runStep/runSteps for a step failure that
// escapes the step loop (abort, retry, rollback, permission denial, or
// cancellation); rollback restores state before returning it and still
// fails the execution once unwound to Run.
type stepFailure struct {
	stepID string
	err    error
}

func (e *stepFailure) Error() string { return fmt.Sprintf("step %s: %v", e.stepID, e.err) }

func (e *stepFailure) Unwrap() error { return e.err }

func (ex *Executor) runSteps(ctx context.Context, rc *runContext, steps []domain.Step) error {
	for _, step := range steps {
		if rc.cancelled != nil && rc.cancelled() {
			return &stepFailure{stepID: step.ID, err: fmt.Errorf("execution cancelled")}
		}
		if err := ex.runStep(ctx, rc, step); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) runStep(ctx context.Context, rc *runContext, step domain.Step) error {
	stepState := &domain.StepState{Status: domain.StepPending, StartTime: time.Now().UTC()}
	rc.state.Steps[step.ID] = stepState
	rc.state.CurrentStepID = step.ID

	// 1. Condition check.
	if step.If != "" && !ex.evalCondition(step.If, rc.state.Variables) {
		stepState.Status = domain.StepSkipped
		ex.emitStepEvent(rc, step.ID, "step:update", nil)
		return nil
	}

	// 2. Checkpoint.
	checkpoint := rc.state.PushCheckpoint(step.ID, CheckpointRetention)

	// 3. Template resolution.
	resolvedParams, _ := template.Render(step.Params, rc.state.Variables).(map[string]interface{})

	stepState.Status = domain.StepRunning
	ex.emitStepEvent(rc, step.ID, "step:started", nil)

	result, attempts, err := ex.invokeWithRetry(ctx, rc, step, resolvedParams, stepState)
	stepState.Attempts = attempts

	if err != nil {
		return ex.handleStepFailure(ctx, rc, step, stepState, checkpoint, err)
	}

	now := time.Now().UTC()
	stepState.Status = domain.StepCompleted
	stepState.EndTime = &now
	stepState.Output = result.Data
	rc.state.SetStepOutput(step.ID, map[string]interface{}{"data": result.Data, "message": result.Message})

	rc.completed++
	ex.emitStepEvent(rc, step.ID, "step:completed", map[string]interface{}{"durationMs": now.Sub(stepState.StartTime).Milliseconds()})
	metrics.RecordStepDuration(step.ActionID, "completed", now.Sub(stepState.StartTime))
	ex.publishProgress(rc)

	// 8. Branching: a successful step (we only reach here on success;
	// handleStepFailure returns before this point) descends into Then.
	if len(step.Then) > 0 {
		return ex.runSteps(ctx, rc, step.Then)
	}
	return nil
}

// invokeWithRetry runs step's action, retrying up to step.Retries times
// with exponential backoff (1000*2^(k-1) ms, capped at 10s) between
// attempts. It does not apply onError; the caller does that once all
// attempts are exhausted.
func (ex *Executor) invokeWithRetry(ctx context.Context, rc *runContext, step domain.Step, params map[string]interface{}, stepState *domain.StepState) (actions.Result, int, error) {
	attempts := 0
	maxAttempts := 1 + step.Retries
	var lastErr error

	for attempts < maxAttempts {
		attempts++
		if attempts > 1 {
			stepState.Status = domain.StepRetrying
			delay := retryDelay(attempts - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return actions.Result{}, attempts, ctx.Err()
			}
			stepState.Status = domain.StepRunning
		}

		result, err := ex.invokeOnce(ctx, rc, step, params)
		if err == nil && result.Success {
			return result, attempts, nil
		}
		if err == nil {
			err = fmt.Errorf("%s", firstNonEmpty(result.Error, "action returned success=false"))
		}
		lastErr = err
		if serrors.IsPermissionDenied(err) {
			// Another attempt cannot grant an authorization the caller never
			// had; stop spending the step's retry budget on it.
			break
		}
	}
	return actions.Result{}, attempts, lastErr
}

// invokeOnce performs one action invocation with the step's timeout as a
// race between the action and a timer, per the documented contract.
func (ex *Executor) invokeOnce(ctx context.Context, rc *runContext, step domain.Step, params map[string]interface{}) (actions.Result, error) {
	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	if rc.dryRun && timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actionCtx := actions.Context{
		PlaybookID:     rc.playbookID,
		ExecutionID:    rc.execID,
		OrganizationID: rc.orgID,
		UserID:         rc.userID,
		Variables:      rc.state.Variables,
		Log: func(msg, level string) {
			rc.state.AppendLog(level, msg, step.ID)
		},
	}

	type outcome struct {
		result actions.Result
	}
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{result: rc.registry.Execute(stepCtx, step.ActionID, params, actionCtx)}
	}()

	select {
	case o := <-done:
		if !o.result.Success {
			reason := firstNonEmpty(o.result.Error, "action failed")
			if o.result.Denied {
				return o.result, serrors.PermissionDenied(step.ActionID)
			}
			return o.result, serrors.ActionFailed(step.ActionID, fmt.Errorf("%s", reason))
		}
		return o.result, nil
	case <-stepCtx.Done():
		return actions.Result{Success: false}, serrors.Timeout(fmt.Sprintf("step %s (action %s)", step.ID, step.ActionID))
	}
}

// handleStepFailure applies the step's onError policy once retries are
// exhausted.
func (ex *Executor) handleStepFailure(ctx context.Context, rc *runContext, step domain.Step, stepState *domain.StepState, checkpoint domain.Checkpoint, cause error) error {
	now := time.Now().UTC()
	stepState.Status = domain.StepFailed
	stepState.EndTime = &now
	stepState.Error = cause.Error()
	rc.state.SetStepFailureMarker(step.ID, cause.Error())

	ex.emitStepEvent(rc, step.ID, "step:failed", map[string]interface{}{"error": cause.Error()})
	metrics.RecordStepDuration(step.ActionID, "failed", now.Sub(stepState.StartTime))

	if serrors.IsPermissionDenied(cause) {
		// Permission denial aborts outright: onError:continue/rollback would
		// let an execution the caller was never authorized for reach
		// "completed", and a retry or Else branch can't fix a missing grant.
		return &stepFailure{stepID: step.ID, err: cause}
	}

	switch step.OnError {
	case domain.OnErrorContinue:
		ex.log.WithField("step_id", step.ID).WithError(cause).Warn("executor: step failed, continuing per onError:continue")
		if len(step.Else) > 0 {
			return ex.runSteps(ctx, rc, step.Else)
		}
		return nil
	case domain.OnErrorRollback:
		rc.state.Rollback(checkpoint)
		return &stepFailure{stepID: step.ID, err: cause}
	default: // abort, retry
		return &stepFailure{stepID: step.ID, err: cause}
	}
}

func (ex *Executor) evalCondition(expr string, variables map[string]interface{}) bool {
	compiled, err := predicate.Compile(expr)
	if err != nil {
		ex.log.WithError(err).WithField("condition", expr).Warn("executor: malformed step condition, evaluating false")
		return false
	}
	return compiled.Eval(variables)
}

var stepRetryConfig = resilience.RetryConfig{
	InitialDelay: time.Second,
	MaxDelay:     maxRetryDelay,
	Multiplier:   2,
}

func retryDelay(attemptsSoFar int) time.Duration {
	return resilience.DelayForAttempt(attemptsSoFar-1, stepRetryConfig)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (ex *Executor) emitStepEvent(rc *runContext, stepID, eventType string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"executionId": rc.execID, "organizationId": rc.orgID, "playbookId": rc.playbookID, "stepId": stepID, "timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	ex.emit(eventType, payload)
}

func (ex *Executor) publishProgress(rc *runContext) {
	pct := float64(100)
	if rc.totalSteps > 0 {
		pct = float64(rc.completed) / float64(rc.totalSteps) * 100
	}
	ex.emit("execution:progress", map[string]interface{}{
		"executionId": rc.execID, "organizationId": rc.orgID, "playbookId": rc.playbookID, "percent": pct,
	})
}

// finish writes the terminal PlaybookExecution status and audit entry,
// returning the final row and an error only when the execution should
// count as a queue-level failure.
func (ex *Executor) finish(ctx context.Context, exec domain.PlaybookExecution, state *domain.ExecutionState, startedAt time.Time, runErr error) (domain.PlaybookExecution, error) {
	completedAt := time.Now().UTC()
	durationMs := completedAt.Sub(startedAt).Milliseconds()

	update := store.ExecutionStatusUpdate{
		ID:          exec.ID,
		CompletedAt: &completedAt,
		DurationMs:  &durationMs,
		Results:     state,
	}

	var action string
	var severity domain.AuditSeverity
	if runErr != nil {
		update.Status = domain.ExecutionFailed
		update.Error = runErr.Error()
		action, severity = "playbook.failed", domain.SeverityError
	} else {
		update.Status = domain.ExecutionCompleted
		action, severity = "playbook.completed", domain.SeverityInfo
	}

	if err := ex.store.UpdateExecutionStatus(ctx, update); err != nil {
		ex.log.WithError(err).WithField("execution_id", exec.ID).Error("executor: failed to persist terminal status")
	}
	exec.Status = update.Status
	exec.CompletedAt = &completedAt
	exec.DurationMs = &durationMs
	exec.Results = state
	if runErr != nil {
		exec.Error = runErr.Error()
	}

	ex.audit(ctx, exec.ID, exec.OrganizationID, action, severity, exec.DryRun)
	metrics.RecordExecutionFinished(fmt.Sprint(exec.PlaybookID), string(update.Status), completedAt.Sub(startedAt))
	ex.emit(fmt.Sprintf("execution:%s", statusEventSuffix(update.Status)), map[string]interface{}{
		"executionId": exec.ID, "organizationId": exec.OrganizationID, "playbookId": exec.PlaybookID, "timestamp": completedAt,
	})

	return exec, runErr
}

func statusEventSuffix(status domain.ExecutionStatus) string {
	switch status {
	case domain.ExecutionCompleted:
		return "completed"
	case domain.ExecutionFailed:
		return "failed"
	case domain.ExecutionCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func (ex *Executor) audit(ctx context.Context, executionID, orgID int64, action string, severity domain.AuditSeverity, dryRun bool) {
	entityType := domain.AuditEntityExecution
	if dryRun {
		entityType = domain.AuditEntityTest
	}
	err := ex.store.AppendAuditLog(ctx, domain.AuditEntry{
		EntityType:     entityType,
		EntityID:       fmt.Sprint(executionID),
		Action:         action,
		OrganizationID: orgID,
		Severity:       severity,
		Source:         domain.SourceSystem,
	})
	if err != nil {
		ex.log.WithError(err).WithField("execution_id", executionID).Error("executor: failed to write audit entry")
	}
}
