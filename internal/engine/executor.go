package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crmflow/internal/actions"
	"github.com/rendis/crmflow/internal/conditions"
	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/internal/streaming"
	"github.com/rendis/crmflow/internal/validation"
	"github.com/rendis/crmflow/pkg/schema"
)

// DefaultMaxStepsPerSegment bounds the steps executed between two suspension points.
const DefaultMaxStepsPerSegment = 100

// ExecutionResult is returned by Run and Resume with the run outcome.
// Pending holds the cascade events of a completed run; it is empty for failed
// and waiting runs.
type ExecutionResult struct {
	RunID         string                 `json:"run_id"`
	WorkflowID    string                 `json:"workflow_id"`
	ContactID     string                 `json:"contact_id"`
	Status        schema.RunStatus       `json:"status"`
	Error         string                 `json:"error,omitempty"`
	ErrorCode     string                 `json:"error_code,omitempty"`
	Pending       []schema.PipelineEvent `json:"pending,omitempty"`
	ResumeAt      *time.Time             `json:"resume_at,omitempty"`
	StepsExecuted int                    `json:"steps_executed"`
}

// RunSnapshot is a run with its step logs, for querying.
type RunSnapshot struct {
	Run      *store.Run       `json:"run"`
	StepLogs []*store.StepLog `json:"step_logs"`
}

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	// MaxDepth bounds cascade events built by handlers (default schema.MaxTriggerChainDepth).
	MaxDepth int
	// MaxStepsPerSegment fails a run that executes more steps without suspending.
	MaxStepsPerSegment int
	// ResumeInactive lets waiting runs of deactivated workflows continue.
	ResumeInactive bool
	Conditions     *conditions.Evaluator
	// Events receives run and step status changes when set.
	Events streaming.Publisher
	Logger *slog.Logger
	Now    func() time.Time
}

// Executor interprets a workflow's step chain for one contact.
type Executor struct {
	store      store.Store
	handlers   actions.HandlerRegistry
	validator  validation.Validator
	conditions *conditions.Evaluator
	runFSM     *RunFSM
	stepFSM    *StepLogFSM
	config     ExecutorConfig
	events     streaming.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// runState is the per-execution state of one run. It is never shared.
type runState struct {
	run     *store.Run
	wf      *store.Workflow
	arena   *stepArena
	depth   int
	pending []schema.PipelineEvent
	steps   int
}

// NewExecutor creates an Executor. validator may be nil, in which case step
// configs are only decoded, not schema-checked.
func NewExecutor(s store.Store, handlers actions.HandlerRegistry, v validation.Validator, cfg ExecutorConfig) *Executor {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = schema.MaxTriggerChainDepth
	}
	if cfg.MaxStepsPerSegment <= 0 {
		cfg.MaxStepsPerSegment = DefaultMaxStepsPerSegment
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	cond := cfg.Conditions
	if cond == nil {
		cond = conditions.NewEvaluator(nil, logger)
	}
	return &Executor{
		store:      s,
		handlers:   handlers,
		validator:  v,
		conditions: cond,
		runFSM:     NewRunFSM(debugTransitions(logger, "run")),
		stepFSM:    NewStepLogFSM(debugTransitions(logger, "step_log")),
		config:     cfg,
		events:     cfg.Events,
		logger:     logger,
		now:        now,
	}
}

// Run executes workflowID for contactID at the given trigger chain depth.
func (e *Executor) Run(ctx context.Context, workflowID, contactID string, depth int) (*ExecutionResult, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, wf, contactID, store.RunMetadata{TriggerChainDepth: depth})
}

// RunForEvent executes wf for the event's contact and records the event on the run.
func (e *Executor) RunForEvent(ctx context.Context, wf *store.Workflow, ev schema.PipelineEvent) (*ExecutionResult, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	return e.start(ctx, wf, ev.ContactID, store.RunMetadata{TriggerChainDepth: ev.TriggerChainDepth, TriggerEvent: &ev})
}

func (e *Executor) start(ctx context.Context, wf *store.Workflow, contactID string, meta store.RunMetadata) (*ExecutionResult, error) {
	run := &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		ContactID:  contactID,
		Status:     schema.RunStatusRunning,
		Metadata:   meta,
		StartedAt:  e.now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithRun(ctx, run.ID, wf.ID, contactID)
	e.logger.InfoContext(ctx, "run started", "depth", meta.TriggerChainDepth)

	rs := &runState{run: run, wf: wf, depth: meta.TriggerChainDepth}
	e.publishRun(ctx, rs)

	arena, err := e.load(ctx, wf.ID)
	if err != nil {
		return e.fail(ctx, rs, codeOf(err, schema.ErrCodeValidation), err.Error())
	}
	rs.arena = arena

	first := arena.first()
	if first == nil {
		return e.complete(ctx, rs)
	}
	return e.runLoop(ctx, rs, first.ID)
}

// Resume continues a run suspended on the delay step stepID. It does not check
// whether the wake time has passed.
func (e *Executor) Resume(ctx context.Context, runID, stepID string) (*ExecutionResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s, not waiting", runID, run.Status).
			WithDetails(map[string]any{"run_id": runID, "status": string(run.Status)})
	}
	wait, err := e.store.GetWaitingStepLog(ctx, runID, stepID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithRun(ctx, run.ID, run.WorkflowID, run.ContactID)
	e.logger.InfoContext(ctx, "resuming run", "step_id", stepID)

	// Transient read failures return before the wait log is touched, so the
	// run stays waiting on it and a later resume can retry.
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil && !schema.IsNotFound(err) {
		return nil, err
	}
	var (
		arena   *stepArena
		loadErr error
	)
	if wf != nil && (wf.IsActive || e.config.ResumeInactive) {
		arena, loadErr = e.load(ctx, wf.ID)
		if schema.HasCode(loadErr, schema.ErrCodeStore) {
			return nil, loadErr
		}
	}

	if err := e.stepFSM.Transition(stepID, wait.Status, schema.StepLogCompleted); err != nil {
		return nil, err
	}
	done := schema.StepLogCompleted
	now := e.now()
	if err := e.store.UpdateStepLog(ctx, wait.ID, store.StepLogUpdate{Status: &done, CompletedAt: &now}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "complete delay step log: %s", err.Error()).WithCause(err)
	}
	wait.Status = done

	rs := &runState{run: run, wf: wf, arena: arena, depth: run.Metadata.TriggerChainDepth}
	e.publishStep(ctx, rs, wait, "")

	switch {
	case wf == nil:
		return e.fail(ctx, rs, schema.ErrCodeNotFound, fmt.Sprintf("workflow %s not found", run.WorkflowID))
	case !wf.IsActive && !e.config.ResumeInactive:
		return e.fail(ctx, rs, schema.ErrCodeInactiveWorkflow, "workflow is inactive")
	case loadErr != nil:
		return e.fail(ctx, rs, codeOf(loadErr, schema.ErrCodeValidation), loadErr.Error())
	}

	delay, ok := arena.step(stepID)
	if !ok {
		return e.fail(ctx, rs, schema.ErrCodeNotFound, fmt.Sprintf("step %s not found in workflow %s", stepID, wf.ID))
	}
	if delay.NextStepID == "" {
		return e.complete(ctx, rs)
	}

	if err := e.setStatus(ctx, rs, schema.RunStatusRunning, store.RunUpdate{}); err != nil {
		return e.abort(ctx, rs, nil, err)
	}
	return e.runLoop(ctx, rs, delay.NextStepID)
}

// Status returns a run with its step logs.
func (e *Executor) Status(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	logs, err := e.store.ListStepLogs(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{Run: run, StepLogs: logs}, nil
}

// load builds and validates the step arena of a workflow.
func (e *Executor) load(ctx context.Context, workflowID string) (*stepArena, error) {
	steps, err := e.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load steps: %s", err.Error()).WithCause(err)
	}
	arena := newStepArena(steps)

	if e.validator != nil {
		res := e.validator.ValidateSteps(arena.order)
		for _, w := range res.Warnings {
			e.logger.WarnContext(ctx, "workflow validation warning", "path", w.Path, "code", w.Code, "message", w.Message)
		}
		if err := res.ToError(); err != nil {
			return nil, err
		}
	}
	if err := arena.decode(); err != nil {
		return nil, err
	}
	return arena, nil
}

// runLoop is the step interpreter shared by fresh runs and resumptions.
func (e *Executor) runLoop(ctx context.Context, rs *runState, startID string) (*ExecutionResult, error) {
	rs.steps = 0
	limit := e.config.MaxStepsPerSegment

	for stepID := startID; stepID != ""; {
		if rs.steps >= limit {
			return e.fail(ctx, rs, schema.ErrCodeCycleDetected,
				fmt.Sprintf("run exceeded %d steps without suspending; the step graph likely loops", limit))
		}
		step, ok := rs.arena.step(stepID)
		if !ok {
			return e.fail(ctx, rs, schema.ErrCodeNotFound, fmt.Sprintf("step %s not found in workflow %s", stepID, rs.wf.ID))
		}
		rs.steps++

		cur := step.ID
		if err := e.store.UpdateRun(ctx, rs.run.ID, store.RunUpdate{CurrentStepID: &cur}); err != nil {
			return e.abort(ctx, rs, nil, schema.NewErrorf(schema.ErrCodeStore, "update current step: %s", err.Error()).WithCause(err))
		}
		rs.run.CurrentStepID = cur

		sl := &store.StepLog{
			ID:        uuid.New().String(),
			RunID:     rs.run.ID,
			StepID:    step.ID,
			StepType:  step.Type,
			Status:    schema.StepLogRunning,
			StartedAt: e.now(),
		}
		if err := e.store.CreateStepLog(ctx, sl); err != nil {
			return e.abort(ctx, rs, nil, schema.NewErrorf(schema.ErrCodeStore, "create step log: %s", err.Error()).WithCause(err))
		}
		e.publishStep(ctx, rs, sl, "")

		stepCtx := logging.WithStepID(ctx, step.ID)
		res, next := e.dispatch(stepCtx, rs, step)

		switch {
		case !res.Success:
			if err := e.finishStep(ctx, rs, sl, schema.StepLogFailed, res); err != nil {
				return e.abort(ctx, rs, sl, err)
			}
			e.logger.WarnContext(stepCtx, "step failed", "step_type", step.Type, "error", res.Error)
			return e.fail(ctx, rs, schema.ErrCodeStepFailed, res.Error)

		case step.Type == schema.StepDelay:
			return e.suspend(ctx, rs, sl, res)

		default:
			if err := e.finishStep(ctx, rs, sl, schema.StepLogCompleted, res); err != nil {
				return e.abort(ctx, rs, sl, err)
			}
			if res.NewEvent != nil {
				rs.pending = append(rs.pending, *res.NewEvent)
			}
			stepID = next
		}
	}

	return e.complete(ctx, rs)
}

// dispatch runs one step and returns its result and successor. Condition
// steps are evaluated inline; every other type goes to its handler.
func (e *Executor) dispatch(ctx context.Context, rs *runState, step *schema.Step) (*actions.Result, string) {
	if step.Type == schema.StepCondition {
		return e.evaluateCondition(ctx, rs, step)
	}

	h, err := e.handlers.Get(step.Type)
	if err != nil {
		return actions.Failed("%s", err.Error()), ""
	}
	res := e.invoke(ctx, h, actions.Input{
		RunID:      rs.run.ID,
		WorkflowID: rs.run.WorkflowID,
		ContactID:  rs.run.ContactID,
		Step:       step,
		Config:     rs.arena.configs[step.ID],
		Depth:      rs.depth,
		MaxDepth:   e.config.MaxDepth,
	})
	return res, step.NextStepID
}

// invoke calls a handler; returned errors and panics become failed results.
func (e *Executor) invoke(ctx context.Context, h actions.Handler, in actions.Input) (res *actions.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "handler panic", "step_type", h.Type(), "panic", r)
			res = actions.Failed("%s handler panicked: %v", h.Type(), r)
		}
	}()

	res, err := h.Execute(ctx, in)
	if err != nil {
		return actions.Failed("%v", err)
	}
	if res == nil {
		return actions.Failed("%s handler returned no result", h.Type())
	}
	return res
}

func (e *Executor) evaluateCondition(ctx context.Context, rs *runState, step *schema.Step) (*actions.Result, string) {
	cfg, _ := rs.arena.configs[step.ID].(schema.ConditionConfig)

	var snapshot map[string]any
	c, err := e.store.GetContact(ctx, rs.run.ContactID)
	if err != nil {
		// A missing contact fails closed: every field lookup misses.
		e.logger.WarnContext(ctx, "condition contact lookup failed", "error", err)
		snapshot = ContactSnapshot(nil)
	} else {
		snapshot = ContactSnapshot(c)
	}

	ok := e.conditions.Evaluate(ctx, cfg, snapshot)
	next := step.ConditionFalseStepID
	if ok {
		next = step.ConditionTrueStepID
	}
	return actions.Succeeded(map[string]any{"result": ok, "next_step_id": next}), next
}

func (e *Executor) finishStep(ctx context.Context, rs *runState, sl *store.StepLog, status schema.StepLogStatus, res *actions.Result) error {
	if err := e.stepFSM.Transition(sl.StepID, sl.Status, status); err != nil {
		return err
	}
	now := e.now()
	upd := store.StepLogUpdate{Status: &status, Result: marshalResult(res), CompletedAt: &now}
	if !res.Success {
		upd.ErrorMessage = &res.Error
	}
	if err := e.store.UpdateStepLog(ctx, sl.ID, upd); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update step log: %s", err.Error()).WithCause(err)
	}
	sl.Status = status
	e.publishStep(ctx, rs, sl, res.Error)
	return nil
}

// suspend parks the run on a delay step until the resumer picks it up.
func (e *Executor) suspend(ctx context.Context, rs *runState, sl *store.StepLog, res *actions.Result) (*ExecutionResult, error) {
	at := e.now()
	if res.ResumeAt != nil {
		at = res.ResumeAt.UTC()
	}

	if err := e.stepFSM.Transition(sl.StepID, sl.Status, schema.StepLogWaiting); err != nil {
		return e.abort(ctx, rs, sl, err)
	}
	waiting := schema.StepLogWaiting
	if err := e.store.UpdateStepLog(ctx, sl.ID, store.StepLogUpdate{
		Status:      &waiting,
		Result:      marshalResult(res),
		NextRetryAt: &at,
	}); err != nil {
		return e.abort(ctx, rs, sl, schema.NewErrorf(schema.ErrCodeStore, "suspend step log: %s", err.Error()).WithCause(err))
	}
	sl.Status = waiting
	e.publishStep(ctx, rs, sl, "")

	if err := e.setStatus(ctx, rs, schema.RunStatusWaiting, store.RunUpdate{}); err != nil {
		return e.abort(ctx, rs, sl, err)
	}
	e.logger.InfoContext(ctx, "run waiting", "step_id", sl.StepID, "resume_at", at)

	out := e.result(rs)
	out.ResumeAt = &at
	return out, nil
}

func (e *Executor) complete(ctx context.Context, rs *runState) (*ExecutionResult, error) {
	now := e.now()
	if err := e.setStatus(ctx, rs, schema.RunStatusCompleted, store.RunUpdate{CompletedAt: &now}); err != nil {
		return e.abort(ctx, rs, nil, err)
	}
	e.logger.InfoContext(ctx, "run completed", "steps", rs.steps, "pending_events", len(rs.pending))

	out := e.result(rs)
	out.Pending = rs.pending
	return out, nil
}

// fail records a final failed status. It writes on a context the caller
// cannot cancel, so a run whose request went away still ends failed.
func (e *Executor) fail(ctx context.Context, rs *runState, code, msg string) (*ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	rs.run.ErrorMessage = msg
	if err := e.setStatus(ctx, rs, schema.RunStatusFailed, store.RunUpdate{ErrorMessage: &msg, CompletedAt: &now}); err != nil {
		return nil, err
	}
	e.logger.WarnContext(ctx, "run failed", "code", code, "error", msg)

	out := e.result(rs)
	out.Error = msg
	out.ErrorCode = code
	return out, nil
}

// abort ends a run whose step loop was broken by err, usually a store write.
// An open step log sl is closed as failed first. When even the failed status
// cannot be written, err is returned.
func (e *Executor) abort(ctx context.Context, rs *runState, sl *store.StepLog, err error) (*ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)
	msg := err.Error()
	e.logger.ErrorContext(ctx, "run aborted", "error", err)

	if sl != nil && e.stepFSM.Transition(sl.StepID, sl.Status, schema.StepLogFailed) == nil {
		failed := schema.StepLogFailed
		now := e.now()
		upd := store.StepLogUpdate{Status: &failed, ErrorMessage: &msg, CompletedAt: &now}
		if uerr := e.store.UpdateStepLog(ctx, sl.ID, upd); uerr != nil {
			e.logger.ErrorContext(ctx, "close step log", "step_id", sl.StepID, "error", uerr)
		} else {
			sl.Status = failed
			e.publishStep(ctx, rs, sl, msg)
		}
	}
	if IsTerminalRun(rs.run.Status) {
		return nil, err
	}

	out, ferr := e.fail(ctx, rs, codeOf(err, schema.ErrCodeStore), msg)
	if ferr != nil {
		e.logger.ErrorContext(ctx, "record run failure", "error", ferr)
		return nil, err
	}
	return out, nil
}

// setStatus validates and persists a run status change. Extra fields in upd
// are written in the same update.
func (e *Executor) setStatus(ctx context.Context, rs *runState, to schema.RunStatus, upd store.RunUpdate) error {
	if err := e.runFSM.Transition(rs.run.ID, rs.run.Status, to); err != nil {
		return err
	}
	upd.Status = &to
	if err := e.store.UpdateRun(ctx, rs.run.ID, upd); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}
	rs.run.Status = to
	e.publishRun(ctx, rs)
	return nil
}

func (e *Executor) result(rs *runState) *ExecutionResult {
	return &ExecutionResult{
		RunID:         rs.run.ID,
		WorkflowID:    rs.run.WorkflowID,
		ContactID:     rs.run.ContactID,
		Status:        rs.run.Status,
		StepsExecuted: rs.steps,
	}
}

func marshalResult(res *actions.Result) json.RawMessage {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	return raw
}

// codeOf returns the FlowError code of err, or fallback.
func codeOf(err error, fallback string) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fallback
}
