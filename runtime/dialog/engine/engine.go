// Package engine owns the workflow lifecycle: the state layout over a
// template's enabled steps, the advance algorithm, suspension on missing
// inputs, error-policy application and the transactional save discipline.
//
// The engine is the only component that mutates dialog status. Handlers
// report readiness and results; RunWorkflow converts their outcomes into
// state transitions and persists after every advance. Callers never see
// handler errors as Go errors: every advance returns a TransitionResult.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/broadcast"
	"github.com/parleyhq/parley/runtime/dialog/handler"
	"github.com/parleyhq/parley/runtime/dialog/store"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

var (
	// ErrNotWaiting indicates user input was provided to a dialog that is
	// not suspended.
	ErrNotWaiting = errors.New("dialog is not waiting for input")
	// ErrInputNotMap indicates a suspension on named variables was resumed
	// with a non-map input.
	ErrInputNotMap = errors.New("user input must be a variable map")
)

type (
	// TransitionResult reports one advance. Exactly the caller-facing
	// outcome: handler failures surface here, never as Go errors.
	TransitionResult struct {
		// Success reports whether the step committed.
		Success bool
		// State is the dialog's state label after the advance.
		State string
		// Message optionally describes the outcome.
		Message string
		// WaitingForInput reports suspension; MissingVariables lists the
		// unbound names in declaration order.
		WaitingForInput  bool
		MissingVariables []string
		// NoMoreSteps reports that the dialog ran past its last enabled
		// step and completed.
		NoMoreSteps bool
		// TriggerNotFound reports a defensive miss of the step trigger.
		TriggerNotFound bool
		// Err carries the underlying cause on failure.
		Err error
	}

	// Options configures an Engine.
	Options struct {
		// Store is the persistence backend. Required.
		Store store.Store
		// Handlers routes step types. Required.
		Handlers *handler.Set
		// Bus receives dialog and message updates. Optional.
		Bus *broadcast.Bus
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Engine advances dialogs through their state machines.
	Engine struct {
		store    store.Store
		handlers *handler.Set
		bus      *broadcast.Bus
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		locks    *store.KeyedMutex
	}
)

// New creates an Engine. Store and Handlers are required.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Handlers == nil {
		return nil, errors.New("engine: handlers are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{
		store:    opts.Store,
		handlers: opts.Handlers,
		bus:      opts.Bus,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		locks:    store.NewKeyedMutex(),
	}, nil
}

// CurrentStep returns the enabled step at the dialog's cursor, or nil when
// the cursor is past the last enabled step.
func (e *Engine) CurrentStep(d *dialog.Dialog) *dialog.Step {
	return NewMachine(d.Template).StepAt(d.WorkflowData.CurrentStepIndex)
}

// ExecuteNextStep performs one advance: resolve the current step, check
// readiness, execute under the step's error policy, commit. Every path
// ends in a save so resumption always observes the latest committed
// cursor. Repeating a non-success advance leaves state and cursor
// unchanged.
func (e *Engine) ExecuteNextStep(ctx context.Context, d *dialog.Dialog) *TransitionResult {
	m := NewMachine(d.Template)
	idx := d.WorkflowData.CurrentStepIndex

	step := m.StepAt(idx)
	if step == nil {
		d.Status = dialog.StatusCompleted
		d.CurrentState = dialog.StateEnd
		if err := e.SaveDialog(ctx, d); err != nil {
			return e.persistFailure(d, err)
		}
		return &TransitionResult{Success: true, NoMoreSteps: true, State: d.CurrentState, Message: "no more steps"}
	}

	if !m.HasTrigger(idx) {
		if err := e.SaveDialog(ctx, d); err != nil {
			return e.persistFailure(d, err)
		}
		return &TransitionResult{State: d.CurrentState, TriggerNotFound: true, Message: fmt.Sprintf("trigger %s not found", TriggerName(idx))}
	}

	h, err := e.handlers.ForType(step.Type)
	if err != nil {
		return e.failStep(ctx, d, step, err)
	}

	ready, err := h.CanHandle(ctx, d, step)
	if err != nil {
		return e.failStep(ctx, d, step, err)
	}
	if !ready.Ready {
		d.Status = dialog.StatusWaitingForInput
		if step.Type != dialog.StepUserInput {
			d.WorkflowData.MissingVariables = ready.Missing
		}
		if err := e.SaveDialog(ctx, d); err != nil {
			return e.persistFailure(d, err)
		}
		if e.bus != nil {
			e.bus.ModelUpdate(ctx, d)
		}
		return &TransitionResult{
			State:            d.CurrentState,
			WaitingForInput:  true,
			MissingVariables: ready.Missing,
		}
	}

	d.Status = dialog.StatusRunning
	before := len(d.Messages)

	policy := d.Template.PolicyFor(step)
	attempts := 1
	if policy.Action == dialog.PolicyRetry && policy.MaxRetries > 0 {
		attempts += policy.MaxRetries
	}
	var (
		res  *handler.StepResult
		herr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		res, herr = h.Handle(ctx, d, step)
		if herr == nil {
			break
		}
		// Discard messages appended by the failed attempt so re-runs and
		// error-policy saves never persist duplicates or orphan stubs.
		d.Messages = d.Messages[:before]
		e.logger.Warn(ctx, "step attempt failed",
			"dialog", d.ID, "step", step.Name, "attempt", attempt+1, "err", herr.Error())
	}
	if herr != nil {
		return e.applyErrorPolicy(ctx, d, m, step, idx, policy, herr)
	}

	d.WorkflowData.CurrentStepIndex = idx + 1
	record := map[string]any{"completed": true}
	for k, v := range res.Data {
		record[k] = v
	}
	d.WorkflowData.SetResult(step.Name, record)
	d.WorkflowData.MergeVariables(res.Outputs)
	d.CurrentState = StateName(idx)

	if err := e.SaveDialog(ctx, d); err != nil {
		return e.persistFailure(d, err)
	}
	e.metrics.IncCounter("engine.steps.executed", 1, "type", string(step.Type))
	e.publishUpdates(ctx, d, before)
	return &TransitionResult{Success: true, State: d.CurrentState, Message: res.Message}
}

// applyErrorPolicy converts a handler failure into the configured outcome.
// The error is recorded once regardless of the chosen action.
func (e *Engine) applyErrorPolicy(ctx context.Context, d *dialog.Dialog, m *Machine, step *dialog.Step, idx int, policy dialog.ErrorPolicy, herr error) *TransitionResult {
	e.metrics.IncCounter("engine.steps.failed", 1, "type", string(step.Type))

	switch policy.Action {
	case dialog.PolicyContinue:
		d.WorkflowData.RecordError(herr.Error())
		d.WorkflowData.CurrentStepIndex = idx + 1
		d.CurrentState = StateName(idx)
		if err := e.SaveDialog(ctx, d); err != nil {
			return e.persistFailure(d, err)
		}
		e.logger.Info(ctx, "step failed, continuing", "dialog", d.ID, "step", step.Name, "err", herr.Error())
		return &TransitionResult{Success: true, State: d.CurrentState, Message: "continued after error", Err: herr}
	case dialog.PolicyFallback:
		fi := m.EnabledIndex(policy.FallbackStep)
		if fi < 0 {
			return e.failStep(ctx, d, step, fmt.Errorf("fallback step %q not enabled: %w", policy.FallbackStep, herr))
		}
		d.WorkflowData.RecordError(herr.Error())
		d.WorkflowData.CurrentStepIndex = fi
		if err := e.SaveDialog(ctx, d); err != nil {
			return e.persistFailure(d, err)
		}
		e.logger.Info(ctx, "step failed, falling back", "dialog", d.ID, "step", step.Name, "fallback", policy.FallbackStep)
		return &TransitionResult{Success: true, State: d.CurrentState, Message: fmt.Sprintf("fell back to %q", policy.FallbackStep), Err: herr}
	default:
		return e.failStep(ctx, d, step, herr)
	}
}

// failStep records the error, marks the dialog failed and persists. State
// and cursor are left where they were so an explicit retry resumes from
// the failed step.
func (e *Engine) failStep(ctx context.Context, d *dialog.Dialog, step *dialog.Step, herr error) *TransitionResult {
	d.WorkflowData.RecordError(herr.Error())
	d.Status = dialog.StatusFailed
	d.Error = herr.Error()
	if err := e.SaveDialog(ctx, d); err != nil {
		e.logger.Error(ctx, "save after step failure", "dialog", d.ID, "err", err.Error())
	}
	if e.bus != nil {
		e.bus.ModelUpdate(ctx, d)
	}
	e.logger.Error(ctx, "step failed", "dialog", d.ID, "step", step.Name, "err", herr.Error())
	return &TransitionResult{State: d.CurrentState, Err: herr, Message: herr.Error()}
}

// persistFailure reports a save failure without touching workflow state;
// the in-memory dialog is discarded on next load.
func (e *Engine) persistFailure(d *dialog.Dialog, err error) *TransitionResult {
	return &TransitionResult{State: d.CurrentState, Err: err, Message: err.Error()}
}

// RunWorkflow advances the dialog until failure, suspension or
// completion, broadcasting dialog updates around each advance. It never
// returns a Go error; the final TransitionResult carries the outcome.
func (e *Engine) RunWorkflow(ctx context.Context, d *dialog.Dialog) *TransitionResult {
	if d.Status == dialog.StatusPending {
		d.Status = dialog.StatusRunning
	}
	for {
		if e.bus != nil {
			e.bus.ModelUpdate(ctx, d)
		}
		res := e.ExecuteNextStep(ctx, d)
		if e.bus != nil {
			e.bus.ModelUpdate(ctx, d)
		}
		if !res.Success || res.WaitingForInput || res.NoMoreSteps {
			return res
		}
	}
}

// ProvideUserInput resumes a suspended dialog. Suspensions on named
// variables (missing_variables non-empty) take a variable map which is
// merged and the missing list cleared; user_input step suspensions store
// the raw input under variables.user_input. The dialog is saved and one
// step executed; callers enqueue a fresh run job to continue further.
func (e *Engine) ProvideUserInput(ctx context.Context, d *dialog.Dialog, input any) (*TransitionResult, error) {
	if d.Status != dialog.StatusWaitingForInput {
		return nil, fmt.Errorf("%w: dialog %s is %s", ErrNotWaiting, d.ID, d.Status)
	}
	if len(d.WorkflowData.MissingVariables) > 0 {
		vars, ok := input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: suspended on %v", ErrInputNotMap, d.WorkflowData.MissingVariables)
		}
		d.WorkflowData.MergeVariables(vars)
		d.WorkflowData.MissingVariables = nil
	} else {
		if d.WorkflowData.Variables == nil {
			d.WorkflowData.Variables = make(map[string]any)
		}
		d.WorkflowData.Variables["user_input"] = input
	}
	d.Status = dialog.StatusRunning
	if err := e.SaveDialog(ctx, d); err != nil {
		return nil, err
	}
	return e.ExecuteNextStep(ctx, d), nil
}

// SaveDialog commits the dialog and its messages in one transaction:
// update the dialog row, then upsert every message with parent linkage
// fixed in order. Saves for the same dialog are serialized in-process.
func (e *Engine) SaveDialog(ctx context.Context, d *dialog.Dialog) error {
	unlock := e.locks.Lock(d.ID)
	defer unlock()

	started := time.Now()
	err := e.store.InTx(ctx, func(conn store.Conn) error {
		status := d.Status
		state := d.CurrentState
		dErr := d.Error
		upd := store.DialogUpdate{
			Status:       &status,
			CurrentState: &state,
			WorkflowData: d.WorkflowData,
			Error:        &dErr,
		}
		if err := e.store.Dialogs().Update(ctx, conn, d.ID, upd); err != nil {
			return err
		}
		for i, msg := range d.Messages {
			if i > 0 {
				msg.ParentID = d.Messages[i-1].ID
			}
			if msg.Status == dialog.MessageStatusCreated {
				msg.Status = dialog.MessageStatusDelivered
			}
			if err := e.store.Messages().Upsert(ctx, conn, msg); err != nil {
				return err
			}
		}
		return nil
	})
	e.metrics.RecordTimer("engine.save", time.Since(started))
	if err != nil {
		return fmt.Errorf("save dialog %s: %w", d.ID, err)
	}
	return nil
}

// publishUpdates broadcasts the messages appended since the given index.
func (e *Engine) publishUpdates(ctx context.Context, d *dialog.Dialog, from int) {
	if e.bus == nil {
		return
	}
	for _, m := range d.Messages[from:] {
		e.bus.ModelUpdate(ctx, m)
	}
}
