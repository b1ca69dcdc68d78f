// Package service is the workflow facade: dialog creation from registered
// templates, run and resume operations, static dependency analysis and the
// background job handlers that drive the engine off the queue.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/broadcast"
	"github.com/parleyhq/parley/runtime/dialog/completion"
	"github.com/parleyhq/parley/runtime/dialog/engine"
	"github.com/parleyhq/parley/runtime/dialog/handler"
	"github.com/parleyhq/parley/runtime/dialog/queue"
	"github.com/parleyhq/parley/runtime/dialog/registry"
	"github.com/parleyhq/parley/runtime/dialog/store"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

type (
	// Options configures a Service.
	Options struct {
		// Store is the persistence backend. Required.
		Store store.Store
		// Registry resolves templates, prompts and callables. Required.
		Registry *registry.Registry
		// Completion produces assistant messages. Required.
		Completion completion.Service
		// Queue carries background jobs. Optional; without it Start runs
		// the workflow inline.
		Queue queue.Queue
		// Bus receives dialog and message updates. Optional.
		Bus *broadcast.Bus
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Service is the workflow facade.
	Service struct {
		store      store.Store
		registry   *registry.Registry
		queue      queue.Queue
		bus        *broadcast.Bus
		logger     telemetry.Logger
		engine     *engine.Engine
		completion completion.Service
	}

	// DependencyReport is the static pre-flight analysis of a template:
	// which variables its steps require, which outputs earlier steps
	// provide, and which requirements nothing provides. Used to present a
	// pre-run form.
	DependencyReport struct {
		RequiredInputs  []string `json:"required_inputs"`
		ProvidedOutputs []string `json:"provided_outputs"`
		MissingInputs   []string `json:"missing_inputs"`
	}
)

// New wires the facade: the completion delta callback persists and
// broadcasts streamed text, the handler set routes step types, and the
// engine drives advances.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("service: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("service: registry is required")
	}
	if opts.Completion == nil {
		return nil, errors.New("service: completion is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}

	s := &Service{
		store:      opts.Store,
		registry:   opts.Registry,
		queue:      opts.Queue,
		bus:        opts.Bus,
		logger:     opts.Logger,
		completion: opts.Completion,
	}
	handlers := handler.NewSet(opts.Registry, opts.Completion, s.onDelta)
	eng, err := engine.New(engine.Options{
		Store:    opts.Store,
		Handlers: handlers,
		Bus:      opts.Bus,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.engine = eng
	return s, nil
}

// Engine exposes the underlying engine for callers that need direct
// advance control.
func (s *Service) Engine() *engine.Engine { return s.engine }

// onDelta persists and broadcasts each incremental extension of a
// streamed assistant message. Best-effort: failures are logged and the
// stream continues; the engine's post-step save commits the final text.
func (s *Service) onDelta(m *dialog.Message) {
	ctx := context.Background()
	if err := s.store.Messages().Upsert(ctx, s.store.Conn(), m); err != nil {
		s.logger.Warn(ctx, "streaming upsert failed", "message", m.ID, "err", err.Error())
	}
	if s.bus != nil {
		s.bus.ModelUpdate(ctx, m)
	}
}

// CreateDialogFromTemplate instantiates a pending dialog from a registered
// template: a fresh id, an embedded template snapshot, initial variables,
// state start. The dialog is persisted before return.
func (s *Service) CreateDialogFromTemplate(ctx context.Context, templateName, description, goal string, initial map[string]any) (*dialog.Dialog, error) {
	t, err := s.registry.Template(templateName)
	if err != nil {
		return nil, err
	}
	d := dialog.New(t.Clone(), description, goal, initial)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Dialogs().Create(ctx, s.store.Conn(), d); err != nil {
		return nil, fmt.Errorf("create dialog: %w", err)
	}
	s.logger.Info(ctx, "dialog created", "dialog", d.ID, "template", templateName)
	return d, nil
}

// GetDialog loads a dialog with its messages.
func (s *Service) GetDialog(ctx context.Context, id string) (*dialog.Dialog, error) {
	return s.store.Dialogs().GetWithMessages(ctx, s.store.Conn(), id)
}

// Start enqueues a run job for the dialog. Without a queue the workflow
// runs inline.
func (s *Service) Start(ctx context.Context, dialogID string) (string, error) {
	if s.queue == nil {
		d, err := s.GetDialog(ctx, dialogID)
		if err != nil {
			return "", err
		}
		s.engine.RunWorkflow(ctx, d)
		return "", nil
	}
	return s.queue.Enqueue(ctx, queue.Job{Name: queue.JobRunWorkflow, DialogID: dialogID})
}

// RunWorkflow loads the dialog and advances it until terminal or
// suspended.
func (s *Service) RunWorkflow(ctx context.Context, dialogID string) (*engine.TransitionResult, error) {
	d, err := s.GetDialog(ctx, dialogID)
	if err != nil {
		return nil, err
	}
	return s.engine.RunWorkflow(ctx, d), nil
}

// ProvideUserInput resumes a suspended dialog with the given input, then
// enqueues a fresh run job to continue to the next suspension.
func (s *Service) ProvideUserInput(ctx context.Context, dialogID string, input any) (*engine.TransitionResult, error) {
	d, err := s.GetDialog(ctx, dialogID)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.ProvideUserInput(ctx, d, input)
	if err != nil {
		return nil, err
	}
	if s.queue != nil && res.Success && !res.WaitingForInput && !res.NoMoreSteps {
		if _, err := s.queue.Enqueue(ctx, queue.Job{Name: queue.JobRunWorkflow, DialogID: dialogID}); err != nil {
			s.logger.Warn(ctx, "enqueue after user input failed", "dialog", dialogID, "err", err.Error())
		}
	}
	return res, nil
}

// RegisterJobs binds the background job handlers on the worker mux.
func (s *Service) RegisterJobs(w *queue.Worker) {
	w.Register(queue.JobRunWorkflow, s.runWorkflowJob)
	w.Register(queue.JobProcessMessage, s.processMessageJob)
}

// runWorkflowJob loads the dialog and runs the engine loop. Handler
// failures are terminal dialog state, not job errors; only load and
// persistence problems fail the job.
func (s *Service) runWorkflowJob(ctx context.Context, job queue.Job) error {
	d, err := s.GetDialog(ctx, job.DialogID)
	if err != nil {
		return err
	}
	res := s.engine.RunWorkflow(ctx, d)
	s.logger.Info(ctx, "run workflow job done",
		"dialog", d.ID, "state", res.State, "success", res.Success, "waiting", res.WaitingForInput)
	return nil
}

// processMessageJob runs the completion service on the dialog's latest
// pending assistant stub, streaming updates through the bus.
func (s *Service) processMessageJob(ctx context.Context, job queue.Job) error {
	d, err := s.GetDialog(ctx, job.DialogID)
	if err != nil {
		return err
	}
	if d.LatestAssistantStub() == nil {
		return fmt.Errorf("dialog %s: %w", d.ID, completion.ErrNoPendingStub)
	}
	msg, err := s.completion.Complete(ctx, d, s.onDelta)
	if err != nil {
		return fmt.Errorf("process message for dialog %s: %w", d.ID, err)
	}
	if err := s.engine.SaveDialog(ctx, d); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.ModelUpdate(ctx, msg)
	}
	return nil
}

// AnalyzeWorkflowDependencies statically walks the template's enabled
// steps in order, collecting each step's required inputs (declared prompt
// arguments not covered by template_args) and provided outputs (result
// for prompt and invoke steps, user_input for user_input steps). Missing
// inputs are requirements no earlier step provides.
func (s *Service) AnalyzeWorkflowDependencies(t *dialog.Template) (*DependencyReport, error) {
	var (
		required []string
		provided []string
		missing  []string
	)
	seenRequired := make(map[string]struct{})
	seenProvided := make(map[string]struct{})
	seenMissing := make(map[string]struct{})

	addRequired := func(name string, satisfied bool) {
		if _, ok := seenRequired[name]; !ok {
			seenRequired[name] = struct{}{}
			required = append(required, name)
		}
		if satisfied {
			return
		}
		if _, ok := seenMissing[name]; !ok {
			seenMissing[name] = struct{}{}
			missing = append(missing, name)
		}
	}
	addProvided := func(name string) {
		if _, ok := seenProvided[name]; !ok {
			seenProvided[name] = struct{}{}
			provided = append(provided, name)
		}
	}

	for _, step := range t.EnabledSteps() {
		switch step.Type {
		case dialog.StepMessage, dialog.StepPrompt:
			if step.Template != "" {
				p, err := s.registry.Prompt(step.Template)
				if err != nil {
					return nil, err
				}
				for _, arg := range p.Args() {
					if _, covered := step.TemplateArgs[arg]; covered {
						continue
					}
					_, satisfied := seenProvided[arg]
					addRequired(arg, satisfied)
				}
			}
			if step.Type == dialog.StepPrompt {
				addProvided("result")
			}
		case dialog.StepUserInput:
			addProvided("user_input")
		case dialog.StepInvoke:
			addProvided("result")
		}
	}
	return &DependencyReport{
		RequiredInputs:  required,
		ProvidedOutputs: provided,
		MissingInputs:   missing,
	}, nil
}
