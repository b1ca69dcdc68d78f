package dialog

import (
	"errors"
	"fmt"
)

// StepType discriminates the step variants.
type StepType string

const (
	// StepMessage appends a literal or rendered message without a model call.
	StepMessage StepType = "message"
	// StepPrompt renders a prompt and requests a model completion.
	StepPrompt StepType = "prompt"
	// StepUserInput suspends the dialog until a human supplies input.
	StepUserInput StepType = "user_input"
	// StepInvoke calls a registered function with the current variables.
	StepInvoke StepType = "invoke"
)

// PolicyAction selects how a step failure is handled.
type PolicyAction string

const (
	// PolicyFail marks the dialog failed. This is the default.
	PolicyFail PolicyAction = "fail"
	// PolicyRetry re-runs the step up to MaxRetries times before failing.
	PolicyRetry PolicyAction = "retry"
	// PolicyContinue records the error and advances to the next step.
	PolicyContinue PolicyAction = "continue"
	// PolicyFallback jumps to the named fallback step.
	PolicyFallback PolicyAction = "fallback"
)

var (
	// ErrUnknownStepType indicates a step with an unrecognized type tag.
	ErrUnknownStepType = errors.New("unknown step type")
)

type (
	// Template is the declarative, immutable recipe for a dialog: an ordered
	// list of steps plus defaults. Templates are loaded from configuration at
	// boot and never mutated at runtime; dialogs embed a snapshot.
	Template struct {
		// Name uniquely identifies the template.
		Name string `json:"name" yaml:"name"`
		// Model is the default model identifier for prompt steps.
		Model string `json:"model,omitempty" yaml:"model"`
		// Description and Goal are optional operator-facing text.
		Description string `json:"description,omitempty" yaml:"description"`
		Goal        string `json:"goal,omitempty" yaml:"goal"`
		// Steps is the ordered step list.
		Steps []*Step `json:"steps" yaml:"steps"`
		// OnError is the default error-handling policy for all steps.
		OnError *ErrorPolicy `json:"on_error,omitempty" yaml:"on_error"`
		// OutputSchema optionally names the schema of the dialog's final output.
		OutputSchema string `json:"output_schema,omitempty" yaml:"output_schema"`
		// Tools, Resources and Roots name default external identifiers made
		// available to handlers on demand.
		Tools     []string `json:"tools,omitempty" yaml:"tools"`
		Resources []string `json:"resources,omitempty" yaml:"resources"`
		Roots     []string `json:"roots,omitempty" yaml:"roots"`
	}

	// Step is one unit of work in a template. It is a tagged union
	// discriminated on Type; variant-specific fields are documented per type
	// and validated by Validate.
	Step struct {
		// Name is unique within the template.
		Name string `json:"name" yaml:"name"`
		// Type selects the variant.
		Type StepType `json:"type" yaml:"type"`
		// Enabled gates participation in the state machine. Defaults to true.
		Enabled bool `json:"enabled" yaml:"enabled"`
		// OnError overrides the template's error-handling policy.
		OnError *ErrorPolicy `json:"on_error,omitempty" yaml:"on_error"`

		// Role is the message author for message steps.
		Role Role `json:"role,omitempty" yaml:"role"`
		// Content is literal text; exactly one of Content or Template must be
		// set on message and prompt steps.
		Content string `json:"content,omitempty" yaml:"content"`
		// Template names a registered prompt to render.
		Template string `json:"template,omitempty" yaml:"template"`
		// TemplateArgs overlays the dialog variables when rendering; only
		// valid together with Template.
		TemplateArgs map[string]any `json:"template_args,omitempty" yaml:"template_args"`

		// OutputSchema names the expected result schema (prompt, user_input
		// and invoke steps).
		OutputSchema string `json:"output_schema,omitempty" yaml:"output_schema"`
		// Model overrides the template default for prompt steps.
		Model string `json:"model,omitempty" yaml:"model"`
		// ConfigExtra carries provider-specific completion settings.
		ConfigExtra map[string]any `json:"config_extra,omitempty" yaml:"config_extra"`

		// Instructions and Prompt describe what to ask the user on
		// user_input steps.
		Instructions string `json:"instructions,omitempty" yaml:"instructions"`
		// Prompt is the short text presented to the user.
		Prompt string `json:"prompt,omitempty" yaml:"prompt"`

		// Callable is the fully-qualified dotted name of the function invoked
		// by invoke steps.
		Callable string `json:"callable,omitempty" yaml:"callable"`
	}

	// ErrorPolicy configures step failure handling.
	ErrorPolicy struct {
		// Action selects the behavior; defaults to fail.
		Action PolicyAction `json:"action" yaml:"action"`
		// MaxRetries bounds re-runs when Action is retry.
		MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries"`
		// FallbackStep names the step to jump to when Action is fallback.
		FallbackStep string `json:"fallback_step,omitempty" yaml:"fallback_step"`
	}
)

// UnmarshalYAML decodes a step, defaulting Enabled to true when absent.
func (s *Step) UnmarshalYAML(unmarshal func(any) error) error {
	type rawStep Step
	raw := rawStep{Enabled: true}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*s = Step(raw)
	return nil
}

// EnabledSteps returns the enabled steps in declaration order. Step indexes
// used by the engine refer to positions in this slice.
func (t *Template) EnabledSteps() []*Step {
	steps := make([]*Step, 0, len(t.Steps))
	for _, s := range t.Steps {
		if s.Enabled {
			steps = append(steps, s)
		}
	}
	return steps
}

// StepNamed returns the step with the given name, or nil.
func (t *Template) StepNamed(name string) *Step {
	for _, s := range t.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// PolicyFor resolves the effective error policy for a step: the step
// override when present, the template default otherwise, PolicyFail when
// neither is configured.
func (t *Template) PolicyFor(s *Step) ErrorPolicy {
	p := s.OnError
	if p == nil {
		p = t.OnError
	}
	if p == nil {
		return ErrorPolicy{Action: PolicyFail}
	}
	out := *p
	if out.Action == "" {
		out.Action = PolicyFail
	}
	return out
}

// Validate checks template invariants: non-empty name, unique step names,
// per-step variant constraints and fallback references resolving to steps in
// the same template.
func (t *Template) Validate() error {
	if t.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	seen := make(map[string]struct{}, len(t.Steps))
	for _, s := range t.Steps {
		if s.Name == "" {
			return &ValidationError{Field: "steps", Reason: "step name required"}
		}
		if _, dup := seen[s.Name]; dup {
			return &ValidationError{Field: "steps", Reason: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = struct{}{}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	for _, s := range t.Steps {
		policy := t.PolicyFor(s)
		if policy.Action == PolicyFallback {
			if policy.FallbackStep == "" {
				return &ValidationError{Field: "on_error", Reason: fmt.Sprintf("step %q: fallback policy requires fallback_step", s.Name)}
			}
			if t.StepNamed(policy.FallbackStep) == nil {
				return &ValidationError{Field: "on_error", Reason: fmt.Sprintf("step %q: fallback_step %q not in template", s.Name, policy.FallbackStep)}
			}
		}
	}
	return nil
}

// Validate checks variant-specific step constraints.
func (s *Step) Validate() error {
	switch s.Type {
	case StepMessage:
		switch s.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return &ValidationError{Field: "role", Reason: fmt.Sprintf("step %q: unknown role %q", s.Name, s.Role)}
		}
		if err := s.validateContentXorTemplate(); err != nil {
			return err
		}
	case StepPrompt:
		if err := s.validateContentXorTemplate(); err != nil {
			return err
		}
	case StepUserInput:
		// Instructions, prompt and template are all optional.
	case StepInvoke:
		if s.Callable == "" {
			return &ValidationError{Field: "callable", Reason: fmt.Sprintf("step %q: required", s.Name)}
		}
	default:
		return fmt.Errorf("%w: step %q has type %q", ErrUnknownStepType, s.Name, s.Type)
	}
	if len(s.TemplateArgs) > 0 && s.Template == "" {
		return &ValidationError{Field: "template_args", Reason: fmt.Sprintf("step %q: template_args require template", s.Name)}
	}
	return nil
}

func (s *Step) validateContentXorTemplate() error {
	if (s.Content == "") == (s.Template == "") {
		return &ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("step %q: exactly one of content or template must be set", s.Name),
		}
	}
	return nil
}

// Clone returns a deep copy of the template suitable for embedding in a
// dialog. Registered templates are shared; dialogs must not alias them.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	out.Steps = make([]*Step, len(t.Steps))
	for i, s := range t.Steps {
		cs := *s
		cs.TemplateArgs = copyMap(s.TemplateArgs)
		cs.ConfigExtra = copyMap(s.ConfigExtra)
		if s.OnError != nil {
			p := *s.OnError
			cs.OnError = &p
		}
		out.Steps[i] = &cs
	}
	if t.OnError != nil {
		p := *t.OnError
		out.OnError = &p
	}
	out.Tools = append([]string(nil), t.Tools...)
	out.Resources = append([]string(nil), t.Resources...)
	out.Roots = append([]string(nil), t.Roots...)
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
