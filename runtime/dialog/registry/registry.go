// Package registry provides the process-wide lookup for templates, prompts,
// schemas, invokable functions, models and external tool servers. A Builder
// collects registrations during boot; Build freezes them into an immutable
// Registry shared freely across goroutines for the lifetime of the process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/prompt"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

var (
	// ErrTemplateNotFound indicates an unknown template name.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrPromptNotFound indicates an unknown qualified prompt name.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrSchemaNotFound indicates an unknown schema name.
	ErrSchemaNotFound = errors.New("schema not found")
	// ErrInvokableNotFound indicates an unknown callable dotted path.
	ErrInvokableNotFound = errors.New("invokable not found")
	// ErrModelNotFound indicates an unknown model identifier.
	ErrModelNotFound = errors.New("model not found")
	// ErrToolServerNotFound indicates an unknown tool server name.
	ErrToolServerNotFound = errors.New("tool server not found")
)

type (
	// InvokeArgs carries the inputs of an invokable call: the precedence-merged
	// variable map and the dialog for callables that want it.
	InvokeArgs struct {
		// Dialog is the invoking dialog. May be consulted, must not be saved.
		Dialog *dialog.Dialog
		// Variables is the merged variable map (dialog variables overlaid with
		// the step's template_args).
		Variables map[string]any
	}

	// Invokable is a function registered under a dotted path and callable from
	// invoke steps.
	Invokable func(ctx context.Context, args InvokeArgs) (any, error)

	// Schema pairs a compiled JSON schema with its source class identifier.
	Schema struct {
		// Name is the registered schema name.
		Name string
		// SourceClass identifies the schema's origin (e.g. a module path).
		SourceClass string

		compiled *jsonschema.Schema
	}

	// Model describes a configured model endpoint. Opaque to the core;
	// surfaced to handlers on demand.
	Model struct {
		// ID is the model identifier used in templates and messages.
		ID string
		// Provider names the backing completion provider.
		Provider string
		// Extra carries provider-specific settings.
		Extra map[string]any
	}

	// ToolServer describes an external tool server process.
	ToolServer struct {
		// Name is the registered server name.
		Name string
		// Command and Args form the launch command line.
		Command string
		Args    []string
		// Env holds additional environment variables.
		Env map[string]string
	}

	// Builder accumulates registrations during boot. Not safe for concurrent
	// use; Build freezes the contents into an immutable Registry.
	Builder struct {
		logger      telemetry.Logger
		templates   map[string]*dialog.Template
		prompts     map[string]*prompt.Prompt
		schemas     map[string]*Schema
		invokables  map[string]Invokable
		models      map[string]Model
		toolServers map[string]ToolServer
	}

	// Registry is the immutable boot-time view. All lookups fail with a
	// distinct sentinel not-found error.
	Registry struct {
		templates   map[string]*dialog.Template
		prompts     map[string]*prompt.Prompt
		schemas     map[string]*Schema
		invokables  map[string]Invokable
		models      map[string]Model
		toolServers map[string]ToolServer
	}
)

// NewBuilder returns an empty Builder. The logger receives duplicate
// registration warnings; nil suppresses them.
func NewBuilder(logger telemetry.Logger) *Builder {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Builder{
		logger:      logger,
		templates:   make(map[string]*dialog.Template),
		prompts:     make(map[string]*prompt.Prompt),
		schemas:     make(map[string]*Schema),
		invokables:  make(map[string]Invokable),
		models:      make(map[string]Model),
		toolServers: make(map[string]ToolServer),
	}
}

// AddTemplate registers a validated template. Duplicate names keep the first
// registration and log a warning.
func (b *Builder) AddTemplate(ctx context.Context, t *dialog.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, exists := b.templates[t.Name]; exists {
		b.logger.Warn(ctx, "duplicate template registration", "template", t.Name)
		return nil
	}
	b.templates[t.Name] = t
	return nil
}

// AddPrompt registers a prompt under its qualified name (namespace/filename).
func (b *Builder) AddPrompt(ctx context.Context, p *prompt.Prompt) {
	if _, exists := b.prompts[p.Name()]; exists {
		b.logger.Warn(ctx, "duplicate prompt registration", "prompt", p.Name())
		return
	}
	b.prompts[p.Name()] = p
}

// AddSchema compiles and registers a JSON schema document. Compilation
// failures surface immediately so bad schemas are rejected at boot.
func (b *Builder) AddSchema(ctx context.Context, name, sourceClass string, doc string) error {
	if _, exists := b.schemas[name]; exists {
		b.logger.Warn(ctx, "duplicate schema registration", "schema", name)
		return nil
	}
	raw, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("schema %q: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, raw); err != nil {
		return fmt.Errorf("schema %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %q: %w", name, err)
	}
	b.schemas[name] = &Schema{Name: name, SourceClass: sourceClass, compiled: compiled}
	return nil
}

// AddInvokable registers a callable under a dotted path.
func (b *Builder) AddInvokable(ctx context.Context, path string, fn Invokable) {
	if _, exists := b.invokables[path]; exists {
		b.logger.Warn(ctx, "duplicate invokable registration", "callable", path)
		return
	}
	b.invokables[path] = fn
}

// AddModel registers a model endpoint.
func (b *Builder) AddModel(ctx context.Context, m Model) {
	if _, exists := b.models[m.ID]; exists {
		b.logger.Warn(ctx, "duplicate model registration", "model", m.ID)
		return
	}
	b.models[m.ID] = m
}

// AddToolServer registers an external tool server.
func (b *Builder) AddToolServer(ctx context.Context, s ToolServer) {
	if _, exists := b.toolServers[s.Name]; exists {
		b.logger.Warn(ctx, "duplicate tool server registration", "server", s.Name)
		return
	}
	b.toolServers[s.Name] = s
}

// Build freezes the builder contents into an immutable Registry. The builder
// must not be used afterwards.
func (b *Builder) Build() *Registry {
	return &Registry{
		templates:   b.templates,
		prompts:     b.prompts,
		schemas:     b.schemas,
		invokables:  b.invokables,
		models:      b.models,
		toolServers: b.toolServers,
	}
}

// ValidateReferences cross-checks every registered template against the
// other registrations: step prompt references must name a registered
// prompt, and output schema references a registered schema. Call it once
// the full registration set is in place so dangling references are
// rejected at boot instead of failing mid-dialog.
func (r *Registry) ValidateReferences() error {
	for name, t := range r.templates {
		if t.OutputSchema != "" {
			if _, ok := r.schemas[t.OutputSchema]; !ok {
				return fmt.Errorf("template %q output schema: %w: %q", name, ErrSchemaNotFound, t.OutputSchema)
			}
		}
		for _, s := range t.Steps {
			if s.Template != "" {
				if _, ok := r.prompts[s.Template]; !ok {
					return fmt.Errorf("template %q step %q: %w: %q", name, s.Name, ErrPromptNotFound, s.Template)
				}
			}
			if s.OutputSchema != "" {
				if _, ok := r.schemas[s.OutputSchema]; !ok {
					return fmt.Errorf("template %q step %q output schema: %w: %q", name, s.Name, ErrSchemaNotFound, s.OutputSchema)
				}
			}
		}
	}
	return nil
}

// Template returns the named template.
func (r *Registry) Template(name string) (*dialog.Template, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return t, nil
}

// Templates returns all registered template names.
func (r *Registry) Templates() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// Prompt returns the prompt registered under the qualified name.
func (r *Registry) Prompt(name string) (*prompt.Prompt, error) {
	p, ok := r.prompts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPromptNotFound, name)
	}
	return p, nil
}

// Schema returns the named compiled schema.
func (r *Registry) Schema(name string) (*Schema, error) {
	s, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSchemaNotFound, name)
	}
	return s, nil
}

// Invokable resolves a callable by dotted path.
func (r *Registry) Invokable(path string) (Invokable, error) {
	fn, ok := r.invokables[path]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvokableNotFound, path)
	}
	return fn, nil
}

// Model returns the named model endpoint.
func (r *Registry) Model(id string) (Model, error) {
	m, ok := r.models[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrModelNotFound, id)
	}
	return m, nil
}

// ToolServer returns the named tool server.
func (r *Registry) ToolServer(name string) (ToolServer, error) {
	s, ok := r.toolServers[name]
	if !ok {
		return ToolServer{}, fmt.Errorf("%w: %q", ErrToolServerNotFound, name)
	}
	return s, nil
}

// Validate checks a document against the schema.
func (s *Schema) Validate(doc any) error {
	return s.compiled.Validate(doc)
}
