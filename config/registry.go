package config

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/runtime/dialog/prompt"
	"github.com/parleyhq/parley/runtime/dialog/registry"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

// BuildRegistry loads templates, prompts, schemas and tool servers from
// the configuration, freezes them into a registry and rejects dangling
// template references. Callers that register invokables or models
// programmatically use NewRegistryBuilder instead and validate after
// freezing.
func BuildRegistry(ctx context.Context, cfg *Config, logger telemetry.Logger) (*registry.Registry, error) {
	b, err := NewRegistryBuilder(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	reg := b.Build()
	if err := reg.ValidateReferences(); err != nil {
		return nil, &ConfigurationError{File: cfg.DialogTemplatesDir, Detail: "template references", Err: err}
	}
	return reg, nil
}

// NewRegistryBuilder populates a registry builder from the configuration
// and returns it open, so callers can add invokables and models before
// freezing.
func NewRegistryBuilder(ctx context.Context, cfg *Config, logger telemetry.Logger) (*registry.Builder, error) {
	b := registry.NewBuilder(logger)

	if cfg.DialogTemplatesDir != "" {
		templates, err := LoadTemplatesDir(cfg.DialogTemplatesDir)
		if err != nil {
			return nil, err
		}
		for _, t := range templates {
			if err := b.AddTemplate(ctx, t); err != nil {
				return nil, &ConfigurationError{File: cfg.DialogTemplatesDir, Detail: fmt.Sprintf("template %q", t.Name), Err: err}
			}
		}
	}

	for alias, dir := range cfg.TemplatePaths {
		sources, err := PromptSources(alias, dir)
		if err != nil {
			return nil, err
		}
		for name, src := range sources {
			p, err := prompt.New(name, src)
			if err != nil {
				return nil, &ConfigurationError{File: dir, Detail: fmt.Sprintf("prompt %q", name), Err: err}
			}
			b.AddPrompt(ctx, p)
		}
	}

	for _, entry := range cfg.SchemaModules {
		docs, err := SchemaSources(entry)
		if err != nil {
			return nil, err
		}
		for name, doc := range docs {
			if err := b.AddSchema(ctx, name, entry, doc); err != nil {
				return nil, &ConfigurationError{File: entry, Detail: fmt.Sprintf("schema %q", name), Err: err}
			}
		}
	}

	for name, srv := range cfg.MCPServers {
		b.AddToolServer(ctx, registry.ToolServer{
			Name:    name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
		})
	}
	return b, nil
}
