// Package config loads the boot configuration and the dialog template,
// prompt and schema files that populate the registry. All validation
// happens at load time; a bad file fails the boot with a
// ConfigurationError naming the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/runtime/dialog"
)

type (
	// ConfigurationError reports a malformed or inconsistent
	// configuration artifact.
	ConfigurationError struct {
		// File is the offending file path, when known.
		File string
		// Detail describes the problem.
		Detail string
		// Err is the underlying cause, when any.
		Err error
	}

	// Config is the application configuration.
	Config struct {
		// SchemaModules lists JSON schema files or directories registered
		// at boot. The entry doubles as the schema source-class
		// identifier.
		SchemaModules []string `yaml:"schema_modules"`
		// TemplatePaths maps prompt namespaces to directories; each file
		// registers a prompt named <alias>/<basename>.
		TemplatePaths map[string]string `yaml:"template_paths"`
		// MCPServers configures external tool servers.
		MCPServers map[string]MCPServer `yaml:"mcp_servers"`
		// DialogTemplatesDir holds the dialog template YAML files.
		DialogTemplatesDir string `yaml:"dialog_templates_dir"`

		// Postgres, Redis and Queue are the operational settings.
		Postgres PostgresConfig `yaml:"postgres"`
		Redis    RedisConfig    `yaml:"redis"`
		Queue    QueueConfig    `yaml:"queue"`
	}

	// MCPServer is an external tool server launch configuration.
	MCPServer struct {
		Command string            `yaml:"command"`
		Args    []string          `yaml:"args"`
		Env     map[string]string `yaml:"env"`
	}

	// PostgresConfig configures the dialog store.
	PostgresConfig struct {
		// DSN is the connection string. Empty selects the in-memory store.
		DSN string `yaml:"dsn"`
	}

	// RedisConfig configures the broadcast relay and job queue.
	RedisConfig struct {
		// URL is a redis:// connection URL. Empty disables cross-process
		// features.
		URL string `yaml:"url"`
	}

	// QueueConfig configures the job queue node.
	QueueConfig struct {
		// PoolName defaults to parley-jobs.
		PoolName string `yaml:"pool_name"`
		// Workers is the in-memory dispatcher count when Redis is absent.
		Workers int `yaml:"workers"`
		// JobTimeout bounds a single job. Defaults to 5m.
		JobTimeout time.Duration `yaml:"job_timeout"`
	}

	// templateFile is the on-disk dialog template document.
	templateFile struct {
		DialogTemplates map[string]*dialog.Template `yaml:"dialog_templates"`
	}
)

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	msg := "configuration"
	if e.File != "" {
		msg += " " + e.File
	}
	msg += ": " + e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *ConfigurationError) Unwrap() error { return e.Err }

// Load reads and validates the application configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{File: path, Detail: "read", Err: err}
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigurationError{File: path, Detail: "parse", Err: err}
	}
	for alias, dir := range cfg.TemplatePaths {
		if alias == "" || dir == "" {
			return nil, &ConfigurationError{File: path, Detail: "template_paths entries need alias and directory"}
		}
	}
	for name, srv := range cfg.MCPServers {
		if srv.Command == "" {
			return nil, &ConfigurationError{File: path, Detail: fmt.Sprintf("mcp_servers.%s: command required", name)}
		}
	}
	return &cfg, nil
}

// LoadTemplateFile parses one dialog template file. Map keys name the
// templates; every template is validated.
func LoadTemplateFile(path string) ([]*dialog.Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{File: path, Detail: "read", Err: err}
	}
	var doc templateFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &ConfigurationError{File: path, Detail: "parse", Err: err}
	}
	if len(doc.DialogTemplates) == 0 {
		return nil, &ConfigurationError{File: path, Detail: "no dialog_templates defined"}
	}
	templates := make([]*dialog.Template, 0, len(doc.DialogTemplates))
	for name, t := range doc.DialogTemplates {
		if t == nil {
			return nil, &ConfigurationError{File: path, Detail: fmt.Sprintf("template %q is empty", name)}
		}
		if t.Name == "" {
			t.Name = name
		}
		if err := t.Validate(); err != nil {
			return nil, &ConfigurationError{File: path, Detail: fmt.Sprintf("template %q", name), Err: err}
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// LoadTemplatesDir parses every .yaml/.yml file in the directory.
func LoadTemplatesDir(dir string) ([]*dialog.Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ConfigurationError{File: dir, Detail: "read dir", Err: err}
	}
	var templates []*dialog.Template
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		loaded, err := LoadTemplateFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		templates = append(templates, loaded...)
	}
	return templates, nil
}

// PromptSources lists the prompt files under a namespace directory. The
// returned map keys are qualified prompt names (<alias>/<basename> without
// extension), values the raw template text.
func PromptSources(alias, dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ConfigurationError{File: dir, Detail: "read dir", Err: err}
	}
	out := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, &ConfigurationError{File: entry.Name(), Detail: "read", Err: err}
		}
		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		out[alias+"/"+base] = string(raw)
	}
	return out, nil
}

// SchemaSources resolves a schema_modules entry into named schema
// documents: file name without extension maps to the raw JSON.
func SchemaSources(entry string) (map[string]string, error) {
	info, err := os.Stat(entry)
	if err != nil {
		return nil, &ConfigurationError{File: entry, Detail: "stat", Err: err}
	}
	files := []string{entry}
	if info.IsDir() {
		entries, err := os.ReadDir(entry)
		if err != nil {
			return nil, &ConfigurationError{File: entry, Detail: "read dir", Err: err}
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
				files = append(files, filepath.Join(entry, e.Name()))
			}
		}
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, &ConfigurationError{File: f, Detail: "read", Err: err}
		}
		name := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		out[name] = string(raw)
	}
	return out, nil
}
