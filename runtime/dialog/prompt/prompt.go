// Package prompt provides named prompt templates for dialog steps. A Prompt
// is parsed once at registration time; its declared arguments are derived by
// scanning the parse tree for free variables so callers can compute which
// bindings a step still needs before rendering.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"text/template/parse"
)

// Prompt is an immutable named template. Construct with New; the zero value
// is not usable.
type Prompt struct {
	name string
	src  string
	tmpl *template.Template
	args []string
}

// New parses the prompt source and derives its declared argument list. The
// name is the qualified prompt name (namespace/filename). Parse errors are
// returned as-is so loaders can wrap them into configuration errors.
func New(name, src string) (*Prompt, error) {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(funcMap()).
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %q: %w", name, err)
	}
	return &Prompt{
		name: name,
		src:  src,
		tmpl: tmpl,
		args: scanArgs(tmpl),
	}, nil
}

// Name returns the qualified prompt name.
func (p *Prompt) Name() string { return p.name }

// Source returns the raw template text.
func (p *Prompt) Source() string { return p.src }

// Args returns the declared argument names in first-appearance order.
// The returned slice is shared; callers must not mutate it.
func (p *Prompt) Args() []string { return p.args }

// Missing returns the declared arguments absent from the given binding map,
// in declaration order.
func (p *Prompt) Missing(vars map[string]any) []string {
	var missing []string
	for _, a := range p.args {
		if _, ok := vars[a]; !ok {
			missing = append(missing, a)
		}
	}
	return missing
}

// Render executes the template with the given arguments. Missing keys are
// errors; use Missing to pre-check.
func (p *Prompt) Render(args map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, args); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", p.name, err)
	}
	return buf.String(), nil
}

// funcMap returns the string helpers available inside prompts.
func funcMap() template.FuncMap {
	return template.FuncMap{
		"upper":   strings.ToUpper,
		"lower":   strings.ToLower,
		"trim":    strings.TrimSpace,
		"join":    strings.Join,
		"replace": strings.ReplaceAll,
		"default": func(def, value any) any {
			if value == nil {
				return def
			}
			if s, ok := value.(string); ok && s == "" {
				return def
			}
			return value
		},
	}
}

// scanArgs walks the parse tree collecting top-level field references
// ({{.name}}, {{if .name}}, ...) in first-appearance order.
func scanArgs(tmpl *template.Template) []string {
	var (
		args []string
		seen = make(map[string]struct{})
	)
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		args = append(args, name)
	}
	for _, t := range tmpl.Templates() {
		if t.Tree != nil && t.Tree.Root != nil {
			scanNode(t.Tree.Root, add)
		}
	}
	return args
}

func scanNode(node parse.Node, add func(string)) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, item := range n.Nodes {
			scanNode(item, add)
		}
	case *parse.ActionNode:
		scanPipe(n.Pipe, add)
	case *parse.IfNode:
		scanBranch(&n.BranchNode, add)
	case *parse.RangeNode:
		scanBranch(&n.BranchNode, add)
	case *parse.WithNode:
		scanBranch(&n.BranchNode, add)
	case *parse.TemplateNode:
		scanPipe(n.Pipe, add)
	}
}

func scanBranch(n *parse.BranchNode, add func(string)) {
	scanPipe(n.Pipe, add)
	if n.List != nil {
		scanNode(n.List, add)
	}
	if n.ElseList != nil {
		scanNode(n.ElseList, add)
	}
}

func scanPipe(pipe *parse.PipeNode, add func(string)) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			switch a := arg.(type) {
			case *parse.FieldNode:
				if len(a.Ident) > 0 {
					add(a.Ident[0])
				}
			case *parse.PipeNode:
				scanPipe(a, add)
			}
		}
	}
}
