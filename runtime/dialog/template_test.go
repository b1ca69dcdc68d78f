package dialog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validTemplate() *Template {
	return &Template{
		Name:  "review",
		Model: "claude-3",
		Steps: []*Step{
			{Name: "intro", Type: StepMessage, Role: RoleSystem, Content: "welcome", Enabled: true},
			{Name: "ask", Type: StepPrompt, Template: "review/question", Enabled: true},
			{Name: "wait", Type: StepUserInput, Enabled: true},
			{Name: "record", Type: StepInvoke, Callable: "review.record", Enabled: true},
		},
	}
}

func TestTemplateValidate(t *testing.T) {
	require.NoError(t, validTemplate().Validate())
}

func TestTemplateValidateRequiresName(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Name = ""
	require.Error(t, tmpl.Validate())
}

func TestTemplateValidateRejectsDuplicateStepNames(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Steps[1].Name = "intro"
	err := tmpl.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate step name")
}

func TestStepValidateVariants(t *testing.T) {
	cases := []struct {
		name string
		step *Step
		ok   bool
	}{
		{"message literal", &Step{Name: "s", Type: StepMessage, Role: RoleUser, Content: "hi"}, true},
		{"message template", &Step{Name: "s", Type: StepMessage, Role: RoleSystem, Template: "ns/p"}, true},
		{"message bad role", &Step{Name: "s", Type: StepMessage, Role: Role("npc"), Content: "hi"}, false},
		{"message both content and template", &Step{Name: "s", Type: StepMessage, Role: RoleUser, Content: "hi", Template: "ns/p"}, false},
		{"message neither", &Step{Name: "s", Type: StepMessage, Role: RoleUser}, false},
		{"prompt literal", &Step{Name: "s", Type: StepPrompt, Content: "tell me"}, true},
		{"prompt neither", &Step{Name: "s", Type: StepPrompt}, false},
		{"user input bare", &Step{Name: "s", Type: StepUserInput}, true},
		{"invoke", &Step{Name: "s", Type: StepInvoke, Callable: "pkg.fn"}, true},
		{"invoke without callable", &Step{Name: "s", Type: StepInvoke}, false},
		{"unknown type", &Step{Name: "s", Type: StepType("walk")}, false},
		{"args without template", &Step{Name: "s", Type: StepPrompt, Content: "x", TemplateArgs: map[string]any{"a": 1}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.step.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestStepValidateUnknownTypeSentinel(t *testing.T) {
	err := (&Step{Name: "s", Type: StepType("walk")}).Validate()
	require.ErrorIs(t, err, ErrUnknownStepType)
}

func TestTemplateValidateFallbackReferences(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Steps[1].OnError = &ErrorPolicy{Action: PolicyFallback, FallbackStep: "nowhere"}
	require.Error(t, tmpl.Validate())

	tmpl.Steps[1].OnError.FallbackStep = "record"
	require.NoError(t, tmpl.Validate())

	tmpl.Steps[1].OnError.FallbackStep = ""
	require.Error(t, tmpl.Validate())
}

func TestPolicyFor(t *testing.T) {
	tmpl := validTemplate()
	step := tmpl.Steps[0]

	require.Equal(t, PolicyFail, tmpl.PolicyFor(step).Action)

	tmpl.OnError = &ErrorPolicy{Action: PolicyContinue}
	require.Equal(t, PolicyContinue, tmpl.PolicyFor(step).Action)

	step.OnError = &ErrorPolicy{Action: PolicyRetry, MaxRetries: 2}
	got := tmpl.PolicyFor(step)
	require.Equal(t, PolicyRetry, got.Action)
	require.Equal(t, 2, got.MaxRetries)

	step.OnError = &ErrorPolicy{}
	require.Equal(t, PolicyFail, tmpl.PolicyFor(step).Action)
}

func TestEnabledSteps(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Steps[1].Enabled = false
	steps := tmpl.EnabledSteps()
	require.Len(t, steps, 3)
	require.Equal(t, "intro", steps[0].Name)
	require.Equal(t, "wait", steps[1].Name)
	require.Equal(t, "record", steps[2].Name)
}

func TestStepNamed(t *testing.T) {
	tmpl := validTemplate()
	require.Equal(t, "ask", tmpl.StepNamed("ask").Name)
	require.Nil(t, tmpl.StepNamed("missing"))
}

func TestTemplateClone(t *testing.T) {
	tmpl := validTemplate()
	tmpl.OnError = &ErrorPolicy{Action: PolicyContinue}
	tmpl.Steps[1].TemplateArgs = map[string]any{"tone": "formal"}
	tmpl.Tools = []string{"search"}

	clone := tmpl.Clone()
	require.Equal(t, tmpl.Name, clone.Name)
	require.Len(t, clone.Steps, len(tmpl.Steps))

	clone.Steps[1].TemplateArgs["tone"] = "casual"
	clone.Steps[0].Content = "changed"
	clone.OnError.Action = PolicyFail
	clone.Tools[0] = "other"

	require.Equal(t, "formal", tmpl.Steps[1].TemplateArgs["tone"])
	require.Equal(t, "welcome", tmpl.Steps[0].Content)
	require.Equal(t, PolicyContinue, tmpl.OnError.Action)
	require.Equal(t, "search", tmpl.Tools[0])

	var nilTemplate *Template
	require.Nil(t, nilTemplate.Clone())
}

func TestStepYAMLEnabledDefaultsTrue(t *testing.T) {
	src := `
name: greet
steps:
  - name: hello
    type: message
    role: system
    content: hi
  - name: skipped
    type: message
    role: system
    content: bye
    enabled: false
`
	var tmpl Template
	require.NoError(t, yaml.Unmarshal([]byte(src), &tmpl))
	require.Len(t, tmpl.Steps, 2)
	require.True(t, tmpl.Steps[0].Enabled)
	require.False(t, tmpl.Steps[1].Enabled)
	require.NoError(t, tmpl.Validate())
}

func TestStepYAMLErrorPolicy(t *testing.T) {
	src := `
name: resilient
steps:
  - name: flaky
    type: prompt
    content: try hard
    on_error:
      action: retry
      max_retries: 3
`
	var tmpl Template
	require.NoError(t, yaml.Unmarshal([]byte(src), &tmpl))
	policy := tmpl.PolicyFor(tmpl.Steps[0])
	require.Equal(t, PolicyRetry, policy.Action)
	require.Equal(t, 3, policy.MaxRetries)
}
