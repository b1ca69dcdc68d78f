package engine

import (
	"fmt"

	"github.com/parleyhq/parley/runtime/dialog"
)

// StateName returns the state label for an enabled-step index.
func StateName(i int) string {
	return fmt.Sprintf("step_%d", i)
}

// TriggerName returns the transition trigger for an enabled-step index.
func TriggerName(i int) string {
	return fmt.Sprintf("run_step_%d", i)
}

// Machine is the per-dialog state layout derived from the template's
// enabled steps: start, step_0..step_{N-1}, end. It is rebuilt on every
// dialog load; the dialog's current_state mirrors the machine label after
// each change.
type Machine struct {
	steps []*dialog.Step
}

// NewMachine derives the state layout from the template.
func NewMachine(t *dialog.Template) *Machine {
	return &Machine{steps: t.EnabledSteps()}
}

// States returns the ordered state labels.
func (m *Machine) States() []string {
	states := make([]string, 0, len(m.steps)+2)
	states = append(states, dialog.StateStart)
	for i := range m.steps {
		states = append(states, StateName(i))
	}
	return append(states, dialog.StateEnd)
}

// StepAt returns the enabled step at the index, or nil when past the end.
func (m *Machine) StepAt(i int) *dialog.Step {
	if i < 0 || i >= len(m.steps) {
		return nil
	}
	return m.steps[i]
}

// HasTrigger reports whether run_step_<i> exists in this machine.
func (m *Machine) HasTrigger(i int) bool {
	return i >= 0 && i < len(m.steps)
}

// EnabledIndex returns the enabled-step index of the named step, or -1.
func (m *Machine) EnabledIndex(name string) int {
	for i, s := range m.steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Len returns the number of enabled steps.
func (m *Machine) Len() int { return len(m.steps) }
