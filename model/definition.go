package model

// Task type constants. Automatic tasks are executed by a registered handler;
// verification and approval tasks wait on human assignees.
const (
	TaskTypeAutomatic    = "AUTOMATIC"
	TaskTypeVerification = "VERIFICATION"
	TaskTypeApproval     = "APPROVAL"
)

// WorkflowDefinition is the immutable description of a workflow type: its
// ordered steps, the tasks inside each step, and the success/failure
// transition targets between steps. Definitions are loaded once per type and
// never mutated by running instances.
type WorkflowDefinition struct {
	Type        string           `yaml:"type"        json:"type"`
	Name        string           `yaml:"name"        json:"name"`
	Description string           `yaml:"description" json:"description,omitempty"`
	Steps       []StepDefinition `yaml:"steps"       json:"steps"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// StepDefinition describes one ordered phase of a workflow.
type StepDefinition struct {
	StepID      string           `yaml:"step_id"     json:"step_id"`
	OrderIndex  int              `yaml:"order_index" json:"order_index"`
	Name        string           `yaml:"name"        json:"name"`
	Tasks       []TaskDefinition `yaml:"tasks"       json:"tasks"`
	Transitions TransitionTargets `yaml:"transitions" json:"transitions"`
}

// TransitionTargets names the definition step keys to move to after this
// step is decided. An empty target means no further step on that path.
type TransitionTargets struct {
	OnSuccess string `yaml:"on_success" json:"on_success,omitempty"`
	OnFailure string `yaml:"on_failure" json:"on_failure,omitempty"`
}

// TaskDefinition describes one unit of work inside a step.
type TaskDefinition struct {
	TaskID          string   `yaml:"task_id"           json:"task_id"`
	Name            string   `yaml:"name"              json:"name"`
	Type            string   `yaml:"type"              json:"type"`
	Handler         string   `yaml:"handler"           json:"handler,omitempty"`
	AssignedToRoles []string `yaml:"assigned_to_roles" json:"assigned_to_roles,omitempty"`
	Checklist       []string `yaml:"checklist"         json:"checklist,omitempty"`
}

// IsAutomatic returns true for handler-executed tasks.
func (t TaskDefinition) IsAutomatic() bool {
	return t.Type == TaskTypeAutomatic
}

// FindStep returns the step definition with the given definition key.
func (d WorkflowDefinition) FindStep(stepID string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// InitialStep returns the step with order index 0.
func (d WorkflowDefinition) InitialStep() (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.OrderIndex == 0 {
			return s, true
		}
	}
	return StepDefinition{}, false
}
