package definition

import (
	"testing"

	"github.com/opsdesk/conveyor/model"
)

func validDef() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Type: "donations.pledge-approval",
		Name: "Pledge Approval",
		Steps: []model.StepDefinition{
			{
				StepID:     "validate",
				OrderIndex: 0,
				Name:       "Validate",
				Tasks: []model.TaskDefinition{
					{TaskID: "validate-fields", Name: "Validate", Type: model.TaskTypeAutomatic, Handler: "validate_required_fields"},
				},
				Transitions: model.TransitionTargets{OnSuccess: "review"},
			},
			{
				StepID:     "review",
				OrderIndex: 1,
				Name:       "Review",
				Tasks: []model.TaskDefinition{
					{TaskID: "approve", Name: "Approve", Type: model.TaskTypeApproval, AssignedToRoles: []string{"finance-officer"}},
				},
			},
		},
	}
}

func registeredHandlers(names ...string) HandlerSet {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return HandlerSetFunc(func(name string) bool { return set[name] })
}

func hasError(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid_definition(t *testing.T) {
	v := NewValidator()
	errs := v.Validate([]model.WorkflowDefinition{validDef()}, registeredHandlers("validate_required_fields"))
	if len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_missing_type_and_name(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Type = ""
	def.Name = ""

	errs := v.Validate([]model.WorkflowDefinition{def}, nil)
	if !hasError(errs, "REQUIRED") {
		t.Errorf("Validate() = %v, want REQUIRED errors", errs)
	}
}

func TestValidator_duplicate_workflow_type(t *testing.T) {
	v := NewValidator()
	errs := v.Validate([]model.WorkflowDefinition{validDef(), validDef()}, registeredHandlers("validate_required_fields"))
	if !hasError(errs, "DUPLICATE") {
		t.Errorf("Validate() = %v, want DUPLICATE error", errs)
	}
}

func TestValidator_duplicate_step_id(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Steps[1].StepID = "validate"

	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields"))
	if !hasError(errs, "DUPLICATE") {
		t.Errorf("Validate() = %v, want DUPLICATE error", errs)
	}
}

func TestValidator_transition_target_must_exist(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Steps[0].Transitions.OnSuccess = "nonexistent"
	def.Steps[1].Transitions.OnFailure = "also-missing"

	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields"))
	count := 0
	for _, e := range errs {
		if e.Code == "REF_NOT_FOUND" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("Validate() = %v, want 2 REF_NOT_FOUND errors", errs)
	}
}

func TestValidator_exactly_one_initial_step(t *testing.T) {
	v := NewValidator()

	def := validDef()
	def.Steps[1].OrderIndex = 0
	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields"))
	if !hasError(errs, "INITIAL_STEP") {
		t.Errorf("two order_index 0 steps: Validate() = %v, want INITIAL_STEP error", errs)
	}

	def = validDef()
	def.Steps[0].OrderIndex = 5
	errs = v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields"))
	if !hasError(errs, "INITIAL_STEP") {
		t.Errorf("no order_index 0 step: Validate() = %v, want INITIAL_STEP error", errs)
	}
}

func TestValidator_automatic_task_requires_handler(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Steps[0].Tasks[0].Handler = ""

	errs := v.Validate([]model.WorkflowDefinition{def}, nil)
	if !hasError(errs, "REQUIRED") {
		t.Errorf("Validate() = %v, want REQUIRED error for missing handler", errs)
	}
}

func TestValidator_automatic_task_handler_must_be_registered(t *testing.T) {
	v := NewValidator()
	def := validDef()

	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers())
	if !hasError(errs, "HANDLER_NOT_REGISTERED") {
		t.Errorf("Validate() = %v, want HANDLER_NOT_REGISTERED error", errs)
	}

	// A nil handler set skips the check.
	errs = v.Validate([]model.WorkflowDefinition{def}, nil)
	if hasError(errs, "HANDLER_NOT_REGISTERED") {
		t.Errorf("Validate() with nil handlers = %v, want no handler check", errs)
	}
}

func TestValidator_manual_task_requires_roles(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Steps[1].Tasks[0].AssignedToRoles = nil

	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields"))
	if !hasError(errs, "REQUIRED") {
		t.Errorf("Validate() = %v, want REQUIRED error for missing roles", errs)
	}
}

func TestValidator_automatic_task_cannot_have_roles(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Steps[0].Tasks[0].AssignedToRoles = []string{"finance-officer"}

	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields"))
	if !hasError(errs, "NOT_ALLOWED") {
		t.Errorf("Validate() = %v, want NOT_ALLOWED error", errs)
	}
}

func TestValidator_manual_task_cannot_have_handler(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Steps[1].Tasks[0].Handler = "record_pledge"

	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields", "record_pledge"))
	if !hasError(errs, "NOT_ALLOWED") {
		t.Errorf("Validate() = %v, want NOT_ALLOWED error", errs)
	}
}

func TestValidator_invalid_task_type(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Steps[1].Tasks[0].Type = "MANUAL"

	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields"))
	if !hasError(errs, "INVALID_ENUM") {
		t.Errorf("Validate() = %v, want INVALID_ENUM error", errs)
	}
}

func TestValidator_step_requires_tasks(t *testing.T) {
	v := NewValidator()
	def := validDef()
	def.Steps[1].Tasks = nil

	errs := v.Validate([]model.WorkflowDefinition{def}, registeredHandlers("validate_required_fields"))
	if !hasError(errs, "REQUIRED") {
		t.Errorf("Validate() = %v, want REQUIRED error for empty step", errs)
	}
}
