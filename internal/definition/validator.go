package definition

import (
	"fmt"

	"github.com/opsdesk/conveyor/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// HandlerSet reports whether a handler name is registered. Wrap a lookup
// function in HandlerSetFunc to adapt registries with richer Resolve
// signatures.
type HandlerSet interface {
	Resolve(name string) (ok bool)
}

// handlerSetFunc adapts a lookup function into a HandlerSet.
type handlerSetFunc func(name string) bool

func (f handlerSetFunc) Resolve(name string) bool { return f(name) }

// HandlerSetFunc adapts a lookup function into a HandlerSet.
func HandlerSetFunc(f func(name string) bool) HandlerSet {
	return handlerSetFunc(f)
}

// Validator checks definitions structurally and referentially before the
// registry accepts them.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. handlers may be nil to skip
// handler-resolution checks.
func (v *Validator) Validate(defs []model.WorkflowDefinition, handlers HandlerSet) []VError {
	var errs []VError
	seen := make(map[string]bool)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.Type != "" && seen[def.Type] {
			errs = append(errs, VError{
				Path:    prefix + ".type",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("workflow type %q defined more than once", def.Type),
			})
		}
		seen[def.Type] = true
		errs = append(errs, v.validateWorkflow(prefix, def, handlers)...)
	}
	return errs
}

var validTaskTypes = map[string]bool{
	model.TaskTypeAutomatic:    true,
	model.TaskTypeVerification: true,
	model.TaskTypeApproval:     true,
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition, handlers HandlerSet) []VError {
	var errs []VError

	if w.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(w.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	stepIDs := make(map[string]bool)
	initialCount := 0
	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)

		if s.StepID == "" {
			errs = append(errs, VError{Path: sp + ".step_id", Code: "REQUIRED", Message: "step_id is required"})
		} else if stepIDs[s.StepID] {
			errs = append(errs, VError{
				Path:    sp + ".step_id",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("step_id %q defined more than once", s.StepID),
			})
		}
		stepIDs[s.StepID] = true

		if s.OrderIndex == 0 {
			initialCount++
		}
		if len(s.Tasks) == 0 {
			errs = append(errs, VError{Path: sp + ".tasks", Code: "REQUIRED", Message: "at least one task is required"})
		}

		for j, t := range s.Tasks {
			tp := fmt.Sprintf("%s.tasks[%d]", sp, j)
			errs = append(errs, v.validateTask(tp, t, handlers)...)
		}
	}

	if len(w.Steps) > 0 && initialCount != 1 {
		errs = append(errs, VError{
			Path:    prefix + ".steps",
			Code:    "INITIAL_STEP",
			Message: fmt.Sprintf("exactly one step must have order_index 0, found %d", initialCount),
		})
	}

	// Transition targets must reference existing steps.
	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if t := s.Transitions.OnSuccess; t != "" && !stepIDs[t] {
			errs = append(errs, VError{
				Path:    sp + ".transitions.on_success",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("step %q not found", t),
			})
		}
		if t := s.Transitions.OnFailure; t != "" && !stepIDs[t] {
			errs = append(errs, VError{
				Path:    sp + ".transitions.on_failure",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("step %q not found", t),
			})
		}
	}

	return errs
}

func (v *Validator) validateTask(prefix string, t model.TaskDefinition, handlers HandlerSet) []VError {
	var errs []VError

	if t.TaskID == "" {
		errs = append(errs, VError{Path: prefix + ".task_id", Code: "REQUIRED", Message: "task_id is required"})
	}
	if t.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "task type is required"})
	} else if !validTaskTypes[t.Type] {
		errs = append(errs, VError{
			Path:    prefix + ".type",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("invalid task type %q", t.Type),
		})
	}

	if t.IsAutomatic() {
		if t.Handler == "" {
			errs = append(errs, VError{
				Path:    prefix + ".handler",
				Code:    "REQUIRED",
				Message: "handler is required for AUTOMATIC tasks",
			})
		} else if handlers != nil && !handlers.Resolve(t.Handler) {
			errs = append(errs, VError{
				Path:    prefix + ".handler",
				Code:    "HANDLER_NOT_REGISTERED",
				Message: fmt.Sprintf("handler %q is not registered", t.Handler),
			})
		}
		if len(t.AssignedToRoles) > 0 {
			errs = append(errs, VError{
				Path:    prefix + ".assigned_to_roles",
				Code:    "NOT_ALLOWED",
				Message: "AUTOMATIC tasks cannot have assignable roles",
			})
		}
	} else if validTaskTypes[t.Type] {
		if t.Handler != "" {
			errs = append(errs, VError{
				Path:    prefix + ".handler",
				Code:    "NOT_ALLOWED",
				Message: "only AUTOMATIC tasks can declare a handler",
			})
		}
		if len(t.AssignedToRoles) == 0 {
			errs = append(errs, VError{
				Path:    prefix + ".assigned_to_roles",
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s tasks require at least one assignable role", t.Type),
			})
		}
	}

	return errs
}
