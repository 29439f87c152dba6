package handler

import (
	"context"
	"fmt"

	"github.com/opsdesk/conveyor/model"
)

// ValidateRequiredFields checks that the request payload contains every
// field named in the task's checklist. It is the generic precondition
// handler used as the first automatic task of most intake workflows.
type ValidateRequiredFields struct{}

// Name returns "validate_required_fields".
func (ValidateRequiredFields) Name() string { return "validate_required_fields" }

// Handle fails the task when any checklist field is absent or empty.
func (ValidateRequiredFields) Handle(
	_ context.Context,
	task Task,
	requestData map[string]any,
	_ model.WorkflowDefinition,
) (map[string]any, error) {
	var missing []string
	for _, field := range task.Checklist {
		v, ok := requestData[field]
		if !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required fields missing: %v", missing)
	}
	return map[string]any{"validated_fields": len(task.Checklist)}, nil
}
