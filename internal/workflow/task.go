package workflow

import (
	"fmt"
	"time"

	"github.com/opsdesk/conveyor/model"
)

// Workflow task status constants.
const (
	TaskStatusPending    = "PENDING"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusFailed     = "FAILED"
	TaskStatusSkipped    = "SKIPPED"
)

// WorkflowTask is one unit of work inside a step. TaskID is the definition
// key; ID is the generated identity of this run. Handler is set only for
// automatic tasks; assignments exist only for manual ones.
type WorkflowTask struct {
	ID            string           `json:"id"`
	TaskID        string           `json:"task_id"`
	Name          string           `json:"name"`
	Type          string           `json:"type"`
	Handler       string           `json:"handler,omitempty"`
	Checklist     []string         `json:"checklist,omitempty"`
	Status        string           `json:"status"`
	ResultData    map[string]any   `json:"result_data,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CompletedBy   string           `json:"completed_by,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Assignments   []TaskAssignment `json:"assignments,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// newTask materializes a task from its definition in PENDING state.
func newTask(def model.TaskDefinition) WorkflowTask {
	return WorkflowTask{
		ID:        newID(),
		TaskID:    def.TaskID,
		Name:      def.Name,
		Type:      def.Type,
		Handler:   def.Handler,
		Checklist: def.Checklist,
		Status:    TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// IsAutomatic returns true for handler-executed tasks.
func (t *WorkflowTask) IsAutomatic() bool {
	return t.Type == model.TaskTypeAutomatic
}

// IsTerminal reports whether the task has reached a final status.
func (t *WorkflowTask) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	}
	return false
}

// IsOpen reports whether the task can still be acted on.
func (t *WorkflowTask) IsOpen() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusInProgress
}

// Start transitions the task to IN_PROGRESS.
func (t *WorkflowTask) Start() error {
	if t.Status != TaskStatusPending {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("task %q is %s, cannot start", t.TaskID, t.Status),
		)
	}
	t.Status = TaskStatusInProgress
	return nil
}

// Complete transitions the task to COMPLETED, recording the actor and any
// result data produced by a handler. Human tasks may complete directly from
// PENDING; a separate Start is not required.
func (t *WorkflowTask) Complete(actor string, resultData map[string]any) error {
	if !t.IsOpen() {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("task %q is %s, cannot complete", t.TaskID, t.Status),
		)
	}
	now := time.Now().UTC()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.CompletedBy = actor
	if len(resultData) > 0 {
		t.ResultData = resultData
	}
	return nil
}

// Fail transitions the task to FAILED with the given reason.
func (t *WorkflowTask) Fail(reason string) error {
	if !t.IsOpen() {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("task %q is %s, cannot fail", t.TaskID, t.Status),
		)
	}
	now := time.Now().UTC()
	t.Status = TaskStatusFailed
	t.CompletedAt = &now
	t.FailureReason = reason
	return nil
}

// ActiveAssignment returns the live assignment for the given user, if any.
func (t *WorkflowTask) ActiveAssignment(userID string) *TaskAssignment {
	for i := range t.Assignments {
		if t.Assignments[i].AssignedTo == userID && t.Assignments[i].IsActive() {
			return &t.Assignments[i]
		}
	}
	return nil
}
