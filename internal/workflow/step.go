package workflow

import (
	"fmt"
	"time"

	"github.com/opsdesk/conveyor/model"
)

// Workflow step status constants.
const (
	StepStatusPending    = "PENDING"
	StepStatusInProgress = "IN_PROGRESS"
	StepStatusCompleted  = "COMPLETED"
	StepStatusFailed     = "FAILED"
	StepStatusSkipped    = "SKIPPED"
)

// WorkflowStep is an ordered phase of an instance. StepID is the definition
// key; ID is the generated identity of this run — a definition step that
// executes twice produces two step rows sharing a StepID. Steps are created
// as empty shells at instance creation; tasks are materialized only when the
// step becomes current.
type WorkflowStep struct {
	ID              string         `json:"id"`
	StepID          string         `json:"step_id"`
	OrderIndex      int            `json:"order_index"`
	Name            string         `json:"name"`
	Status          string         `json:"status"`
	OnSuccessStepID string         `json:"on_success_step_id,omitempty"`
	OnFailureStepID string         `json:"on_failure_step_id,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Tasks           []WorkflowTask `json:"tasks,omitempty"`
}

// newStepShell creates a PENDING step shell from its definition, without
// materializing tasks.
func newStepShell(def model.StepDefinition) WorkflowStep {
	return WorkflowStep{
		ID:              newID(),
		StepID:          def.StepID,
		OrderIndex:      def.OrderIndex,
		Name:            def.Name,
		Status:          StepStatusPending,
		OnSuccessStepID: def.Transitions.OnSuccess,
		OnFailureStepID: def.Transitions.OnFailure,
	}
}

// IsTerminal reports whether the step has reached a final status.
func (s *WorkflowStep) IsTerminal() bool {
	switch s.Status {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Start transitions the step to IN_PROGRESS. A step already in progress
// cannot be started again; the engine surfaces this rather than no-opping.
func (s *WorkflowStep) Start() error {
	if s.Status != StepStatusPending {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is %s, cannot start", s.StepID, s.Status),
		)
	}
	now := time.Now().UTC()
	s.Status = StepStatusInProgress
	s.StartedAt = &now
	return nil
}

// Complete transitions the step to COMPLETED.
func (s *WorkflowStep) Complete() error {
	if s.Status != StepStatusInProgress {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is %s, cannot complete", s.StepID, s.Status),
		)
	}
	now := time.Now().UTC()
	s.Status = StepStatusCompleted
	s.CompletedAt = &now
	return nil
}

// Fail transitions the step to FAILED with the given reason.
func (s *WorkflowStep) Fail(reason string) error {
	if s.Status != StepStatusInProgress {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is %s, cannot fail", s.StepID, s.Status),
		)
	}
	now := time.Now().UTC()
	s.Status = StepStatusFailed
	s.CompletedAt = &now
	s.FailureReason = reason
	return nil
}

// skip marks a shell that will never run because the instance reached a
// terminal status on another path.
func (s *WorkflowStep) skip() {
	if s.Status != StepStatusPending {
		return
	}
	s.Status = StepStatusSkipped
}

// taskByID returns the task with the given generated identity.
func (s *WorkflowStep) taskByID(taskID string) *WorkflowTask {
	for i := range s.Tasks {
		if s.Tasks[i].ID == taskID || s.Tasks[i].TaskID == taskID {
			return &s.Tasks[i]
		}
	}
	return nil
}

// decide inspects the step's tasks and reports whether the step is decided.
// A step is decided once every task it owns is terminal: all COMPLETED means
// success, any FAILED means failure with the first failed task's reason. A
// step with zero tasks is vacuously decided as success.
func (s *WorkflowStep) decide() (decided bool, failed bool, reason string) {
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if !t.IsTerminal() {
			return false, false, ""
		}
		if t.Status == TaskStatusFailed && !failed {
			failed = true
			reason = fmt.Sprintf("task %q failed: %s", t.TaskID, t.FailureReason)
		}
	}
	return true, failed, reason
}
