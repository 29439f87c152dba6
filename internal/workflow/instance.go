// Package workflow implements the durable, definition-driven workflow
// engine: the WorkflowInstance aggregate and its state machine, task
// materialization, the instance store, and the application service that
// ties them to persistence and the continuation queue.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsdesk/conveyor/model"
)

// Workflow instance status constants.
const (
	WorkflowStatusPending    = "PENDING"
	WorkflowStatusInProgress = "IN_PROGRESS"
	WorkflowStatusCompleted  = "COMPLETED"
	WorkflowStatusFailed     = "FAILED"
	WorkflowStatusCancelled  = "CANCELLED"
)

// WorkflowInstance is the aggregate root: one running execution of a
// workflow definition. It owns its steps (and through them tasks and
// assignments) and is the only component allowed to mutate them. All
// transitions raise buffered domain events that the caller flushes after a
// successful persist.
//
// Invariant: CurrentStepID is non-empty exactly while Status is IN_PROGRESS.
type WorkflowInstance struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	CurrentStepID string        `json:"current_step_id,omitempty"`
	RequestData  map[string]any `json:"request_data,omitempty"`
	InitiatedBy  string         `json:"initiated_by"`
	InitiatedFor string         `json:"initiated_for,omitempty"`
	Remarks      string         `json:"remarks,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Version      int            `json:"version"`
	Steps        []WorkflowStep `json:"steps,omitempty"`

	events []Event
}

// newID generates an identity for child entities.
func newID() string {
	return uuid.New().String()
}

// newInstanceCode generates the human-readable instance identity,
// e.g. "WF-9F3KQ2B7DA".
func newInstanceCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return "WF-" + raw[:10]
}

// NewInstance builds a PENDING instance from a definition: one step shell
// per definition step, in definition order, none started. requestedFor may
// differ from requestedBy for delegated workflows; when empty it defaults
// to the initiator. Execution does not begin until Start is called.
func NewInstance(
	def model.WorkflowDefinition,
	requestedBy string,
	data map[string]any,
	requestedFor string,
) (*WorkflowInstance, error) {
	if len(def.Steps) == 0 {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "steps", Code: "REQUIRED", Message: "workflow definition has no steps"},
		})
	}
	if requestedFor == "" {
		requestedFor = requestedBy
	}

	now := time.Now().UTC()
	inst := &WorkflowInstance{
		ID:           newInstanceCode(),
		Type:         def.Type,
		Status:       WorkflowStatusPending,
		RequestData:  data,
		InitiatedBy:  requestedBy,
		InitiatedFor: requestedFor,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}

	for _, stepDef := range def.Steps {
		inst.Steps = append(inst.Steps, newStepShell(stepDef))
	}

	inst.record(WorkflowCreated{InstanceID: inst.ID, Type: inst.Type})
	return inst, nil
}

// IsTerminal reports whether the instance has reached a final status.
func (w *WorkflowInstance) IsTerminal() bool {
	switch w.Status {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// CurrentStep returns the step identified by CurrentStepID, or nil.
func (w *WorkflowInstance) CurrentStep() *WorkflowStep {
	if w.CurrentStepID == "" {
		return nil
	}
	for i := range w.Steps {
		if w.Steps[i].ID == w.CurrentStepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepByID returns the step with the given generated identity, or nil.
func (w *WorkflowInstance) StepByID(stepID string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// Start transitions the instance into execution: the step with order index
// zero becomes current and a StepStarted signal is raised for asynchronous
// materialization. Starting twice surfaces the inner step's invalid
// transition error; the engine does not silently no-op.
func (w *WorkflowInstance) Start() error {
	if w.IsTerminal() {
		return model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow %q is %s, cannot start", w.ID, w.Status),
		)
	}

	step := w.initialStep()
	if step == nil {
		return model.NewStepNotFoundError(
			fmt.Sprintf("workflow %q has no initial step", w.ID),
		)
	}
	if err := step.Start(); err != nil {
		return err
	}

	w.Status = WorkflowStatusInProgress
	w.CurrentStepID = step.ID
	w.touch()
	w.record(StepStarted{InstanceID: w.ID, StepID: step.ID})
	return nil
}

// UpdateTask is the single entry point by which a human action or an
// automatic-task completion advances a task in the current step. After the
// task transition, if the step is decided (every task terminal) the step is
// completed or failed and the instance moves to the next step.
func (w *WorkflowInstance) UpdateTask(
	def model.WorkflowDefinition,
	taskID string,
	newStatus string,
	actor string,
	remarks string,
	resultData map[string]any,
) error {
	if w.Status != WorkflowStatusInProgress {
		return model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow %q is %s, tasks cannot be updated", w.ID, w.Status),
		)
	}

	step := w.CurrentStep()
	if step == nil {
		return model.NewStepNotFoundError(
			fmt.Sprintf("workflow %q has no current step", w.ID),
		)
	}
	task := step.taskByID(taskID)
	if task == nil {
		return model.NewTaskNotFoundError(
			fmt.Sprintf("task %q not found in current step %q", taskID, step.StepID),
		)
	}
	if !task.IsOpen() {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("task %q is %s, cannot transition to %s", task.TaskID, task.Status, newStatus),
		)
	}

	switch newStatus {
	case TaskStatusInProgress:
		if err := task.Start(); err != nil {
			return err
		}
	case TaskStatusCompleted:
		if err := task.Complete(actor, resultData); err != nil {
			return err
		}
		w.record(TaskCompleted{
			InstanceID:  w.ID,
			StepID:      step.ID,
			TaskID:      task.ID,
			CompletedBy: actor,
		})
	case TaskStatusFailed:
		if err := task.Fail(remarks); err != nil {
			return err
		}
	default:
		return model.NewBadRequestError(
			fmt.Sprintf("unsupported task status %q", newStatus),
		)
	}

	w.touch()
	return w.settleCurrentStep(def)
}

// Assignee pairs a user with the role under which they are being assigned.
type Assignee struct {
	UserID   string
	RoleName string
}

// AssignTask replaces or appends assignments on a task in the current step.
// With reassign true, existing non-terminal assignments are superseded
// (marked REMOVED) before the new ones are added; at most one active
// assignment per user remains per task.
func (w *WorkflowInstance) AssignTask(taskID string, assignees []Assignee, reassign bool) error {
	if w.Status != WorkflowStatusInProgress {
		return model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow %q is %s, tasks cannot be assigned", w.ID, w.Status),
		)
	}
	step := w.CurrentStep()
	if step == nil {
		return model.NewStepNotFoundError(
			fmt.Sprintf("workflow %q has no current step", w.ID),
		)
	}
	task := step.taskByID(taskID)
	if task == nil {
		return model.NewTaskNotFoundError(
			fmt.Sprintf("task %q not found in current step %q", taskID, step.StepID),
		)
	}
	if task.IsAutomatic() {
		return model.NewBadRequestError(
			fmt.Sprintf("task %q is automatic and cannot be assigned", task.TaskID),
		)
	}
	if !task.IsOpen() {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("task %q is %s, cannot be assigned", task.TaskID, task.Status),
		)
	}

	if reassign {
		for i := range task.Assignments {
			task.Assignments[i].remove()
		}
	}
	for _, a := range assignees {
		if task.ActiveAssignment(a.UserID) != nil {
			continue
		}
		task.Assignments = append(task.Assignments, newAssignment(task.ID, a.UserID, a.RoleName))
	}

	w.touch()
	return nil
}

// Cancel sets the instance to CANCELLED with the reason recorded in
// remarks. Only the initiator or the beneficiary may cancel; cancellation
// is otherwise unconditional from any non-terminal status.
func (w *WorkflowInstance) Cancel(reason, actorID string) error {
	if actorID != w.InitiatedBy && actorID != w.InitiatedFor {
		return model.NewForbiddenError(
			fmt.Sprintf("user %q may not cancel workflow %q", actorID, w.ID),
		)
	}
	if w.IsTerminal() {
		return model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow %q is %s, cannot cancel", w.ID, w.Status),
		)
	}

	w.Status = WorkflowStatusCancelled
	w.Remarks = reason
	w.CurrentStepID = ""
	w.skipPendingSteps()
	w.touch()
	w.record(WorkflowCancelled{InstanceID: w.ID, Reason: reason})
	return nil
}

// Events returns the buffered domain events raised since the last clear.
func (w *WorkflowInstance) Events() []Event {
	return w.events
}

// ClearEvents drops the buffered events. Called by the service after a
// successful persist and dispatch.
func (w *WorkflowInstance) ClearEvents() {
	w.events = nil
}

// settleCurrentStep checks whether the current step is decided and, if so,
// completes or fails it and moves to the next step. Called after every task
// transition and after materialization of an all-automatic step.
func (w *WorkflowInstance) settleCurrentStep(def model.WorkflowDefinition) error {
	step := w.CurrentStep()
	if step == nil {
		return nil
	}
	decided, failed, reason := step.decide()
	if !decided {
		return nil
	}

	if failed {
		if err := step.Fail(reason); err != nil {
			return err
		}
	} else {
		if err := step.Complete(); err != nil {
			return err
		}
	}
	return w.moveToNextStep(def, step)
}

// moveToNextStep decides what follows a finished step. It always leaves the
// instance in exactly one of two states: a new current step started (with a
// StepStarted signal raised) or a terminal status set — never both, never
// neither.
func (w *WorkflowInstance) moveToNextStep(def model.WorkflowDefinition, finished *WorkflowStep) error {
	if w.allStepsCompleted() {
		w.complete()
		return nil
	}

	succeeded := finished.Status == StepStatusCompleted
	target := finished.OnSuccessStepID
	if !succeeded {
		target = finished.OnFailureStepID
	}

	if target == "" {
		// The graph ran off the end: completion on the success path,
		// failure on the failure path.
		if succeeded {
			w.complete()
		} else {
			w.fail(finished.FailureReason)
		}
		return nil
	}

	next := w.pendingStepByKey(target)
	if next == nil {
		// The target already ran; a repeated visit gets a fresh shell from
		// the definition so both runs stay on record.
		stepDef, ok := def.FindStep(target)
		if !ok {
			return model.NewStepNotFoundError(
				fmt.Sprintf("transition target %q not found in definition %q", target, def.Type),
			)
		}
		w.Steps = append(w.Steps, newStepShell(stepDef))
		next = &w.Steps[len(w.Steps)-1]
	}

	if err := next.Start(); err != nil {
		return err
	}
	w.CurrentStepID = next.ID
	w.touch()
	w.record(StepStarted{InstanceID: w.ID, StepID: next.ID})
	return nil
}

// complete sets the terminal COMPLETED status, skipping never-run shells.
func (w *WorkflowInstance) complete() {
	now := time.Now().UTC()
	w.Status = WorkflowStatusCompleted
	w.CompletedAt = &now
	w.CurrentStepID = ""
	w.skipPendingSteps()
	w.touch()
	w.record(WorkflowCompleted{InstanceID: w.ID})
}

// fail sets the terminal FAILED status, skipping never-run shells.
func (w *WorkflowInstance) fail(reason string) {
	now := time.Now().UTC()
	w.Status = WorkflowStatusFailed
	w.CompletedAt = &now
	w.Remarks = reason
	w.CurrentStepID = ""
	w.skipPendingSteps()
	w.touch()
	w.record(WorkflowFailed{InstanceID: w.ID, Reason: reason})
}

func (w *WorkflowInstance) initialStep() *WorkflowStep {
	// The current step wins over the order-zero shell so that a double
	// Start hits the step's own transition check.
	if cur := w.CurrentStep(); cur != nil {
		return cur
	}
	for i := range w.Steps {
		if w.Steps[i].OrderIndex == 0 {
			return &w.Steps[i]
		}
	}
	return nil
}

func (w *WorkflowInstance) pendingStepByKey(stepKey string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepKey && w.Steps[i].Status == StepStatusPending {
			return &w.Steps[i]
		}
	}
	return nil
}

func (w *WorkflowInstance) allStepsCompleted() bool {
	for i := range w.Steps {
		if w.Steps[i].Status != StepStatusCompleted {
			return false
		}
	}
	return true
}

func (w *WorkflowInstance) skipPendingSteps() {
	for i := range w.Steps {
		w.Steps[i].skip()
	}
}

func (w *WorkflowInstance) touch() {
	w.UpdatedAt = time.Now().UTC()
}

func (w *WorkflowInstance) record(evt Event) {
	w.events = append(w.events, evt)
}
