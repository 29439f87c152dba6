package workflow

import (
	"testing"

	"github.com/opsdesk/conveyor/model"
)

// reviewDef is a two-step flow of human tasks: review, then record. The
// review step routes failures to a remediation step.
func reviewDef() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Type: "donations.pledge-approval",
		Name: "Pledge Approval",
		Steps: []model.StepDefinition{
			{
				StepID:     "review",
				OrderIndex: 0,
				Name:       "Finance Review",
				Tasks: []model.TaskDefinition{
					{TaskID: "approve", Name: "Approve Pledge", Type: model.TaskTypeApproval, AssignedToRoles: []string{"finance-officer"}},
				},
				Transitions: model.TransitionTargets{OnSuccess: "record", OnFailure: "remediate"},
			},
			{
				StepID:     "record",
				OrderIndex: 1,
				Name:       "Record Pledge",
				Tasks: []model.TaskDefinition{
					{TaskID: "verify-entry", Name: "Verify Ledger Entry", Type: model.TaskTypeVerification, AssignedToRoles: []string{"finance-officer"}},
				},
			},
			{
				StepID:     "remediate",
				OrderIndex: 2,
				Name:       "Remediate",
				Tasks: []model.TaskDefinition{
					{TaskID: "fix-request", Name: "Fix Request", Type: model.TaskTypeVerification, AssignedToRoles: []string{"requester"}},
				},
				Transitions: model.TransitionTargets{OnSuccess: "review"},
			},
		},
	}
}

// materializeCurrent fills the current step's tasks from the definition, the
// way the continuation worker would.
func materializeCurrent(t *testing.T, inst *WorkflowInstance, def model.WorkflowDefinition) {
	t.Helper()
	step := inst.CurrentStep()
	if step == nil {
		t.Fatal("no current step to materialize")
	}
	stepDef, ok := def.FindStep(step.StepID)
	if !ok {
		t.Fatalf("step %q not in definition", step.StepID)
	}
	for _, td := range stepDef.Tasks {
		step.Tasks = append(step.Tasks, newTask(td))
	}
}

func startedInstance(t *testing.T, def model.WorkflowDefinition) *WorkflowInstance {
	t.Helper()
	inst, err := NewInstance(def, "user-alice", map[string]any{"amount": 250}, "")
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	inst.ClearEvents()
	materializeCurrent(t, inst, def)
	return inst
}

func eventNames(events []Event) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.EventName())
	}
	return names
}

func hasEvent(events []Event, name string) bool {
	for _, e := range events {
		if e.EventName() == name {
			return true
		}
	}
	return false
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error = %v, want *model.ErrorEnvelope", err)
	}
	return env.Code
}

func TestNewInstance(t *testing.T) {
	def := reviewDef()
	inst, err := NewInstance(def, "user-alice", map[string]any{"amount": 250}, "user-bob")
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}

	if inst.Status != WorkflowStatusPending {
		t.Errorf("Status = %q, want PENDING", inst.Status)
	}
	if inst.CurrentStepID != "" {
		t.Errorf("CurrentStepID = %q, want empty before start", inst.CurrentStepID)
	}
	if len(inst.Steps) != 3 {
		t.Fatalf("Steps = %d, want 3", len(inst.Steps))
	}
	for _, s := range inst.Steps {
		if s.Status != StepStatusPending {
			t.Errorf("step %q status = %q, want PENDING", s.StepID, s.Status)
		}
		if len(s.Tasks) != 0 {
			t.Errorf("step %q has %d tasks, want 0 before materialization", s.StepID, len(s.Tasks))
		}
	}
	if inst.InitiatedBy != "user-alice" || inst.InitiatedFor != "user-bob" {
		t.Errorf("initiators = %q/%q, want user-alice/user-bob", inst.InitiatedBy, inst.InitiatedFor)
	}
	if inst.ID == "" || inst.ID[:3] != "WF-" {
		t.Errorf("ID = %q, want WF- prefix", inst.ID)
	}
	if !hasEvent(inst.Events(), EventWorkflowCreated) {
		t.Errorf("events = %v, want workflow.created", eventNames(inst.Events()))
	}
}

func TestNewInstance_initiatedFor_defaults_to_initiator(t *testing.T) {
	inst, err := NewInstance(reviewDef(), "user-alice", nil, "")
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	if inst.InitiatedFor != "user-alice" {
		t.Errorf("InitiatedFor = %q, want user-alice", inst.InitiatedFor)
	}
}

func TestNewInstance_requires_steps(t *testing.T) {
	_, err := NewInstance(model.WorkflowDefinition{Type: "empty"}, "user-alice", nil, "")
	if err == nil {
		t.Fatal("NewInstance() with no steps should fail")
	}
	if code := errCode(t, err); code != model.ErrValidationError {
		t.Errorf("code = %q, want VALIDATION_ERROR", code)
	}
}

func TestStart(t *testing.T) {
	inst, _ := NewInstance(reviewDef(), "user-alice", nil, "")
	inst.ClearEvents()

	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if inst.Status != WorkflowStatusInProgress {
		t.Errorf("Status = %q, want IN_PROGRESS", inst.Status)
	}
	cur := inst.CurrentStep()
	if cur == nil || cur.StepID != "review" {
		t.Fatalf("current step = %v, want review", cur)
	}
	if cur.Status != StepStatusInProgress {
		t.Errorf("current step status = %q, want IN_PROGRESS", cur.Status)
	}
	if cur.StartedAt == nil {
		t.Error("current step StartedAt should be set")
	}
	if !hasEvent(inst.Events(), EventStepStarted) {
		t.Errorf("events = %v, want workflow.step.started", eventNames(inst.Events()))
	}
}

func TestStart_twice_fails(t *testing.T) {
	inst, _ := NewInstance(reviewDef(), "user-alice", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := inst.Start()
	if err == nil {
		t.Fatal("second Start() should fail")
	}
	if code := errCode(t, err); code != model.ErrInvalidTransition {
		t.Errorf("code = %q, want INVALID_TRANSITION", code)
	}
}

func TestStart_after_cancel_fails(t *testing.T) {
	inst, _ := NewInstance(reviewDef(), "user-alice", nil, "")
	if err := inst.Cancel("changed my mind", "user-alice"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	err := inst.Start()
	if err == nil {
		t.Fatal("Start() on cancelled instance should fail")
	}
	if code := errCode(t, err); code != model.ErrWorkflowNotActive {
		t.Errorf("code = %q, want WORKFLOW_NOT_ACTIVE", code)
	}
}

func TestUpdateTask_completes_step_and_advances(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	err := inst.UpdateTask(def, "approve", TaskStatusCompleted, "user-carol", "", map[string]any{"note": "ok"})
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	review := inst.Steps[0]
	if review.Status != StepStatusCompleted {
		t.Errorf("review step status = %q, want COMPLETED", review.Status)
	}
	if review.CompletedAt == nil {
		t.Error("review step CompletedAt should be set")
	}
	task := review.Tasks[0]
	if task.Status != TaskStatusCompleted || task.CompletedBy != "user-carol" {
		t.Errorf("task = %q by %q, want COMPLETED by user-carol", task.Status, task.CompletedBy)
	}
	if task.ResultData["note"] != "ok" {
		t.Errorf("task ResultData = %v, want note recorded", task.ResultData)
	}

	cur := inst.CurrentStep()
	if cur == nil || cur.StepID != "record" {
		t.Fatalf("current step = %v, want record", cur)
	}
	if cur.Status != StepStatusInProgress {
		t.Errorf("next step status = %q, want IN_PROGRESS", cur.Status)
	}
	if !hasEvent(inst.Events(), EventTaskCompleted) || !hasEvent(inst.Events(), EventStepStarted) {
		t.Errorf("events = %v, want task.completed and step.started", eventNames(inst.Events()))
	}
}

func TestUpdateTask_on_terminal_task_fails_without_mutation(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	if err := inst.UpdateTask(def, "approve", TaskStatusCompleted, "user-carol", "", nil); err != nil {
		t.Fatalf("first UpdateTask() error = %v", err)
	}
	before := inst.CurrentStepID

	err := inst.UpdateTask(def, "approve", TaskStatusCompleted, "user-carol", "", nil)
	if err == nil {
		t.Fatal("UpdateTask() on completed task should fail")
	}
	if code := errCode(t, err); code != model.ErrTaskNotFound && code != model.ErrInvalidTransition {
		t.Errorf("code = %q, want TASK_NOT_FOUND or INVALID_TRANSITION", code)
	}
	if inst.CurrentStepID != before {
		t.Error("failed UpdateTask must not move the instance")
	}
}

func TestUpdateTask_unknown_task(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	err := inst.UpdateTask(def, "nonexistent", TaskStatusCompleted, "user-carol", "", nil)
	if err == nil {
		t.Fatal("UpdateTask() on unknown task should fail")
	}
	if code := errCode(t, err); code != model.ErrTaskNotFound {
		t.Errorf("code = %q, want TASK_NOT_FOUND", code)
	}
}

func TestUpdateTask_requires_in_progress_instance(t *testing.T) {
	def := reviewDef()
	inst, _ := NewInstance(def, "user-alice", nil, "")

	err := inst.UpdateTask(def, "approve", TaskStatusCompleted, "user-carol", "", nil)
	if err == nil {
		t.Fatal("UpdateTask() on PENDING instance should fail")
	}
	if code := errCode(t, err); code != model.ErrWorkflowNotActive {
		t.Errorf("code = %q, want WORKFLOW_NOT_ACTIVE", code)
	}
}

func TestUpdateTask_start_then_complete(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	if err := inst.UpdateTask(def, "approve", TaskStatusInProgress, "user-carol", "", nil); err != nil {
		t.Fatalf("UpdateTask(IN_PROGRESS) error = %v", err)
	}
	if got := inst.Steps[0].Tasks[0].Status; got != TaskStatusInProgress {
		t.Errorf("task status = %q, want IN_PROGRESS", got)
	}
	if err := inst.UpdateTask(def, "approve", TaskStatusCompleted, "user-carol", "", nil); err != nil {
		t.Fatalf("UpdateTask(COMPLETED) error = %v", err)
	}
}

func TestTaskFailure_routes_to_failure_target(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	err := inst.UpdateTask(def, "approve", TaskStatusFailed, "user-carol", "amount exceeds mandate", nil)
	if err != nil {
		t.Fatalf("UpdateTask(FAILED) error = %v", err)
	}

	review := inst.Steps[0]
	if review.Status != StepStatusFailed {
		t.Errorf("review step status = %q, want FAILED", review.Status)
	}
	if review.FailureReason == "" {
		t.Error("review step FailureReason should be set")
	}
	cur := inst.CurrentStep()
	if cur == nil || cur.StepID != "remediate" {
		t.Fatalf("current step = %v, want remediate (failure target)", cur)
	}
	if inst.Status != WorkflowStatusInProgress {
		t.Errorf("Status = %q, want IN_PROGRESS while remediation runs", inst.Status)
	}
}

func TestTaskFailure_without_failure_target_fails_instance(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	// Move to the record step, which has no failure target.
	if err := inst.UpdateTask(def, "approve", TaskStatusCompleted, "user-carol", "", nil); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	materializeCurrent(t, inst, def)
	inst.ClearEvents()

	err := inst.UpdateTask(def, "verify-entry", TaskStatusFailed, "user-carol", "ledger mismatch", nil)
	if err != nil {
		t.Fatalf("UpdateTask(FAILED) error = %v", err)
	}

	if inst.Status != WorkflowStatusFailed {
		t.Errorf("Status = %q, want FAILED", inst.Status)
	}
	if inst.CurrentStepID != "" {
		t.Errorf("CurrentStepID = %q, want empty after terminal", inst.CurrentStepID)
	}
	if inst.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if inst.Remarks == "" {
		t.Error("Remarks should carry the failure reason")
	}
	if !hasEvent(inst.Events(), EventWorkflowFailed) {
		t.Errorf("events = %v, want workflow.failed", eventNames(inst.Events()))
	}
	// The never-run remediate shell is closed out.
	if got := inst.Steps[2].Status; got != StepStatusSkipped {
		t.Errorf("remediate shell status = %q, want SKIPPED", got)
	}
}

func TestRunOffSuccessPath_completes_instance(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	if err := inst.UpdateTask(def, "approve", TaskStatusCompleted, "user-carol", "", nil); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	materializeCurrent(t, inst, def)
	inst.ClearEvents()

	// record has no success target: completing it finishes the flow.
	if err := inst.UpdateTask(def, "verify-entry", TaskStatusCompleted, "user-carol", "", nil); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	if inst.Status != WorkflowStatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", inst.Status)
	}
	if inst.CurrentStepID != "" {
		t.Errorf("CurrentStepID = %q, want empty after terminal", inst.CurrentStepID)
	}
	if !hasEvent(inst.Events(), EventWorkflowCompleted) {
		t.Errorf("events = %v, want workflow.completed", eventNames(inst.Events()))
	}
}

func TestRepeatVisit_gets_fresh_step_shell(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	// Fail review, remediate, loop back to review.
	if err := inst.UpdateTask(def, "approve", TaskStatusFailed, "user-carol", "bad amount", nil); err != nil {
		t.Fatalf("UpdateTask(FAILED) error = %v", err)
	}
	materializeCurrent(t, inst, def)
	if err := inst.UpdateTask(def, "fix-request", TaskStatusCompleted, "user-alice", "", nil); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	cur := inst.CurrentStep()
	if cur == nil || cur.StepID != "review" {
		t.Fatalf("current step = %v, want second review run", cur)
	}
	if cur.Status != StepStatusInProgress {
		t.Errorf("second review status = %q, want IN_PROGRESS", cur.Status)
	}
	if len(cur.Tasks) != 0 {
		t.Errorf("fresh shell has %d tasks, want 0", len(cur.Tasks))
	}

	// Both runs stay on record under the same definition key.
	reviewRuns := 0
	for _, s := range inst.Steps {
		if s.StepID == "review" {
			reviewRuns++
		}
	}
	if reviewRuns != 2 {
		t.Errorf("review step rows = %d, want 2", reviewRuns)
	}
	if inst.Steps[0].Status != StepStatusFailed {
		t.Errorf("first review run status = %q, want FAILED", inst.Steps[0].Status)
	}
}

func TestCurrentStepID_invariant(t *testing.T) {
	def := reviewDef()
	inst, _ := NewInstance(def, "user-alice", nil, "")

	check := func(stage string) {
		t.Helper()
		active := inst.Status == WorkflowStatusInProgress
		hasCurrent := inst.CurrentStepID != ""
		if active != hasCurrent {
			t.Errorf("%s: status %q with CurrentStepID %q violates invariant", stage, inst.Status, inst.CurrentStepID)
		}
	}

	check("pending")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	check("started")
	materializeCurrent(t, inst, def)
	if err := inst.UpdateTask(def, "approve", TaskStatusCompleted, "user-carol", "", nil); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	check("advanced")
	if err := inst.Cancel("done testing", "user-alice"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	check("cancelled")
}

func TestCancel(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	if err := inst.Cancel("duplicate request", "user-alice"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if inst.Status != WorkflowStatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", inst.Status)
	}
	if inst.Remarks != "duplicate request" {
		t.Errorf("Remarks = %q, want reason recorded", inst.Remarks)
	}
	if inst.CurrentStepID != "" {
		t.Errorf("CurrentStepID = %q, want empty", inst.CurrentStepID)
	}
	if !hasEvent(inst.Events(), EventWorkflowCancelled) {
		t.Errorf("events = %v, want workflow.cancelled", eventNames(inst.Events()))
	}
	for _, s := range inst.Steps[1:] {
		if s.Status != StepStatusSkipped {
			t.Errorf("pending shell %q status = %q, want SKIPPED", s.StepID, s.Status)
		}
	}
}

func TestCancel_by_beneficiary(t *testing.T) {
	inst, _ := NewInstance(reviewDef(), "user-alice", nil, "user-bob")
	if err := inst.Cancel("no longer needed", "user-bob"); err != nil {
		t.Fatalf("Cancel() by beneficiary error = %v", err)
	}
}

func TestCancel_by_stranger_forbidden(t *testing.T) {
	inst := startedInstance(t, reviewDef())

	err := inst.Cancel("nope", "user-mallory")
	if err == nil {
		t.Fatal("Cancel() by non-initiator should fail")
	}
	if code := errCode(t, err); code != model.ErrForbidden {
		t.Errorf("code = %q, want FORBIDDEN", code)
	}
	if inst.Status != WorkflowStatusInProgress {
		t.Errorf("Status = %q, instance must be untouched", inst.Status)
	}
}

func TestCancel_terminal_fails(t *testing.T) {
	inst, _ := NewInstance(reviewDef(), "user-alice", nil, "")
	if err := inst.Cancel("first", "user-alice"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	err := inst.Cancel("second", "user-alice")
	if err == nil {
		t.Fatal("Cancel() on terminal instance should fail")
	}
	if code := errCode(t, err); code != model.ErrWorkflowNotActive {
		t.Errorf("code = %q, want WORKFLOW_NOT_ACTIVE", code)
	}
}

func TestAssignTask(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	err := inst.AssignTask("approve", []Assignee{
		{UserID: "user-carol", RoleName: "finance-officer"},
		{UserID: "user-dave", RoleName: "finance-officer"},
	}, false)
	if err != nil {
		t.Fatalf("AssignTask() error = %v", err)
	}

	task := &inst.Steps[0].Tasks[0]
	if len(task.Assignments) != 2 {
		t.Fatalf("assignments = %d, want 2", len(task.Assignments))
	}
	for _, a := range task.Assignments {
		if a.Status != AssignmentStatusPending {
			t.Errorf("assignment status = %q, want PENDING", a.Status)
		}
	}
}

func TestAssignTask_skips_already_assigned_user(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	assignees := []Assignee{{UserID: "user-carol", RoleName: "finance-officer"}}
	if err := inst.AssignTask("approve", assignees, false); err != nil {
		t.Fatalf("AssignTask() error = %v", err)
	}
	if err := inst.AssignTask("approve", assignees, false); err != nil {
		t.Fatalf("second AssignTask() error = %v", err)
	}

	task := &inst.Steps[0].Tasks[0]
	if len(task.Assignments) != 1 {
		t.Errorf("assignments = %d, want 1 (no duplicate active claim)", len(task.Assignments))
	}
}

func TestAssignTask_reassign_supersedes(t *testing.T) {
	def := reviewDef()
	inst := startedInstance(t, def)

	if err := inst.AssignTask("approve", []Assignee{{UserID: "user-carol", RoleName: "finance-officer"}}, false); err != nil {
		t.Fatalf("AssignTask() error = %v", err)
	}
	if err := inst.AssignTask("approve", []Assignee{{UserID: "user-dave", RoleName: "finance-officer"}}, true); err != nil {
		t.Fatalf("reassign error = %v", err)
	}

	task := &inst.Steps[0].Tasks[0]
	if len(task.Assignments) != 2 {
		t.Fatalf("assignments = %d, want 2 rows (history kept)", len(task.Assignments))
	}
	if task.Assignments[0].Status != AssignmentStatusRemoved {
		t.Errorf("superseded assignment status = %q, want REMOVED", task.Assignments[0].Status)
	}

	active := 0
	for _, a := range task.Assignments {
		if a.IsActive() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active assignments = %d, want exactly 1", active)
	}
	if got := task.ActiveAssignment("user-dave"); got == nil {
		t.Error("user-dave should hold the active assignment")
	}
}

func TestAssignTask_automatic_task_rejected(t *testing.T) {
	def := model.WorkflowDefinition{
		Type: "auto-only",
		Steps: []model.StepDefinition{
			{
				StepID:     "run",
				OrderIndex: 0,
				Tasks: []model.TaskDefinition{
					{TaskID: "compute", Type: model.TaskTypeAutomatic, Handler: "compute"},
				},
			},
		},
	}
	inst := startedInstance(t, def)

	err := inst.AssignTask("compute", []Assignee{{UserID: "user-carol"}}, false)
	if err == nil {
		t.Fatal("AssignTask() on automatic task should fail")
	}
	if code := errCode(t, err); code != model.ErrBadRequest {
		t.Errorf("code = %q, want BAD_REQUEST", code)
	}
}

func TestStepWithMixedTasks_waits_for_all(t *testing.T) {
	def := model.WorkflowDefinition{
		Type: "mixed",
		Steps: []model.StepDefinition{
			{
				StepID:     "checks",
				OrderIndex: 0,
				Tasks: []model.TaskDefinition{
					{TaskID: "first", Type: model.TaskTypeVerification, AssignedToRoles: []string{"ops"}},
					{TaskID: "second", Type: model.TaskTypeVerification, AssignedToRoles: []string{"ops"}},
				},
			},
		},
	}
	inst := startedInstance(t, def)

	if err := inst.UpdateTask(def, "first", TaskStatusCompleted, "user-carol", "", nil); err != nil {
		t.Fatalf("UpdateTask(first) error = %v", err)
	}
	if inst.Status != WorkflowStatusInProgress {
		t.Fatalf("Status = %q, step must wait for second task", inst.Status)
	}
	if got := inst.Steps[0].Status; got != StepStatusInProgress {
		t.Errorf("step status = %q, want IN_PROGRESS with one task open", got)
	}

	if err := inst.UpdateTask(def, "second", TaskStatusCompleted, "user-dave", "", nil); err != nil {
		t.Fatalf("UpdateTask(second) error = %v", err)
	}
	if inst.Status != WorkflowStatusCompleted {
		t.Errorf("Status = %q, want COMPLETED once every task is terminal", inst.Status)
	}
}
