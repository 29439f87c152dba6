package integration

import (
	"net/http"
	"sync"
	"testing"

	"github.com/opsdesk/conveyor/internal/workflow"
)

// ==========================================================================
// Malformed Input
// ==========================================================================

func TestResilience_InvalidJSONBody_Returns400(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(InitiatorClaims())

	resp := h.POST("/v1/workflows", "{not json", token)
	// The string marshals to a JSON string, not an object.
	h.AssertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestResilience_UnsupportedTaskStatus_Returns400(t *testing.T) {
	h := NewTestHarness(t)
	initiator := h.GenerateToken(InitiatorClaims())
	finance := h.GenerateToken(FinanceClaims())

	instanceID := startPledgeWorkflow(t, h, initiator)
	h.WaitFor(t, "review step to start", func() bool {
		return currentStepKey(h.Instance(t, instanceID)) == "review"
	})

	resp := h.POST("/v1/workflows/"+instanceID+"/tasks/approve-pledge", map[string]any{
		"status": "ARCHIVED",
	}, finance)
	h.AssertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

// ==========================================================================
// Invalid Transitions
// ==========================================================================

func TestResilience_DoubleCompleteTask_Returns422(t *testing.T) {
	h := NewTestHarness(t)
	initiator := h.GenerateToken(InitiatorClaims())
	finance := h.GenerateToken(FinanceClaims())
	auditor := h.GenerateToken(AuditorClaims())

	// The two-task grant fixture keeps the step open after the first
	// completion, so the repeat hits a terminal task in the current step.
	resp := h.POST("/v1/workflows", map[string]any{
		"workflow_type": "donations.grant-disbursement",
		"request_data":  map[string]any{"grant_id": "grant-1"},
	}, initiator)
	var created map[string]any
	h.AssertJSON(t, resp, http.StatusCreated, &created)
	instanceID := created["id"].(string)

	h.WaitFor(t, "approve step to materialize", func() bool {
		inst := h.Instance(t, instanceID)
		return len(inst.Steps) > 0 && inst.Steps[0].Status == workflow.StepStatusInProgress
	})

	resp = h.POST("/v1/workflows/"+instanceID+"/tasks/approve-payout", map[string]any{
		"status": workflow.TaskStatusCompleted,
	}, finance)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.POST("/v1/workflows/"+instanceID+"/tasks/approve-payout", map[string]any{
		"status": workflow.TaskStatusCompleted,
	}, auditor)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, http.StatusUnprocessableEntity, &body)
	assertEqual(t, body.Error.Code, "INVALID_TRANSITION", "error code")
}

func TestResilience_UpdateTaskOnCancelledWorkflow_Returns409(t *testing.T) {
	h := NewTestHarness(t)
	initiator := h.GenerateToken(InitiatorClaims())
	finance := h.GenerateToken(FinanceClaims())

	instanceID := startPledgeWorkflow(t, h, initiator)
	h.WaitFor(t, "review step to start", func() bool {
		return currentStepKey(h.Instance(t, instanceID)) == "review"
	})

	resp := h.POST("/v1/workflows/"+instanceID+"/cancel", map[string]any{
		"reason": "withdrawn",
	}, initiator)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.POST("/v1/workflows/"+instanceID+"/tasks/approve-pledge", map[string]any{
		"status": workflow.TaskStatusCompleted,
	}, finance)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, http.StatusConflict, &body)
	assertEqual(t, body.Error.Code, "WORKFLOW_NOT_ACTIVE", "error code")
}

func TestResilience_UnknownTask_Returns404(t *testing.T) {
	h := NewTestHarness(t)
	initiator := h.GenerateToken(InitiatorClaims())

	instanceID := startPledgeWorkflow(t, h, initiator)
	h.WaitFor(t, "review step to start", func() bool {
		return currentStepKey(h.Instance(t, instanceID)) == "review"
	})

	resp := h.POST("/v1/workflows/"+instanceID+"/tasks/no-such-task", map[string]any{
		"status": workflow.TaskStatusCompleted,
	}, initiator)
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

// ==========================================================================
// Concurrent Writes
// ==========================================================================

func TestResilience_ConcurrentTaskUpdatesBothLand(t *testing.T) {
	h := NewTestHarness(t)
	initiator := h.GenerateToken(InitiatorClaims())
	finance := h.GenerateToken(FinanceClaims())
	auditor := h.GenerateToken(AuditorClaims())

	resp := h.POST("/v1/workflows", map[string]any{
		"workflow_type": "donations.grant-disbursement",
		"request_data":  map[string]any{"grant_id": "grant-2"},
	}, initiator)
	var created map[string]any
	h.AssertJSON(t, resp, http.StatusCreated, &created)
	instanceID := created["id"].(string)

	h.WaitFor(t, "approve step to materialize", func() bool {
		inst := h.Instance(t, instanceID)
		return len(inst.Steps) > 0 && inst.Steps[0].Status == workflow.StepStatusInProgress
	})

	// Both tasks complete in parallel. Version conflicts are absorbed by
	// the reload-and-reapply loop, so neither update is lost.
	var wg sync.WaitGroup
	statuses := make([]int, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		r := h.POST("/v1/workflows/"+instanceID+"/tasks/approve-payout", map[string]any{
			"status": workflow.TaskStatusCompleted,
		}, finance)
		statuses[0] = r.StatusCode
		r.Body.Close()
	}()
	go func() {
		defer wg.Done()
		r := h.POST("/v1/workflows/"+instanceID+"/tasks/verify-budget", map[string]any{
			"status": workflow.TaskStatusCompleted,
		}, auditor)
		statuses[1] = r.StatusCode
		r.Body.Close()
	}()
	wg.Wait()

	for i, code := range statuses {
		if code != http.StatusOK {
			t.Errorf("concurrent update %d status = %d, want 200", i, code)
		}
	}

	h.WaitFor(t, "workflow to complete", func() bool {
		return h.Instance(t, instanceID).Status == workflow.WorkflowStatusCompleted
	})
}

// ==========================================================================
// Unknown Routes
// ==========================================================================

func TestResilience_UnknownRoute_Returns404(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(InitiatorClaims())

	resp := h.GET("/v1/definitely-not-a-route", token)
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
