package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/opsdesk/conveyor/internal/observability"
	"github.com/opsdesk/conveyor/internal/workflow"
	"github.com/opsdesk/conveyor/model"
)

func handleWorkflowCreate(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			WorkflowType string         `json:"workflow_type"`
			RequestData  map[string]any `json:"request_data"`
			InitiatedFor string         `json:"initiated_for"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.WorkflowType == "" {
			WriteError(w, model.NewBadRequestError("workflow_type is required"))
			return
		}

		observability.RequestLogger(r.Context(), zap.NewNop()).Debug("workflow create requested",
			zap.String("workflow_type", body.WorkflowType),
			zap.Any("request_data", observability.RedactBody(body.RequestData, nil)),
		)

		inst, err := svc.Create(r.Context(), rctx, body.WorkflowType, body.RequestData, body.InitiatedFor)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleWorkflowGet(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		code := chi.URLParam(r, "code")

		inst, err := svc.Get(r.Context(), code)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowList(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := workflow.ListFilters{
			Type:        r.URL.Query().Get("type"),
			Status:      r.URL.Query().Get("status"),
			InitiatedBy: r.URL.Query().Get("initiated_by"),
			Limit:       queryInt(r, "limit", 20),
			Offset:      queryInt(r, "offset", 0),
		}

		instances, err := svc.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   instances,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleTaskUpdate(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		code := chi.URLParam(r, "code")
		taskID := chi.URLParam(r, "taskId")

		var body struct {
			Status     string         `json:"status"`
			Remarks    string         `json:"remarks"`
			ResultData map[string]any `json:"result_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Status == "" {
			WriteError(w, model.NewBadRequestError("status is required"))
			return
		}

		inst, err := svc.UpdateTask(r.Context(), rctx, code, taskID, body.Status, body.Remarks, body.ResultData)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleTaskAssign(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		code := chi.URLParam(r, "code")
		taskID := chi.URLParam(r, "taskId")

		var body struct {
			Assignees []struct {
				UserID   string `json:"user_id"`
				RoleName string `json:"role_name"`
			} `json:"assignees"`
			Reassign bool `json:"reassign"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if len(body.Assignees) == 0 {
			WriteError(w, model.NewBadRequestError("at least one assignee is required"))
			return
		}

		assignees := make([]workflow.Assignee, 0, len(body.Assignees))
		for _, a := range body.Assignees {
			if a.UserID == "" {
				WriteError(w, model.NewBadRequestError("assignee user_id is required"))
				return
			}
			assignees = append(assignees, workflow.Assignee{UserID: a.UserID, RoleName: a.RoleName})
		}

		inst, err := svc.AssignTask(r.Context(), rctx, code, taskID, assignees, body.Reassign)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowCancel(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		code := chi.URLParam(r, "code")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		inst, err := svc.Cancel(r.Context(), rctx, code, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
