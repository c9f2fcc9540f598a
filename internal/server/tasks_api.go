package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

type taskItem struct {
	ID         string    `json:"id"`
	GrantID    string    `json:"grant_id"`
	Title      string    `json:"title"`
	DueDate    string    `json:"due_date,omitempty"`
	AssigneeID string    `json:"assignee_id,omitempty"`
	Done       bool      `json:"done"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type taskListResponse struct {
	Tasks []taskItem `json:"tasks"`
}

type taskCreatePayload struct {
	Title      string `json:"title"`
	DueDate    string `json:"due_date"`
	AssigneeID string `json:"assignee_id"`
}

type taskUpdatePayload struct {
	Title      *string `json:"title"`
	DueDate    *string `json:"due_date"`
	AssigneeID *string `json:"assignee_id"`
	Done       *bool   `json:"done"`
}

func taskToItem(t Task) taskItem {
	return taskItem{
		ID:         t.ID,
		GrantID:    t.GrantID,
		Title:      t.Title,
		DueDate:    t.DueDate,
		AssigneeID: t.AssigneeID,
		Done:       t.Done,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

// handleGrantTasksAPI serves /api/v1/grants/{id}/tasks.
func handleGrantTasksAPI(w http.ResponseWriter, r *http.Request, grantID string, tasks taskStore, grants grantStore, members memberStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	if _, found, err := grants.GetByID(r.Context(), org.ID, grantID); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "task_list_failed", "task list failed")
		return
	} else if !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "grant_not_found", "grant not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		list, err := tasks.ListByGrant(r.Context(), org.ID, grantID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "task_list_failed", "task list failed")
			return
		}
		resp := taskListResponse{Tasks: make([]taskItem, 0, len(list))}
		for _, t := range list {
			resp.Tasks = append(resp.Tasks, taskToItem(t))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var payload taskCreatePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		payload.Title = strings.TrimSpace(payload.Title)
		if payload.Title == "" {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_title", "title is required")
			return
		}
		payload.DueDate = strings.TrimSpace(payload.DueDate)
		if payload.DueDate != "" && !validDay(payload.DueDate) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_due_date", "due_date must be YYYY-MM-DD")
			return
		}
		payload.AssigneeID = strings.TrimSpace(payload.AssigneeID)
		if payload.AssigneeID != "" {
			if !requireActiveMember(w, r, members, org.ID, payload.AssigneeID, "invalid_assignee") {
				return
			}
		}

		t, err := tasks.Create(r.Context(), Task{
			OrgID:      org.ID,
			GrantID:    grantID,
			Title:      payload.Title,
			DueDate:    payload.DueDate,
			AssigneeID: payload.AssigneeID,
		})
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "task_create_failed", "task create failed")
			return
		}
		writeJSON(w, http.StatusCreated, taskToItem(t))
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleTaskItemAPI serves /api/v1/tasks/{id}.
func handleTaskItemAPI(w http.ResponseWriter, r *http.Request, taskID string, tasks taskStore, members memberStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var payload taskUpdatePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		if payload.Title != nil && strings.TrimSpace(*payload.Title) == "" {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_title", "title must not be empty")
			return
		}
		if payload.DueDate != nil && *payload.DueDate != "" && !validDay(*payload.DueDate) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_due_date", "due_date must be YYYY-MM-DD")
			return
		}
		if payload.AssigneeID != nil && *payload.AssigneeID != "" {
			if !requireActiveMember(w, r, members, org.ID, *payload.AssigneeID, "invalid_assignee") {
				return
			}
		}

		var t Task
		var err error
		if payload.Title != nil || payload.DueDate != nil || payload.AssigneeID != nil {
			t, err = tasks.Update(r.Context(), org.ID, taskID, taskUpdate{
				Title:      payload.Title,
				DueDate:    payload.DueDate,
				AssigneeID: payload.AssigneeID,
			})
			if err != nil {
				writeTaskError(w, r, err)
				return
			}
		}
		if payload.Done != nil {
			t, err = tasks.SetDone(r.Context(), org.ID, taskID, *payload.Done)
			if err != nil {
				writeTaskError(w, r, err)
				return
			}
		}
		if payload.Title == nil && payload.DueDate == nil && payload.AssigneeID == nil && payload.Done == nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "empty_update", "no fields to update")
			return
		}
		writeJSON(w, http.StatusOK, taskToItem(t))
	case http.MethodDelete:
		if err := tasks.Delete(r.Context(), org.ID, taskID); err != nil {
			writeTaskError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func writeTaskError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errTaskNotFound) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "task_not_found", "task not found")
		return
	}
	routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "task_op_failed", "task operation failed")
}
