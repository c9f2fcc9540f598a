package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

type approvalRulePayload struct {
	Expression string `json:"expression"`
	Effect     string `json:"effect"`
}

type approvalWorkflowCreatePayload struct {
	Name        string                `json:"name"`
	FromStage   string                `json:"from_stage"`
	ToStage     string                `json:"to_stage"`
	ApproverIDs []string              `json:"approver_ids"`
	Rules       []approvalRulePayload `json:"rules"`
}

type approvalRuleItem struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Effect     string `json:"effect"`
}

type approvalWorkflowItem struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	FromStage   string             `json:"from_stage"`
	ToStage     string             `json:"to_stage"`
	ApproverIDs []string           `json:"approver_ids"`
	Rules       []approvalRuleItem `json:"rules"`
	Active      bool               `json:"active"`
	CreatedAt   time.Time          `json:"created_at"`
}

type approvalWorkflowListResponse struct {
	Workflows []approvalWorkflowItem `json:"workflows"`
}

type approvalRequestCreatePayload struct {
	GrantID string `json:"grant_id"`
	ToStage string `json:"to_stage"`
}

type approvalRequestItem struct {
	ID          string    `json:"id"`
	GrantID     string    `json:"grant_id"`
	WorkflowID  string    `json:"workflow_id"`
	RequesterID string    `json:"requester_id"`
	FromStage   string    `json:"from_stage"`
	ToStage     string    `json:"to_stage"`
	Status      string    `json:"status"`
	Level       int       `json:"level"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type approvalRequestListResponse struct {
	Requests []approvalRequestItem `json:"requests"`
}

type approvalDecidePayload struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func workflowItem(wf ApprovalWorkflow) approvalWorkflowItem {
	item := approvalWorkflowItem{
		ID:          wf.ID,
		Name:        wf.Name,
		FromStage:   wf.FromStage,
		ToStage:     wf.ToStage,
		ApproverIDs: wf.ApproverIDs,
		Rules:       make([]approvalRuleItem, 0, len(wf.Rules)),
		Active:      wf.Active,
		CreatedAt:   wf.CreatedAt,
	}
	for _, rule := range wf.Rules {
		item.Rules = append(item.Rules, approvalRuleItem{ID: rule.ID, Expression: rule.Expression, Effect: rule.Effect})
	}
	return item
}

func requestItem(req ApprovalRequest) approvalRequestItem {
	return approvalRequestItem{
		ID:          req.ID,
		GrantID:     req.GrantID,
		WorkflowID:  req.WorkflowID,
		RequesterID: req.RequesterID,
		FromStage:   req.FromStage,
		ToStage:     req.ToStage,
		Status:      req.Status,
		Level:       req.Level,
		Reason:      req.Reason,
		CreatedAt:   req.CreatedAt,
	}
}

func handleApprovalWorkflowsAPI(w http.ResponseWriter, r *http.Request, approvals approvalStore, members memberStore) {
	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		workflows, err := approvals.ListWorkflows(r.Context(), org.ID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "workflow_list_failed", "workflow list failed")
			return
		}
		resp := approvalWorkflowListResponse{Workflows: make([]approvalWorkflowItem, 0, len(workflows))}
		for _, wf := range workflows {
			resp.Workflows = append(resp.Workflows, workflowItem(wf))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		handleApprovalWorkflowCreateAPI(w, r, org, member, approvals, members)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleApprovalWorkflowCreateAPI(w http.ResponseWriter, r *http.Request, org Org, _ Member, approvals approvalStore, members memberStore) {
	var payload approvalWorkflowCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_name", "name is required")
		return
	}
	if !validStage(payload.FromStage) || !validStage(payload.ToStage) || !validStageTransition(payload.FromStage, payload.ToStage) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_stage_edge", "invalid stage edge")
		return
	}
	if len(payload.ApproverIDs) == 0 {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_approvers", "at least one approver required")
		return
	}
	for _, approverID := range payload.ApproverIDs {
		m, found, err := members.GetByID(r.Context(), org.ID, approverID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "workflow_create_failed", "workflow create failed")
			return
		}
		if !found || m.Status != memberStatusActive {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_approvers", "approver must be an active member")
			return
		}
	}

	rules := make([]ApprovalRule, 0, len(payload.Rules))
	for _, rule := range payload.Rules {
		rules = append(rules, ApprovalRule{Expression: rule.Expression, Effect: rule.Effect})
	}
	if err := compileApprovalRules(rules); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_rule", err.Error())
		return
	}

	wf, err := approvals.CreateWorkflow(r.Context(), ApprovalWorkflow{
		OrgID:       org.ID,
		Name:        payload.Name,
		FromStage:   payload.FromStage,
		ToStage:     payload.ToStage,
		ApproverIDs: payload.ApproverIDs,
		Rules:       rules,
	})
	if err != nil {
		if errors.Is(err, errWorkflowEdgeConflict) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "workflow_edge_conflict", "an active workflow already covers this edge")
			return
		}
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "workflow_create_failed", "workflow create failed")
		return
	}

	writeJSON(w, http.StatusCreated, workflowItem(wf))
}

// handleApprovalWorkflowItemAPI serves /api/v1/approval-workflows/{id}.
func handleApprovalWorkflowItemAPI(w http.ResponseWriter, r *http.Request, approvals approvalStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	segments := splitPathSegments(r.URL.Path)
	if len(segments) != 4 {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "not_found", "not found")
		return
	}
	workflowID := segments[3]

	switch r.Method {
	case http.MethodGet:
		wf, found, err := approvals.GetWorkflow(r.Context(), org.ID, workflowID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "workflow_get_failed", "workflow get failed")
			return
		}
		if !found {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "workflow_not_found", "workflow not found")
			return
		}
		writeJSON(w, http.StatusOK, workflowItem(wf))
	case http.MethodDelete:
		if err := approvals.DeactivateWorkflow(r.Context(), org.ID, workflowID); err != nil {
			if errors.Is(err, errWorkflowNotFound) {
				routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "workflow_not_found", "workflow not found")
				return
			}
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "workflow_deactivate_failed", "workflow deactivate failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleApprovalRequestsAPI(w http.ResponseWriter, r *http.Request, approvals approvalStore, grants grantStore, notif notifier) {
	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		requests, err := approvals.ListRequests(r.Context(), org.ID,
			strings.TrimSpace(r.URL.Query().Get("grant_id")),
			strings.TrimSpace(r.URL.Query().Get("status")))
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_list_failed", "approval list failed")
			return
		}
		resp := approvalRequestListResponse{Requests: make([]approvalRequestItem, 0, len(requests))}
		for _, req := range requests {
			resp.Requests = append(resp.Requests, requestItem(req))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		handleApprovalRequestCreateAPI(w, r, org, member, approvals, grants, notif)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleApprovalRequestCreateAPI(w http.ResponseWriter, r *http.Request, org Org, member Member, approvals approvalStore, grants grantStore, notif notifier) {
	var payload approvalRequestCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	grant, found, err := grants.GetByID(r.Context(), org.ID, strings.TrimSpace(payload.GrantID))
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_create_failed", "approval create failed")
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "grant_not_found", "grant not found")
		return
	}
	if grant.Archived {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "grant_archived", "grant is archived")
		return
	}
	if !validStageTransition(grant.Stage, payload.ToStage) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_stage_transition", "invalid stage transition")
		return
	}

	wf, covered, err := approvals.ActiveWorkflowForEdge(r.Context(), org.ID, grant.Stage, payload.ToStage)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_create_failed", "approval create failed")
		return
	}
	if !covered {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "approval_not_required", "no workflow covers this edge; change the stage directly")
		return
	}

	req, err := approvals.CreateRequest(r.Context(), ApprovalRequest{
		OrgID:       org.ID,
		GrantID:     grant.ID,
		WorkflowID:  wf.ID,
		RequesterID: member.ID,
		FromStage:   grant.Stage,
		ToStage:     payload.ToStage,
	})
	if err != nil {
		if errors.Is(err, errApprovalPendingExists) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "approval_pending_exists", "a pending request already exists for this grant")
			return
		}
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_create_failed", "approval create failed")
		return
	}

	// Auto-decision rules run once, at creation. Deny rejects the request
	// outright; allow bypasses the approver chain.
	decision, ruleErr := autoRuleDecision(wf.Rules, approvalRuleContext(grant, payload.ToStage, member))
	switch {
	case ruleErr != nil:
		// A broken expression must not strand the request; the chain runs.
	case decision == ruleEffectDeny:
		rejected, err := approvals.CloseRequest(r.Context(), org.ID, req.ID, approvalStatusRejected, "auto_rule_deny")
		if err == nil {
			req = rejected
			notif.ApprovalDecided(r.Context(), org, grant, req)
		}
	case decision == ruleEffectAllow:
		completed, moved, err := completeApproval(r.Context(), org, req, approvals, grants)
		if err == nil {
			req = completed
			notif.ApprovalDecided(r.Context(), org, moved, req)
			notif.GrantStageChanged(r.Context(), org, moved, req.FromStage)
		}
	}

	writeJSON(w, http.StatusCreated, requestItem(req))
}

// handleApprovalRequestItemAPI serves /api/v1/approvals/{id} and
// /api/v1/approvals/{id}/decide.
func handleApprovalRequestItemAPI(w http.ResponseWriter, r *http.Request, approvals approvalStore, grants grantStore, notif notifier) {
	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	segments := splitPathSegments(r.URL.Path)
	switch {
	case len(segments) == 4 && r.Method == http.MethodGet:
		req, found, err := approvals.GetRequest(r.Context(), org.ID, segments[3])
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_get_failed", "approval get failed")
			return
		}
		if !found {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "approval_not_found", "approval not found")
			return
		}
		writeJSON(w, http.StatusOK, requestItem(req))
	case len(segments) == 5 && segments[4] == "decide" && r.Method == http.MethodPost:
		handleApprovalDecideAPI(w, r, org, member, segments[3], approvals, grants, notif)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "not_found", "not found")
	}
}

func handleApprovalDecideAPI(w http.ResponseWriter, r *http.Request, org Org, member Member, requestID string, approvals approvalStore, grants grantStore, notif notifier) {
	var payload approvalDecidePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	req, found, err := approvals.GetRequest(r.Context(), org.ID, requestID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_decide_failed", "approval decide failed")
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "approval_not_found", "approval not found")
		return
	}
	if req.Status != approvalStatusPending {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "approval_not_pending", "approval already decided")
		return
	}

	wf, found, err := approvals.GetWorkflow(r.Context(), org.ID, req.WorkflowID)
	if err != nil || !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_decide_failed", "approval decide failed")
		return
	}
	if req.Level >= len(wf.ApproverIDs) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_level_invalid", "approval level exceeds chain")
		return
	}

	switch payload.Action {
	case "approve", "reject":
		// Only the approver at the current level decides.
		if wf.ApproverIDs[req.Level] != member.ID {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusForbidden, "not_current_approver", "not the approver for the current level")
			return
		}
	case "cancel":
		if req.RequesterID != member.ID && member.Role != authz.RoleOwner && member.Role != authz.RoleOrgAdmin {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusForbidden, "not_requester", "only the requester or an admin may cancel")
			return
		}
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_action", "action must be approve, reject, or cancel")
		return
	}

	switch payload.Action {
	case "reject":
		closed, err := approvals.CloseRequest(r.Context(), org.ID, req.ID, approvalStatusRejected, payload.Reason)
		if err != nil {
			writeApprovalDecideError(w, r, err)
			return
		}
		if grant, found, err := grants.GetByID(r.Context(), org.ID, req.GrantID); err == nil && found {
			notif.ApprovalDecided(r.Context(), org, grant, closed)
		}
		writeJSON(w, http.StatusOK, requestItem(closed))
	case "cancel":
		closed, err := approvals.CloseRequest(r.Context(), org.ID, req.ID, approvalStatusCanceled, payload.Reason)
		if err != nil {
			writeApprovalDecideError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, requestItem(closed))
	case "approve":
		if req.Level == len(wf.ApproverIDs)-1 {
			completed, grant, err := completeApproval(r.Context(), org, req, approvals, grants)
			if err != nil {
				writeApprovalDecideError(w, r, err)
				return
			}
			notif.ApprovalDecided(r.Context(), org, grant, completed)
			notif.GrantStageChanged(r.Context(), org, grant, completed.FromStage)
			writeJSON(w, http.StatusOK, requestItem(completed))
			return
		}
		advanced, err := approvals.AdvanceRequest(r.Context(), org.ID, req.ID, req.Level)
		if err != nil {
			writeApprovalDecideError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, requestItem(advanced))
	}
}

// completeApproval applies the stage transition and closes the request. The
// transition is a compare-and-set on the grant's stage, so a grant that moved
// since the request was created cancels the request instead of landing.
func completeApproval(ctx context.Context, org Org, req ApprovalRequest, approvals approvalStore, grants grantStore) (ApprovalRequest, Grant, error) {
	grant, err := grants.SetStage(ctx, org.ID, req.GrantID, req.FromStage, req.ToStage)
	if err != nil {
		if errors.Is(err, errGrantStageConflict) || errors.Is(err, errGrantArchived) {
			if _, closeErr := approvals.CloseRequest(ctx, org.ID, req.ID, approvalStatusCanceled, "stage_conflict"); closeErr != nil {
				return ApprovalRequest{}, Grant{}, closeErr
			}
		}
		return ApprovalRequest{}, Grant{}, err
	}
	closed, err := approvals.CloseRequest(ctx, org.ID, req.ID, approvalStatusApproved, "")
	if err != nil {
		return ApprovalRequest{}, Grant{}, err
	}
	return closed, grant, nil
}

func writeApprovalDecideError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errApprovalNotFound):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "approval_not_found", "approval not found")
	case errors.Is(err, errApprovalNotPending):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "approval_not_pending", "approval already decided")
	case errors.Is(err, errApprovalLevelConflict):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "approval_level_conflict", "approval level changed; retry")
	case errors.Is(err, errGrantStageConflict):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "grant_stage_conflict", "grant left the source stage; request canceled")
	case errors.Is(err, errGrantArchived):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "grant_archived", "grant is archived; request canceled")
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "approval_decide_failed", "approval decide failed")
	}
}
