package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

func approvalFixture(t *testing.T, approverIDs []string, rules []ApprovalRule) (*memoryGrantStore, *memoryApprovalStore, Grant, ApprovalWorkflow) {
	t.Helper()

	grants := newMemoryGrantStore()
	approvals := newMemoryApprovalStore()
	g := createTestGrant(t, grants, Grant{Title: "Big ask", Stage: stageDrafting, AmountCents: 10_000_000, Funder: "NSF"})
	wf, err := approvals.CreateWorkflow(context.Background(), ApprovalWorkflow{
		OrgID:       testOrg.ID,
		Name:        "Submission sign-off",
		FromStage:   stageDrafting,
		ToStage:     stageSubmitted,
		ApproverIDs: approverIDs,
		Rules:       rules,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return grants, approvals, g, wf
}

func createApprovalRequest(t *testing.T, grants grantStore, approvals approvalStore, notif notifier, requester Member, grantID string) approvalRequestItem {
	t.Helper()

	rec := httptest.NewRecorder()
	handleApprovalRequestsAPI(rec, apiTestRequest(t, requester, http.MethodPost, "/api/v1/approvals",
		`{"grant_id":"`+grantID+`","to_stage":"submitted"}`), approvals, grants, notif)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create request status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var item approvalRequestItem
	if err := json.Unmarshal(rec.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return item
}

func decide(t *testing.T, grants grantStore, approvals approvalStore, notif notifier, member Member, requestID, action string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handleApprovalDecideAPI(rec, apiTestRequest(t, member, http.MethodPost, "/api/v1/approvals/"+requestID+"/decide",
		`{"action":"`+action+`"}`), testOrg, member, requestID, approvals, grants, notif)
	return rec
}

func TestApprovalChainAdvancesAndLands(t *testing.T) {
	first := activeMember("member-first", authz.RoleMember)
	second := activeMember("member-second", authz.RoleOrgAdmin)
	requester := activeMember("member-req", authz.RoleMember)
	notif := &recordingNotifier{}

	grants, approvals, g, _ := approvalFixture(t, []string{first.ID, second.ID}, nil)
	req := createApprovalRequest(t, grants, approvals, notif, requester, g.ID)
	if req.Status != approvalStatusPending || req.Level != 0 {
		t.Fatalf("new request: %+v", req)
	}

	// First approver advances the chain, the grant does not move yet.
	rec := decide(t, grants, approvals, notif, first, req.ID, "approve")
	if rec.Code != http.StatusOK {
		t.Fatalf("first approve status = %d: %s", rec.Code, rec.Body.String())
	}
	var advanced approvalRequestItem
	if err := json.Unmarshal(rec.Body.Bytes(), &advanced); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if advanced.Status != approvalStatusPending || advanced.Level != 1 {
		t.Fatalf("after first approve: %+v", advanced)
	}
	if mid, _, _ := grants.GetByID(context.Background(), testOrg.ID, g.ID); mid.Stage != stageDrafting {
		t.Fatalf("grant moved early: %s", mid.Stage)
	}

	// Final approver lands the transition.
	rec = decide(t, grants, approvals, notif, second, req.ID, "approve")
	if rec.Code != http.StatusOK {
		t.Fatalf("final approve status = %d: %s", rec.Code, rec.Body.String())
	}
	var done approvalRequestItem
	if err := json.Unmarshal(rec.Body.Bytes(), &done); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if done.Status != approvalStatusApproved {
		t.Fatalf("final status = %s", done.Status)
	}
	if after, _, _ := grants.GetByID(context.Background(), testOrg.ID, g.ID); after.Stage != stageSubmitted {
		t.Fatalf("grant stage = %s, want submitted", after.Stage)
	}
	if len(notif.decisions) != 1 || len(notif.stageChanges) != 1 {
		t.Fatalf("notifications = %v / %v", notif.decisions, notif.stageChanges)
	}
}

func TestApprovalOnlyCurrentApproverDecides(t *testing.T) {
	first := activeMember("member-first", authz.RoleMember)
	second := activeMember("member-second", authz.RoleMember)
	requester := activeMember("member-req", authz.RoleMember)
	notif := &recordingNotifier{}

	grants, approvals, g, _ := approvalFixture(t, []string{first.ID, second.ID}, nil)
	req := createApprovalRequest(t, grants, approvals, notif, requester, g.ID)

	// The second approver is not up yet.
	rec := decide(t, grants, approvals, notif, second, req.ID, "approve")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("out-of-turn approve status = %d, want 403: %s", rec.Code, rec.Body.String())
	}

	// A random member cannot reject either.
	rec = decide(t, grants, approvals, notif, requester, req.ID, "reject")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-approver reject status = %d, want 403", rec.Code)
	}
}

func TestApprovalCancelPermissions(t *testing.T) {
	first := activeMember("member-first", authz.RoleMember)
	requester := activeMember("member-req", authz.RoleMember)
	bystander := activeMember("member-other", authz.RoleMember)
	admin := activeMember("member-admin", authz.RoleOrgAdmin)
	notif := &recordingNotifier{}

	grants, approvals, g, _ := approvalFixture(t, []string{first.ID}, nil)
	req := createApprovalRequest(t, grants, approvals, notif, requester, g.ID)

	rec := decide(t, grants, approvals, notif, bystander, req.ID, "cancel")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bystander cancel status = %d, want 403", rec.Code)
	}

	rec = decide(t, grants, approvals, notif, admin, req.ID, "cancel")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin cancel status = %d: %s", rec.Code, rec.Body.String())
	}

	// A canceled request cannot be decided again.
	rec = decide(t, grants, approvals, notif, first, req.ID, "approve")
	if rec.Code != http.StatusConflict {
		t.Fatalf("decide after cancel status = %d, want 409", rec.Code)
	}
}

func TestApprovalStageConflictCancelsRequest(t *testing.T) {
	first := activeMember("member-first", authz.RoleMember)
	requester := activeMember("member-req", authz.RoleMember)
	notif := &recordingNotifier{}

	grants, approvals, g, _ := approvalFixture(t, []string{first.ID}, nil)
	req := createApprovalRequest(t, grants, approvals, notif, requester, g.ID)

	// The grant moves out from under the request.
	if _, err := grants.SetStage(context.Background(), testOrg.ID, g.ID, stageDrafting, stageResearch); err != nil {
		t.Fatalf("move grant: %v", err)
	}

	rec := decide(t, grants, approvals, notif, first, req.ID, "approve")
	if rec.Code != http.StatusConflict {
		t.Fatalf("approve after move status = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	stored, _, err := approvals.GetRequest(context.Background(), testOrg.ID, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != approvalStatusCanceled {
		t.Fatalf("request status = %s, want canceled", stored.Status)
	}
}

func TestApprovalPendingRequestIsExclusive(t *testing.T) {
	first := activeMember("member-first", authz.RoleMember)
	requester := activeMember("member-req", authz.RoleMember)
	notif := &recordingNotifier{}

	grants, approvals, g, _ := approvalFixture(t, []string{first.ID}, nil)
	createApprovalRequest(t, grants, approvals, notif, requester, g.ID)

	rec := httptest.NewRecorder()
	handleApprovalRequestsAPI(rec, apiTestRequest(t, requester, http.MethodPost, "/api/v1/approvals",
		`{"grant_id":"`+g.ID+`","to_stage":"submitted"}`), approvals, grants, notif)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second request status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestApprovalAutoRuleDeny(t *testing.T) {
	first := activeMember("member-first", authz.RoleMember)
	requester := activeMember("member-req", authz.RoleMember)
	notif := &recordingNotifier{}

	grants, approvals, g, _ := approvalFixture(t, []string{first.ID}, []ApprovalRule{
		{Expression: `int(ctx["amount_cents"]) >= 5000000`, Effect: ruleEffectDeny},
	})

	req := createApprovalRequest(t, grants, approvals, notif, requester, g.ID)
	if req.Status != approvalStatusRejected || req.Reason != "auto_rule_deny" {
		t.Fatalf("auto-denied request: %+v", req)
	}
	if after, _, _ := grants.GetByID(context.Background(), testOrg.ID, g.ID); after.Stage != stageDrafting {
		t.Fatalf("grant moved despite deny: %s", after.Stage)
	}
}

func TestApprovalAutoRuleAllowBypassesChain(t *testing.T) {
	first := activeMember("member-first", authz.RoleMember)
	requester := activeMember("member-req", authz.RoleMember)
	notif := &recordingNotifier{}

	grants, approvals, g, _ := approvalFixture(t, []string{first.ID}, []ApprovalRule{
		{Expression: `int(ctx["amount_cents"]) < 50000000`, Effect: ruleEffectAllow},
	})

	req := createApprovalRequest(t, grants, approvals, notif, requester, g.ID)
	if req.Status != approvalStatusApproved {
		t.Fatalf("auto-approved request: %+v", req)
	}
	if after, _, _ := grants.GetByID(context.Background(), testOrg.ID, g.ID); after.Stage != stageSubmitted {
		t.Fatalf("grant stage = %s, want submitted", after.Stage)
	}
}

func TestApprovalRequestRequiresCoveredEdge(t *testing.T) {
	requester := activeMember("member-req", authz.RoleMember)
	notif := &recordingNotifier{}
	grants := newMemoryGrantStore()
	approvals := newMemoryApprovalStore()
	g := createTestGrant(t, grants, Grant{Title: "Uncovered", Stage: stageResearch})

	rec := httptest.NewRecorder()
	handleApprovalRequestsAPI(rec, apiTestRequest(t, requester, http.MethodPost, "/api/v1/approvals",
		`{"grant_id":"`+g.ID+`","to_stage":"drafting"}`), approvals, grants, notif)
	if rec.Code != http.StatusConflict {
		t.Fatalf("uncovered edge status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestApprovalWorkflowCreateValidation(t *testing.T) {
	members := newMemoryMemberStore()
	admin := activeMember("member-admin", authz.RoleOrgAdmin)
	boss := activeMember("member-boss", authz.RoleOrgAdmin)
	members.put(admin)
	members.put(boss)
	approvals := newMemoryApprovalStore()

	// Terminal stages have no outgoing edges.
	rec := httptest.NewRecorder()
	handleApprovalWorkflowsAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/api/v1/approval-workflows",
		`{"name":"x","from_stage":"awarded","to_stage":"research","approver_ids":["member-boss"]}`), approvals, members)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("terminal edge status = %d, want 400: %s", rec.Code, rec.Body.String())
	}

	// Broken CEL fails at creation, not at request time.
	rec = httptest.NewRecorder()
	handleApprovalWorkflowsAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/api/v1/approval-workflows",
		`{"name":"x","from_stage":"drafting","to_stage":"submitted","approver_ids":["member-boss"],"rules":[{"expression":"not a program","effect":"deny"}]}`), approvals, members)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("broken rule status = %d, want 400: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handleApprovalWorkflowsAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/api/v1/approval-workflows",
		`{"name":"Sign-off","from_stage":"drafting","to_stage":"submitted","approver_ids":["member-boss"]}`), approvals, members)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	// The edge is now taken.
	rec = httptest.NewRecorder()
	handleApprovalWorkflowsAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/api/v1/approval-workflows",
		`{"name":"Duplicate","from_stage":"drafting","to_stage":"submitted","approver_ids":["member-boss"]}`), approvals, members)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate edge status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}
