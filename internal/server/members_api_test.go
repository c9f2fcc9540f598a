package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

type stubInviteMailer struct {
	sent []string
	err  error
}

func (m *stubInviteMailer) SendInvite(_ context.Context, toEmail, orgName, token string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, toEmail)
	return nil
}

func inviteMember(t *testing.T, members memberStore, mailer inviteMailer, email, role string) inviteResponse {
	t.Helper()

	admin := activeMember("member-admin", authz.RoleOrgAdmin)
	rec := httptest.NewRecorder()
	handleMembersAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/iam/api/members",
		`{"email":"`+email+`","role":"`+role+`"}`), members, mailer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("invite status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp inviteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode invite: %v", err)
	}
	return resp
}

func TestMemberInviteReturnsTokenWithoutMailer(t *testing.T) {
	members := newMemoryMemberStore()

	resp := inviteMember(t, members, nil, "newhire@acme.example.com", authz.RoleMember)
	if resp.Token == "" {
		t.Fatal("want token in response when no mailer is configured")
	}
	if resp.Email != "newhire@acme.example.com" || resp.Role != authz.RoleMember {
		t.Fatalf("invite = %+v", resp)
	}
}

func TestMemberInviteMailerSuppressesToken(t *testing.T) {
	members := newMemoryMemberStore()
	mailer := &stubInviteMailer{}

	resp := inviteMember(t, members, mailer, "newhire@acme.example.com", authz.RoleViewer)
	if resp.Token != "" {
		t.Fatal("token must not appear in the response when mail was delivered")
	}
	if len(mailer.sent) != 1 || mailer.sent[0] != "newhire@acme.example.com" {
		t.Fatalf("sent = %v", mailer.sent)
	}
}

func TestMemberInviteValidation(t *testing.T) {
	members := newMemoryMemberStore()
	members.put(activeMember("member-exists", authz.RoleMember))
	admin := activeMember("member-admin", authz.RoleOrgAdmin)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing email", `{"role":"member"}`, http.StatusBadRequest},
		{"not an email", `{"email":"nope","role":"member"}`, http.StatusBadRequest},
		{"unknown role", `{"email":"a@b.example.com","role":"root"}`, http.StatusBadRequest},
		{"existing member", `{"email":"member-exists@acme.example.com","role":"member"}`, http.StatusConflict},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handleMembersAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/iam/api/members", tc.body), members, nil)
		if rec.Code != tc.code {
			t.Errorf("%s: status = %d, want %d: %s", tc.name, rec.Code, tc.code, rec.Body.String())
		}
	}
}

func TestInviteAcceptFlow(t *testing.T) {
	members := newMemoryMemberStore()
	resp := inviteMember(t, members, nil, "newhire@acme.example.com", authz.RoleMember)

	rec := httptest.NewRecorder()
	handleInviteAcceptAPI(rec, apiTestRequest(t, Member{}, http.MethodPost, "/iam/api/invites/accept",
		`{"token":"`+resp.Token+`","name":"New Hire"}`), members)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d: %s", rec.Code, rec.Body.String())
	}
	var prof memberProfile
	if err := json.Unmarshal(rec.Body.Bytes(), &prof); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if prof.Email != "newhire@acme.example.com" || prof.Name != "New Hire" || prof.Status != memberStatusActive {
		t.Fatalf("profile = %+v", prof)
	}

	// Tokens are single-use.
	rec = httptest.NewRecorder()
	handleInviteAcceptAPI(rec, apiTestRequest(t, Member{}, http.MethodPost, "/iam/api/invites/accept",
		`{"token":"`+resp.Token+`","name":"New Hire"}`), members)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second accept status = %d, want 404", rec.Code)
	}
}

func TestInviteAcceptRejectsUnknownToken(t *testing.T) {
	members := newMemoryMemberStore()
	rec := httptest.NewRecorder()
	handleInviteAcceptAPI(rec, apiTestRequest(t, Member{}, http.MethodPost, "/iam/api/invites/accept",
		`{"token":"bogus"}`), members)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestMemberRoleChangeAndLastOwner(t *testing.T) {
	members := newMemoryMemberStore()
	owner := activeMember("member-owner", authz.RoleOwner)
	other := activeMember("member-other", authz.RoleMember)
	members.put(owner)
	members.put(other)

	rec := httptest.NewRecorder()
	handleMemberItemAPI(rec, apiTestRequest(t, owner, http.MethodPatch, "/iam/api/members/member-other",
		`{"role":"admin"}`), "member-other", members)
	if rec.Code != http.StatusOK {
		t.Fatalf("promote status = %d: %s", rec.Code, rec.Body.String())
	}
	var prof memberProfile
	if err := json.Unmarshal(rec.Body.Bytes(), &prof); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if prof.Role != authz.RoleOrgAdmin {
		t.Fatalf("role = %s, want admin", prof.Role)
	}

	// The sole owner can neither step down nor be disabled.
	rec = httptest.NewRecorder()
	handleMemberItemAPI(rec, apiTestRequest(t, owner, http.MethodPatch, "/iam/api/members/member-owner",
		`{"role":"member"}`), "member-owner", members)
	if rec.Code != http.StatusConflict {
		t.Fatalf("demote last owner status = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handleMemberItemAPI(rec, apiTestRequest(t, owner, http.MethodDelete, "/iam/api/members/member-owner", ""), "member-owner", members)
	if rec.Code != http.StatusConflict {
		t.Fatalf("disable last owner status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestMemberDisable(t *testing.T) {
	members := newMemoryMemberStore()
	owner := activeMember("member-owner", authz.RoleOwner)
	other := activeMember("member-other", authz.RoleMember)
	members.put(owner)
	members.put(other)

	rec := httptest.NewRecorder()
	handleMemberItemAPI(rec, apiTestRequest(t, owner, http.MethodDelete, "/iam/api/members/member-other", ""), "member-other", members)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disable status = %d: %s", rec.Code, rec.Body.String())
	}
	m, _, err := members.GetByID(context.Background(), testOrg.ID, "member-other")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Status != memberStatusDisabled {
		t.Fatalf("status = %s, want disabled", m.Status)
	}
}
