package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

type stubIdentityProvider struct {
	identityID string
	err        error
}

func (p stubIdentityProvider) AuthenticatePassword(_ context.Context, _ Org, email, _ string) (authenticatedIdentity, error) {
	if p.err != nil {
		return authenticatedIdentity{}, p.err
	}
	return authenticatedIdentity{IdentityID: p.identityID, Email: email}, nil
}

func loginRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	return apiTestRequest(t, Member{}, http.MethodPost, "/iam/api/sessions", body)
}

func TestLoginIssuesSession(t *testing.T) {
	members := newMemoryMemberStore()
	m := activeMember("member-1", authz.RoleMember)
	members.put(m)
	sessions := newMemorySessionStore()
	twoFactor := newMemoryTwoFactorStore()
	idp := stubIdentityProvider{identityID: "ident-1"}

	rec := httptest.NewRecorder()
	handleSessionsAPI(rec, loginRequest(t, `{"email":"member-1@acme.example.com","password":"hunter2"}`),
		sessions, members, twoFactor, idp)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SID == "" || resp.Member.ID != m.ID {
		t.Fatalf("login response = %+v", resp)
	}

	sess, found, err := sessions.Lookup(context.Background(), resp.SID)
	if err != nil || !found {
		t.Fatalf("lookup sid: found=%v err=%v", found, err)
	}
	if sess.OrgID != testOrg.ID || sess.MemberID != m.ID {
		t.Fatalf("session = %+v", sess)
	}

	var sawCookie bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == sidCookieName && c.Value == resp.SID {
			sawCookie = true
		}
	}
	if !sawCookie {
		t.Fatal("want sid cookie on login response")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	members := newMemoryMemberStore()
	members.put(activeMember("member-1", authz.RoleMember))
	sessions := newMemorySessionStore()
	twoFactor := newMemoryTwoFactorStore()

	// Unknown email and wrong password report the same error.
	rec := httptest.NewRecorder()
	handleSessionsAPI(rec, loginRequest(t, `{"email":"ghost@acme.example.com","password":"x"}`),
		sessions, members, twoFactor, stubIdentityProvider{identityID: "ident-1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown email status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	handleSessionsAPI(rec, loginRequest(t, `{"email":"member-1@acme.example.com","password":"wrong"}`),
		sessions, members, twoFactor, stubIdentityProvider{err: errInvalidCredentials})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", rec.Code)
	}
}

func TestLoginRequiresTOTPWhenEnabled(t *testing.T) {
	ctx := context.Background()
	members := newMemoryMemberStore()
	m := activeMember("member-1", authz.RoleMember)
	members.put(m)
	sessions := newMemorySessionStore()
	twoFactor := newMemoryTwoFactorStore()
	idp := stubIdentityProvider{identityID: "ident-1"}

	secret := "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	if err := twoFactor.Enroll(ctx, testOrg.ID, m.ID, secret); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if err := twoFactor.Activate(ctx, testOrg.ID, m.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Password alone is not enough.
	rec := httptest.NewRecorder()
	handleSessionsAPI(rec, loginRequest(t, `{"email":"member-1@acme.example.com","password":"hunter2"}`),
		sessions, members, twoFactor, idp)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing code status = %d, want 401: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handleSessionsAPI(rec, loginRequest(t, `{"email":"member-1@acme.example.com","password":"hunter2","totp_code":"000000"}`),
		sessions, members, twoFactor, idp)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad code status = %d, want 401", rec.Code)
	}

	code, err := totp.GenerateCode(secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	rec = httptest.NewRecorder()
	handleSessionsAPI(rec, loginRequest(t, `{"email":"member-1@acme.example.com","password":"hunter2","totp_code":"`+code+`"}`),
		sessions, members, twoFactor, idp)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid code status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRejectsDisabledMember(t *testing.T) {
	members := newMemoryMemberStore()
	m := activeMember("member-1", authz.RoleMember)
	m.Status = memberStatusDisabled
	members.put(m)

	rec := httptest.NewRecorder()
	handleSessionsAPI(rec, loginRequest(t, `{"email":"member-1@acme.example.com","password":"hunter2"}`),
		newMemorySessionStore(), members, newMemoryTwoFactorStore(), stubIdentityProvider{identityID: "ident-1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("disabled member status = %d, want 401", rec.Code)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	ctx := context.Background()
	sessions := newMemorySessionStore()
	sid, err := sessions.Create(ctx, testOrg.ID, "member-1", time.Now().Add(time.Hour), "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	r := apiTestRequest(t, Member{}, http.MethodDelete, "/iam/api/sessions", "")
	r.AddCookie(&http.Cookie{Name: sidCookieName, Value: sid})
	rec := httptest.NewRecorder()
	handleSessionsAPI(rec, r, sessions, newMemoryMemberStore(), newMemoryTwoFactorStore(), stubIdentityProvider{})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}

	if _, found, _ := sessions.Lookup(ctx, sid); found {
		t.Fatal("session still resolvable after logout")
	}
}

func TestWhoami(t *testing.T) {
	m := activeMember("member-1", authz.RoleViewer)
	rec := httptest.NewRecorder()
	handleWhoamiAPI(rec, apiTestRequest(t, m, http.MethodGet, "/iam/api/sessions/current", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("whoami status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp whoamiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Org != testOrg.Slug || resp.Member.ID != m.ID || resp.Member.Role != authz.RoleViewer {
		t.Fatalf("whoami = %+v", resp)
	}
}
