package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

// newAssembledHandler builds the full middleware + mux stack over memory
// stores, with one active owner ready to log in.
func newAssembledHandler(t *testing.T) http.Handler {
	t.Helper()

	members := newMemoryMemberStore()
	members.put(activeMember("owner-1", authz.RoleOwner))

	h, err := NewHandlerWithOptions(HandlerOptions{
		OrgResolver:      newStaticOrgResolver(map[string]Org{testOrg.Domain: testOrg}),
		IdentityProvider: stubIdentityProvider{identityID: "ident-owner"},
		Sessions:         newMemorySessionStore(),
		Members:          members,
		TwoFactor:        newMemoryTwoFactorStore(),
		Grants:           newMemoryGrantStore(),
		Tasks:            newMemoryTaskStore(),
		Comments:         newMemoryCommentStore(),
		Approvals:        newMemoryApprovalStore(),
		Integrations:     newMemoryIntegrationStore(),
		Notifier:         &recordingNotifier{},
		Poster:           &stubPoster{},
		Opportunities:    &stubOpportunitySource{},
		RateLimiter:      newMemoryRateLimiter(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return h
}

func serveRequest(h http.Handler, method, path, sid, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, "http://"+testOrg.Domain+path, nil)
	} else {
		r = httptest.NewRequest(method, "http://"+testOrg.Domain+path, strings.NewReader(body))
	}
	if sid != "" {
		r.Header.Set("Authorization", "Bearer "+sid)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func loginOwner(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := serveRequest(h, http.MethodPost, "/iam/api/sessions", "",
		`{"email":"owner-1@acme.example.com","password":"hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if resp.SID == "" {
		t.Fatal("login returned empty sid")
	}
	return resp.SID
}

// Collection paths must be served directly: a ServeMux that only knows the
// subtree form answers the bare path with a 307 to the trailing-slash form,
// which no dispatcher handles.
func TestHandlerServesCollectionRoutes(t *testing.T) {
	h := newAssembledHandler(t)
	sid := loginOwner(t, h)

	for _, path := range []string{
		"/api/v1/grants",
		"/api/v1/approvals",
		"/api/v1/approval-workflows",
		"/api/v1/integrations",
		"/iam/api/members",
	} {
		rec := serveRequest(h, http.MethodGet, path, sid, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d: %s", path, rec.Code, rec.Body.String())
		}
		if loc := rec.Header().Get("Location"); loc != "" {
			t.Fatalf("GET %s redirected to %q", path, loc)
		}
	}
}

func TestHandlerCreateAndFetchGrant(t *testing.T) {
	h := newAssembledHandler(t)
	sid := loginOwner(t, h)

	rec := serveRequest(h, http.MethodPost, "/api/v1/grants", sid,
		`{"title":"STEM Pipeline","funder":"NSF","amount_cents":1200000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created grantItem
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	rec = serveRequest(h, http.MethodGet, "/api/v1/grants/"+created.ID, sid, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch status = %d: %s", rec.Code, rec.Body.String())
	}
	var fetched grantItem
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode fetch: %v", err)
	}
	if fetched.ID != created.ID || fetched.Title != "STEM Pipeline" {
		t.Fatalf("fetched = %+v", fetched)
	}

	rec = serveRequest(h, http.MethodGet, "/api/v1/grants", sid, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body.String())
	}
	var list grantListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Grants) != 1 || list.Grants[0].ID != created.ID {
		t.Fatalf("list = %+v", list.Grants)
	}
}

func TestHandlerRejectsMissingSession(t *testing.T) {
	h := newAssembledHandler(t)

	rec := serveRequest(h, http.MethodGet, "/api/v1/grants", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Code != "unauthenticated" {
		t.Fatalf("code = %q", env.Code)
	}
}

// Construction must not depend on GRANTS_GOV_BASE_URL: the client defaults
// its base URL and the import handler degrades when lookups fail.
func TestHandlerBuildsWithoutGrantsGovEnv(t *testing.T) {
	t.Setenv("GRANTS_GOV_BASE_URL", "")

	_, err := NewHandlerWithOptions(HandlerOptions{
		OrgResolver:      newStaticOrgResolver(map[string]Org{testOrg.Domain: testOrg}),
		IdentityProvider: stubIdentityProvider{identityID: "ident-owner"},
		Sessions:         newMemorySessionStore(),
		Members:          newMemoryMemberStore(),
		TwoFactor:        newMemoryTwoFactorStore(),
		Grants:           newMemoryGrantStore(),
		Tasks:            newMemoryTaskStore(),
		Comments:         newMemoryCommentStore(),
		Approvals:        newMemoryApprovalStore(),
		Integrations:     newMemoryIntegrationStore(),
		Notifier:         &recordingNotifier{},
		Poster:           &stubPoster{},
		RateLimiter:      newMemoryRateLimiter(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
}
