package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/gcal"
	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

type stubPoster struct {
	slack []string
	teams []string
	err   error
}

func (p *stubPoster) PostSlack(_ context.Context, webhookURL, text string) error {
	if p.err != nil {
		return p.err
	}
	p.slack = append(p.slack, webhookURL+"|"+text)
	return nil
}

func (p *stubPoster) PostTeams(_ context.Context, webhookURL, text string) error {
	if p.err != nil {
		return p.err
	}
	p.teams = append(p.teams, webhookURL+"|"+text)
	return nil
}

type stubCalendarOAuth struct {
	tokens gcal.Tokens
	err    error
}

func (o stubCalendarOAuth) AuthURL(state string) string {
	return "https://accounts.google.example.com/o/oauth2/auth?state=" + state
}

func (o stubCalendarOAuth) Exchange(_ context.Context, _ string) (gcal.Tokens, error) {
	if o.err != nil {
		return gcal.Tokens{}, o.err
	}
	return o.tokens, nil
}

func TestMaskSecret(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"short", "••••"},
		{"https://hooks.slack.example.com/services/T000/B000/x", "https://hook…"},
	}
	for _, tc := range cases {
		if got := maskSecret(tc.in); got != tc.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIntegrationUpsertMasksWebhook(t *testing.T) {
	store := newMemoryIntegrationStore()
	admin := activeMember("member-admin", authz.RoleOrgAdmin)

	rec := httptest.NewRecorder()
	handleIntegrationItemAPI(rec, apiTestRequest(t, admin, http.MethodPut, "/api/v1/integrations/slack",
		`{"enabled":true,"webhook_url":"https://hooks.slack.example.com/services/T000/B000/secret"}`), "slack", store)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", rec.Code, rec.Body.String())
	}
	var item integrationItem
	if err := json.Unmarshal(rec.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !item.Connected || !item.Enabled {
		t.Fatalf("item = %+v", item)
	}
	if strings.Contains(item.WebhookURL, "secret") {
		t.Fatalf("webhook url leaked: %q", item.WebhookURL)
	}

	stored, found, err := store.Get(context.Background(), testOrg.ID, integrationSlack)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if stored.WebhookURL != "https://hooks.slack.example.com/services/T000/B000/secret" {
		t.Fatalf("stored url = %q", stored.WebhookURL)
	}
}

func TestIntegrationUpsertValidation(t *testing.T) {
	store := newMemoryIntegrationStore()
	admin := activeMember("member-admin", authz.RoleOrgAdmin)

	cases := []struct {
		name string
		kind string
		body string
		code int
	}{
		{"missing webhook", "slack", `{"enabled":true}`, http.StatusBadRequest},
		{"http scheme", "msteams", `{"enabled":true,"webhook_url":"http://x.example.com/hook"}`, http.StatusBadRequest},
		{"webhook on calendar", "google_calendar", `{"enabled":true,"webhook_url":"https://x.example.com"}`, http.StatusBadRequest},
		{"unknown kind", "pagerduty", `{"enabled":true}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handleIntegrationItemAPI(rec, apiTestRequest(t, admin, http.MethodPut, "/api/v1/integrations/"+tc.kind, tc.body), tc.kind, store)
		if rec.Code != tc.code {
			t.Errorf("%s: status = %d, want %d: %s", tc.name, rec.Code, tc.code, rec.Body.String())
		}
	}
}

func TestIntegrationUpsertKeepsRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIntegrationStore()
	if _, err := store.Upsert(ctx, Integration{OrgID: testOrg.ID, Kind: integrationGCal, Enabled: true, RefreshToken: "refresh-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	admin := activeMember("member-admin", authz.RoleOrgAdmin)
	rec := httptest.NewRecorder()
	handleIntegrationItemAPI(rec, apiTestRequest(t, admin, http.MethodPut, "/api/v1/integrations/google_calendar",
		`{"enabled":true,"calendar_id":"team@group.calendar.google.com"}`), "google_calendar", store)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", rec.Code, rec.Body.String())
	}

	stored, _, err := store.Get(ctx, testOrg.ID, integrationGCal)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.RefreshToken != "refresh-1" || stored.CalendarID != "team@group.calendar.google.com" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestIntegrationTestPing(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIntegrationStore()
	poster := &stubPoster{}
	admin := activeMember("member-admin", authz.RoleOrgAdmin)

	// Unconfigured channel.
	rec := httptest.NewRecorder()
	handleIntegrationTestAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/api/v1/integrations/slack/test", ""), "slack", store, poster)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unconfigured status = %d, want 404", rec.Code)
	}

	if _, err := store.Upsert(ctx, Integration{OrgID: testOrg.ID, Kind: integrationSlack, Enabled: true, WebhookURL: "https://hooks.slack.example.com/x"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec = httptest.NewRecorder()
	handleIntegrationTestAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/api/v1/integrations/slack/test", ""), "slack", store, poster)
	if rec.Code != http.StatusOK {
		t.Fatalf("ping status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(poster.slack) != 1 || !strings.Contains(poster.slack[0], testOrg.Name) {
		t.Fatalf("posted = %v", poster.slack)
	}

	// Google Calendar has no webhook to ping.
	rec = httptest.NewRecorder()
	handleIntegrationTestAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/api/v1/integrations/google_calendar/test", ""), "google_calendar", store, poster)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("calendar ping status = %d, want 400", rec.Code)
	}

	// A rejected webhook surfaces as a gateway error.
	poster.err = errors.New("410 gone")
	rec = httptest.NewRecorder()
	handleIntegrationTestAPI(rec, apiTestRequest(t, admin, http.MethodPost, "/api/v1/integrations/slack/test", ""), "slack", store, poster)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed ping status = %d, want 502", rec.Code)
	}
}

func TestGoogleOAuthFlow(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIntegrationStore()
	oauth := stubCalendarOAuth{tokens: gcal.Tokens{AccessToken: "at", RefreshToken: "rt-1", ExpiresIn: 3600}}
	admin := activeMember("member-admin", authz.RoleOrgAdmin)

	start := apiTestRequest(t, admin, http.MethodGet, "/api/v1/integrations/google/connect", "")
	start.AddCookie(&http.Cookie{Name: sidCookieName, Value: "sid-123"})
	rec := httptest.NewRecorder()
	handleGoogleOAuthStartAPI(rec, start, oauth)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var startResp oauthStartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &startResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	state := oauthState("sid-123")
	if !strings.Contains(startResp.AuthURL, "state="+state) {
		t.Fatalf("auth url = %q", startResp.AuthURL)
	}

	// Callback with a state minted for a different session is refused.
	cb := apiTestRequest(t, admin, http.MethodGet, "/webhooks/google/oauth/callback?state="+oauthState("other-sid")+"&code=c1", "")
	cb.AddCookie(&http.Cookie{Name: sidCookieName, Value: "sid-123"})
	rec = httptest.NewRecorder()
	handleGoogleOAuthCallback(rec, cb, store, oauth)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mismatched state status = %d, want 403", rec.Code)
	}

	cb = apiTestRequest(t, admin, http.MethodGet, "/webhooks/google/oauth/callback?state="+state+"&code=c1", "")
	cb.AddCookie(&http.Cookie{Name: sidCookieName, Value: "sid-123"})
	rec = httptest.NewRecorder()
	handleGoogleOAuthCallback(rec, cb, store, oauth)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d: %s", rec.Code, rec.Body.String())
	}

	stored, found, err := store.Get(ctx, testOrg.ID, integrationGCal)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if stored.RefreshToken != "rt-1" || !stored.Enabled {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestGoogleOAuthCallbackRequiresRefreshToken(t *testing.T) {
	store := newMemoryIntegrationStore()
	oauth := stubCalendarOAuth{tokens: gcal.Tokens{AccessToken: "at"}}
	admin := activeMember("member-admin", authz.RoleOrgAdmin)

	cb := apiTestRequest(t, admin, http.MethodGet, "/webhooks/google/oauth/callback?state="+oauthState("sid-1")+"&code=c1", "")
	cb.AddCookie(&http.Cookie{Name: sidCookieName, Value: "sid-1"})
	rec := httptest.NewRecorder()
	handleGoogleOAuthCallback(rec, cb, store, oauth)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rec.Code, rec.Body.String())
	}
}
