package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/gcal"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

// webhookPoster is the outbound edge for Slack/Teams messages.
type webhookPoster interface {
	PostSlack(ctx context.Context, webhookURL string, text string) error
	PostTeams(ctx context.Context, webhookURL string, text string) error
}

// calendarOAuth is the Google OAuth edge used by the connect flow.
type calendarOAuth interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (gcal.Tokens, error)
}

type integrationItem struct {
	Kind       string    `json:"kind"`
	Enabled    bool      `json:"enabled"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	CalendarID string    `json:"calendar_id,omitempty"`
	Connected  bool      `json:"connected"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type integrationListResponse struct {
	Integrations []integrationItem `json:"integrations"`
}

type integrationUpsertPayload struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	CalendarID string `json:"calendar_id"`
}

type oauthStartResponse struct {
	AuthURL string `json:"auth_url"`
}

// maskSecret keeps enough of a secret to recognize it, never enough to use.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 12 {
		return "••••"
	}
	return s[:12] + "…"
}

func integrationToItem(intg Integration) integrationItem {
	return integrationItem{
		Kind:       intg.Kind,
		Enabled:    intg.Enabled,
		WebhookURL: maskSecret(intg.WebhookURL),
		CalendarID: intg.CalendarID,
		Connected:  intg.WebhookURL != "" || intg.RefreshToken != "",
		UpdatedAt:  intg.UpdatedAt,
	}
}

func handleIntegrationsAPI(w http.ResponseWriter, r *http.Request, store integrationStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	list, err := store.List(r.Context(), org.ID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "integration_list_failed", "integration list failed")
		return
	}
	resp := integrationListResponse{Integrations: make([]integrationItem, 0, len(list))}
	for _, intg := range list {
		resp.Integrations = append(resp.Integrations, integrationToItem(intg))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIntegrationItemAPI serves /api/v1/integrations/{kind}: PUT upserts,
// DELETE removes.
func handleIntegrationItemAPI(w http.ResponseWriter, r *http.Request, kind string, store integrationStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if !validIntegrationKind(kind) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "integration_unknown", "unknown integration kind")
		return
	}

	switch r.Method {
	case http.MethodPut:
		var payload integrationUpsertPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		payload.WebhookURL = strings.TrimSpace(payload.WebhookURL)
		switch kind {
		case integrationSlack, integrationMSTeams:
			if payload.WebhookURL == "" {
				routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_webhook_url", "webhook_url is required")
				return
			}
			if u, err := url.Parse(payload.WebhookURL); err != nil || u.Scheme != "https" || u.Host == "" {
				routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_webhook_url", "webhook_url must be https")
				return
			}
		case integrationGCal:
			// The refresh token only ever arrives via the OAuth callback.
			if payload.WebhookURL != "" {
				routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_field", "google_calendar takes no webhook_url")
				return
			}
		}

		existing, _, err := store.Get(r.Context(), org.ID, kind)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "integration_save_failed", "integration save failed")
			return
		}
		intg, err := store.Upsert(r.Context(), Integration{
			OrgID:        org.ID,
			Kind:         kind,
			Enabled:      payload.Enabled,
			WebhookURL:   payload.WebhookURL,
			RefreshToken: existing.RefreshToken,
			CalendarID:   strings.TrimSpace(payload.CalendarID),
		})
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "integration_save_failed", "integration save failed")
			return
		}
		writeJSON(w, http.StatusOK, integrationToItem(intg))
	case http.MethodDelete:
		if err := store.Delete(r.Context(), org.ID, kind); err != nil {
			if errors.Is(err, errIntegrationNotFound) {
				routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "integration_not_found", "integration not found")
				return
			}
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "integration_delete_failed", "integration delete failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleIntegrationTestAPI posts a ping through the configured channel.
func handleIntegrationTestAPI(w http.ResponseWriter, r *http.Request, kind string, store integrationStore, poster webhookPoster) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if kind != integrationSlack && kind != integrationMSTeams {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "integration_untestable", "only webhook channels can be pinged")
		return
	}

	intg, found, err := store.Get(r.Context(), org.ID, kind)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "integration_test_failed", "integration test failed")
		return
	}
	if !found || intg.WebhookURL == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "integration_not_found", "integration not configured")
		return
	}

	text := "Grant tracker test ping from " + org.Name
	if kind == integrationSlack {
		err = poster.PostSlack(r.Context(), intg.WebhookURL, text)
	} else {
		err = poster.PostTeams(r.Context(), intg.WebhookURL, text)
	}
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadGateway, "integration_ping_failed", "channel did not accept the ping")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// oauthState derives a state value from the caller's session so the
// callback can verify the browser that started the flow finishes it.
func oauthState(sid string) string {
	sum := sha256.Sum256([]byte("gcal-state:" + sid))
	return hex.EncodeToString(sum[:16])
}

func handleGoogleOAuthStartAPI(w http.ResponseWriter, r *http.Request, oauth calendarOAuth) {
	_, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if oauth == nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusServiceUnavailable, "google_oauth_unconfigured", "google oauth is not configured")
		return
	}
	sid, ok := readSID(r)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, oauthStartResponse{AuthURL: oauth.AuthURL(oauthState(sid))})
}

// handleGoogleOAuthCallback serves /webhooks/google/oauth/callback.
func handleGoogleOAuthCallback(w http.ResponseWriter, r *http.Request, store integrationStore, oauth calendarOAuth) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if oauth == nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusServiceUnavailable, "google_oauth_unconfigured", "google oauth is not configured")
		return
	}

	sid, hasSID := readSID(r)
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if !hasSID || state == "" || state != oauthState(sid) {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusForbidden, "oauth_state_mismatch", "oauth state mismatch")
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "oauth_code_missing", "missing authorization code")
		return
	}

	tokens, err := oauth.Exchange(r.Context(), code)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadGateway, "oauth_exchange_failed", "code exchange failed")
		return
	}
	if tokens.RefreshToken == "" {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadGateway, "oauth_no_refresh_token", "no refresh token granted")
		return
	}

	existing, _, err := store.Get(r.Context(), org.ID, integrationGCal)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusInternalServerError, "integration_save_failed", "integration save failed")
		return
	}
	intg, err := store.Upsert(r.Context(), Integration{
		OrgID:        org.ID,
		Kind:         integrationGCal,
		Enabled:      true,
		RefreshToken: tokens.RefreshToken,
		CalendarID:   existing.CalendarID,
	})
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusInternalServerError, "integration_save_failed", "integration save failed")
		return
	}

	writeJSON(w, http.StatusOK, integrationToItem(intg))
}
