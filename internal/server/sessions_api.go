package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

type memberProfile struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

type loginResponse struct {
	SID       string        `json:"sid"`
	ExpiresAt time.Time     `json:"expires_at"`
	Member    memberProfile `json:"member"`
}

type whoamiResponse struct {
	Org    string        `json:"org"`
	Member memberProfile `json:"member"`
}

func profileOf(m Member) memberProfile {
	return memberProfile{ID: m.ID, Email: m.Email, Name: m.Name, Role: m.Role, Status: m.Status}
}

// handleSessionsAPI serves /iam/api/sessions: POST logs in, DELETE logs out.
func handleSessionsAPI(w http.ResponseWriter, r *http.Request, sessions sessionStore, members memberStore, twoFactor twoFactorStore, idp identityProvider) {
	switch r.Method {
	case http.MethodPost:
		handleLoginAPI(w, r, sessions, members, twoFactor, idp)
	case http.MethodDelete:
		handleLogoutAPI(w, r, sessions)
	default:
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleLoginAPI(w http.ResponseWriter, r *http.Request, sessions sessionStore, members memberStore, twoFactor twoFactorStore, idp identityProvider) {
	org, ok := currentOrg(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "org_missing", "org missing")
		return
	}

	var payload loginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	payload.Email = normalizeEmail(payload.Email)
	if payload.Email == "" || payload.Password == "" {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusBadRequest, "invalid_credentials_payload", "email and password are required")
		return
	}

	member, found, err := members.GetByEmail(r.Context(), org.ID, payload.Email)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "login_failed", "login failed")
		return
	}
	if !found || member.Status != memberStatusActive {
		// Indistinguishable from a wrong password on purpose.
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	ident, err := idp.AuthenticatePassword(r.Context(), org, payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusBadGateway, "identity_unavailable", "identity service unavailable")
		return
	}
	if err := members.LinkIdentity(r.Context(), org.ID, member.ID, ident.IdentityID); err != nil {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusUnauthorized, "identity_mismatch", "identity mismatch")
		return
	}

	// Members with an active TOTP secret must present a code (or a
	// recovery code) before a session is issued.
	_, enabled, err := twoFactor.ActiveSecret(r.Context(), org.ID, member.ID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "login_failed", "login failed")
		return
	}
	if enabled {
		code := strings.TrimSpace(payload.TOTPCode)
		if code == "" {
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusUnauthorized, "totp_required", "totp code required")
			return
		}
		codeOK, _, err := checkTwoFactorCode(r.Context(), twoFactor, org.ID, member.ID, code)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "login_failed", "login failed")
			return
		}
		if !codeOK {
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusUnauthorized, "invalid_totp_code", "invalid totp code")
			return
		}
	}

	expiresAt := time.Now().UTC().Add(sidTTLFromEnv())
	sid, err := sessions.Create(r.Context(), org.ID, member.ID, expiresAt, clientIP(r), r.UserAgent())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "login_failed", "login failed")
		return
	}

	setSIDCookie(w, sid)
	writeJSON(w, http.StatusOK, loginResponse{
		SID:       sid,
		ExpiresAt: expiresAt,
		Member:    profileOf(member),
	})
}

func handleLogoutAPI(w http.ResponseWriter, r *http.Request, sessions sessionStore) {
	sid, ok := readSID(r)
	if ok {
		_ = sessions.Revoke(r.Context(), sid)
	}
	clearSIDCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleWhoamiAPI serves GET /iam/api/sessions/current.
func handleWhoamiAPI(w http.ResponseWriter, r *http.Request) {
	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, whoamiResponse{Org: org.Slug, Member: profileOf(member)})
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
