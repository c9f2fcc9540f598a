package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

const inviteTTL = 7 * 24 * time.Hour

// inviteMailer delivers the invite token to the invitee.
type inviteMailer interface {
	SendInvite(ctx context.Context, toEmail string, orgName string, token string) error
}

type memberListResponse struct {
	Members []memberProfile `json:"members"`
}

type invitePayload struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type inviteResponse struct {
	InviteID  string    `json:"invite_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
	// Returned only when no mailer is configured, so an admin can hand the
	// token over manually.
	Token string `json:"token,omitempty"`
}

type memberRolePayload struct {
	Role string `json:"role"`
}

type inviteAcceptPayload struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

// handleMembersAPI serves /api/v1/members: GET lists, POST invites.
func handleMembersAPI(w http.ResponseWriter, r *http.Request, members memberStore, mailer inviteMailer) {
	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		list, err := members.List(r.Context(), org.ID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "member_list_failed", "member list failed")
			return
		}
		resp := memberListResponse{Members: make([]memberProfile, 0, len(list))}
		for _, m := range list {
			resp.Members = append(resp.Members, profileOf(m))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		handleMemberInviteAPI(w, r, org, member, members, mailer)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleMemberInviteAPI(w http.ResponseWriter, r *http.Request, org Org, inviter Member, members memberStore, mailer inviteMailer) {
	var payload invitePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	payload.Email = normalizeEmail(payload.Email)
	if payload.Email == "" || !strings.Contains(payload.Email, "@") {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_email", "a valid email is required")
		return
	}
	if payload.Role == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_role", "role is required")
		return
	}
	if !validMemberRole(payload.Role) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_role", "invalid role")
		return
	}

	token, tokenSum, err := newInviteToken()
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "invite_failed", "invite failed")
		return
	}
	expiresAt := time.Now().UTC().Add(inviteTTL)
	inviteID, err := members.CreateInvite(r.Context(), org.ID, payload.Email, payload.Role, tokenSum, expiresAt, inviter.ID)
	if err != nil {
		if errors.Is(err, errInviteEmailConflict) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "invite_email_conflict", "a member with this email already exists")
			return
		}
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "invite_failed", "invite failed")
		return
	}

	resp := inviteResponse{
		InviteID:  inviteID,
		Email:     payload.Email,
		Role:      payload.Role,
		ExpiresAt: expiresAt,
	}
	if mailer != nil {
		if err := mailer.SendInvite(r.Context(), payload.Email, org.Name, token); err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadGateway, "invite_mail_failed", "invite email failed")
			return
		}
	} else {
		resp.Token = token
	}

	writeJSON(w, http.StatusCreated, resp)
}

// handleMemberItemAPI serves /api/v1/members/{id}: PATCH changes the role,
// DELETE disables the member. Last-owner protection lives in the store.
func handleMemberItemAPI(w http.ResponseWriter, r *http.Request, memberID string, members memberStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var payload memberRolePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		if !validMemberRole(payload.Role) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_role", "invalid role")
			return
		}
		m, err := members.SetRole(r.Context(), org.ID, memberID, payload.Role)
		if err != nil {
			writeMemberError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profileOf(m))
	case http.MethodDelete:
		if err := members.Disable(r.Context(), org.ID, memberID); err != nil {
			writeMemberError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleInviteAcceptAPI serves POST /iam/api/invites/accept. No session is
// required; the token is the credential.
func handleInviteAcceptAPI(w http.ResponseWriter, r *http.Request, members memberStore) {
	org, ok := currentOrg(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "org_missing", "org missing")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var payload inviteAcceptPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	payload.Token = strings.TrimSpace(payload.Token)
	if payload.Token == "" {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusBadRequest, "invalid_token", "token is required")
		return
	}

	m, err := members.AcceptInvite(r.Context(), org.ID, hashInviteToken(payload.Token), payload.Name)
	if err != nil {
		switch {
		case errors.Is(err, errInviteNotFound):
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusNotFound, "invite_not_found", "invite not found")
		case errors.Is(err, errInviteExpired):
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusGone, "invite_expired", "invite expired")
		default:
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "invite_accept_failed", "invite accept failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, profileOf(m))
}

func writeMemberError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errMemberNotFound):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "member_not_found", "member not found")
	case errors.Is(err, errLastOwner):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "last_owner", "the last active owner cannot be demoted or disabled")
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "member_op_failed", "member operation failed")
	}
}
