package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

type commentItem struct {
	ID        string    `json:"id"`
	GrantID   string    `json:"grant_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type commentListResponse struct {
	Comments []commentItem `json:"comments"`
}

type commentCreatePayload struct {
	Body string `json:"body"`
}

func commentToItem(c Comment) commentItem {
	return commentItem{
		ID:        c.ID,
		GrantID:   c.GrantID,
		AuthorID:  c.AuthorID,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
	}
}

// handleGrantCommentsAPI serves /api/v1/grants/{id}/comments.
func handleGrantCommentsAPI(w http.ResponseWriter, r *http.Request, grantID string, comments commentStore, grants grantStore) {
	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	if _, found, err := grants.GetByID(r.Context(), org.ID, grantID); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "comment_list_failed", "comment list failed")
		return
	} else if !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "grant_not_found", "grant not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		list, err := comments.ListByGrant(r.Context(), org.ID, grantID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "comment_list_failed", "comment list failed")
			return
		}
		resp := commentListResponse{Comments: make([]commentItem, 0, len(list))}
		for _, c := range list {
			resp.Comments = append(resp.Comments, commentToItem(c))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		// Authors must be active members; invited or disabled members can
		// still hold a valid session for a short window.
		if member.Status != memberStatusActive {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusForbidden, "member_not_active", "member is not active")
			return
		}
		var payload commentCreatePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		payload.Body = strings.TrimSpace(payload.Body)
		if payload.Body == "" {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_body", "body is required")
			return
		}

		c, err := comments.Create(r.Context(), Comment{
			OrgID:    org.ID,
			GrantID:  grantID,
			AuthorID: member.ID,
			Body:     payload.Body,
		})
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "comment_create_failed", "comment create failed")
			return
		}
		writeJSON(w, http.StatusCreated, commentToItem(c))
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleCommentItemAPI serves DELETE /api/v1/comments/{id}. Only the author
// or an org admin/owner may delete.
func handleCommentItemAPI(w http.ResponseWriter, r *http.Request, commentID string, comments commentStore) {
	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodDelete {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	c, found, err := comments.Get(r.Context(), org.ID, commentID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "comment_delete_failed", "comment delete failed")
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "comment_not_found", "comment not found")
		return
	}
	if c.AuthorID != member.ID && member.Role != authz.RoleOwner && member.Role != authz.RoleOrgAdmin {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusForbidden, "not_author", "only the author or an admin may delete")
		return
	}

	if err := comments.Delete(r.Context(), org.ID, commentID); err != nil {
		if errors.Is(err, errCommentNotFound) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "comment_not_found", "comment not found")
			return
		}
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "comment_delete_failed", "comment delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
