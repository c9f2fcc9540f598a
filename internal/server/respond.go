package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

func splitPathSegments(path string) []string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// currentOrgAndMember pulls the resolved org and authenticated member off
// the request context. Both are installed by the session middleware, so a
// miss here means the route was wired without it.
func currentOrgAndMember(w http.ResponseWriter, r *http.Request) (Org, Member, bool) {
	org, ok := currentOrg(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "org_missing", "org missing")
		return Org{}, Member{}, false
	}
	member, ok := currentMember(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return Org{}, Member{}, false
	}
	return org, member, true
}
