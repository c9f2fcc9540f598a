package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		switch path {
		case "/health", "/healthz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		org, ok := currentOrg(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "org_missing", "org missing")
			return
		}

		role := authz.RoleAnonymous
		if m, ok := currentMember(r.Context()); ok {
			role = m.Role
		}

		subject := authz.SubjectFromRole(role)
		domain := authz.DomainFromOrgID(org.ID)

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	// Grant subresources.
	if pathMatchRouteTemplate(path, "/api/v1/grants/{grant_id}/tasks") {
		if method == http.MethodGet {
			return authz.ObjectGrantsTasks, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectGrantsTasks, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/grants/{grant_id}/comments") {
		if method == http.MethodGet {
			return authz.ObjectGrantsComments, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectGrantsComments, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/grants/{grant_id}/stage") {
		if method == http.MethodPost {
			return authz.ObjectGrantsGrants, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/grants/{grant_id}/summarize") {
		if method == http.MethodPost {
			return authz.ObjectGrantsNOFO, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/grants/{grant_id}") {
		if method == http.MethodGet {
			return authz.ObjectGrantsGrants, authz.ActionRead, true
		}
		if method == http.MethodPatch || method == http.MethodDelete {
			return authz.ObjectGrantsGrants, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/tasks/{task_id}") {
		if method == http.MethodPatch || method == http.MethodDelete {
			return authz.ObjectGrantsTasks, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/comments/{comment_id}") {
		if method == http.MethodDelete {
			return authz.ObjectGrantsComments, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/approval-workflows/{workflow_id}") {
		if method == http.MethodGet {
			return authz.ObjectApprovalWorkflows, authz.ActionRead, true
		}
		if method == http.MethodDelete {
			return authz.ObjectApprovalWorkflows, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/approvals/{request_id}/decide") {
		if method == http.MethodPost {
			return authz.ObjectApprovalRequests, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/approvals/{request_id}") {
		if method == http.MethodGet {
			return authz.ObjectApprovalRequests, authz.ActionRead, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/integrations/{kind}/test") {
		if method == http.MethodPost {
			return authz.ObjectIntegrationsSettings, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/api/v1/integrations/{kind}") {
		if method == http.MethodPut || method == http.MethodDelete {
			return authz.ObjectIntegrationsSettings, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/iam/api/members/{member_id}") {
		if method == http.MethodPatch || method == http.MethodDelete {
			return authz.ObjectOrgMembers, authz.ActionAdmin, true
		}
		return "", "", false
	}

	switch path {
	case "/iam/api/sessions":
		// Login and logout are gated by credentials, not by role.
		return "", "", false
	case "/iam/api/sessions/current":
		if method == http.MethodGet {
			return authz.ObjectIAMSession, authz.ActionRead, true
		}
		return "", "", false
	case "/iam/api/2fa":
		if method == http.MethodGet {
			return authz.ObjectIAMTwoFactor, authz.ActionRead, true
		}
		return "", "", false
	case "/iam/api/2fa/enroll", "/iam/api/2fa/verify", "/iam/api/2fa/disable":
		if method == http.MethodPost {
			return authz.ObjectIAMTwoFactor, authz.ActionAdmin, true
		}
		return "", "", false
	case "/iam/api/members":
		if method == http.MethodGet {
			return authz.ObjectOrgMembers, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectOrgInvites, authz.ActionAdmin, true
		}
		return "", "", false
	case "/iam/api/invites/accept":
		// Invite acceptance happens before the member has a session.
		return "", "", false
	case "/api/v1/grants":
		if method == http.MethodGet {
			return authz.ObjectGrantsGrants, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectGrantsGrants, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/v1/grants/import":
		if method == http.MethodPost {
			return authz.ObjectGrantsGrants, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/v1/exports/grants.csv", "/api/v1/exports/deadlines.ics":
		if method == http.MethodGet {
			return authz.ObjectGrantsExports, authz.ActionRead, true
		}
		return "", "", false
	case "/api/v1/approval-workflows":
		if method == http.MethodGet {
			return authz.ObjectApprovalWorkflows, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectApprovalWorkflows, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/v1/approvals":
		if method == http.MethodGet {
			return authz.ObjectApprovalRequests, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectApprovalRequests, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/v1/integrations":
		if method == http.MethodGet {
			return authz.ObjectIntegrationsSettings, authz.ActionRead, true
		}
		return "", "", false
	case "/api/v1/integrations/google/connect":
		if method == http.MethodGet {
			return authz.ObjectIntegrationsSettings, authz.ActionAdmin, true
		}
		return "", "", false
	case "/webhooks/google/oauth/callback":
		if method == http.MethodGet {
			return authz.ObjectIntegrationsSettings, authz.ActionAdmin, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}

func pathMatchRouteTemplate(path string, template string) bool {
	in := splitRouteSegments(path)
	want := splitRouteSegments(template)
	if len(in) != len(want) {
		return false
	}
	for i := range want {
		w := want[i]
		g := in[i]
		if g == "" {
			return false
		}
		if routeTemplateIsParamSegment(w) {
			continue
		}
		if g != w {
			return false
		}
	}
	return true
}

func splitRouteSegments(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func routeTemplateIsParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && len(s) > 2
}
