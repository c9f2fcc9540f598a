package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/gcal"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/grantsgov"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/llm"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/notify"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	OrgResolver      OrgResolver
	IdentityProvider identityProvider
	Sessions         sessionStore
	Members          memberStore
	TwoFactor        twoFactorStore
	Grants           grantStore
	Tasks            taskStore
	Comments         commentStore
	Approvals        approvalStore
	Integrations     integrationStore
	Notifier         notifier
	Poster           webhookPoster
	CalendarOAuth    calendarOAuth
	Summarizer       nofoSummarizer
	Opportunities    opportunitySource
	InviteMailer     inviteMailer
	RateLimiter      rateLimiter
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	grants := opts.Grants
	var pgPool *pgxpool.Pool
	if grants == nil {
		dsn := dbDSNFromEnv()
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		pgPool = pool
		grants = newGrantStore(pgPool)
	}

	sessions := opts.Sessions
	if sessions == nil {
		sessions = newSessionStore(pgPool)
	}
	members := opts.Members
	if members == nil {
		members = newMemberStore(pgPool)
	}
	twoFactor := opts.TwoFactor
	if twoFactor == nil {
		twoFactor = newTwoFactorStore(pgPool)
	}
	tasks := opts.Tasks
	if tasks == nil {
		tasks = newTaskStore(pgPool)
	}
	comments := opts.Comments
	if comments == nil {
		comments = newCommentStore(pgPool)
	}
	approvals := opts.Approvals
	if approvals == nil {
		approvals = newApprovalStore(pgPool)
	}
	integrations := opts.Integrations
	if integrations == nil {
		integrations = newIntegrationStore(pgPool)
	}

	orgResolver := opts.OrgResolver
	if orgResolver == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing org resolver (set HandlerOptions.OrgResolver or use default PG stores)")
		}
		orgResolver = newOrgDBResolver(pgPool)
	}

	idp := opts.IdentityProvider
	if idp == nil {
		p, err := newIdentityProviderFromEnv()
		if err != nil {
			return nil, err
		}
		idp = p
	}

	poster := opts.Poster
	if poster == nil {
		poster = notify.NewPoster()
	}
	notif := opts.Notifier
	if notif == nil {
		notif = newChannelNotifier(integrations, poster)
	}

	oauth := opts.CalendarOAuth
	if oauth == nil {
		if clientID := os.Getenv("GOOGLE_OAUTH_CLIENT_ID"); clientID != "" {
			c, err := gcal.New(clientID, os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"), os.Getenv("GOOGLE_OAUTH_REDIRECT_URI"))
			if err != nil {
				return nil, err
			}
			oauth = c
		}
	}

	summarizer := opts.Summarizer
	if summarizer == nil {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			c, err := llm.New(os.Getenv("OPENAI_BASE_URL"), apiKey, os.Getenv("OPENAI_MODEL"))
			if err != nil {
				return nil, err
			}
			summarizer = c
		}
	}

	opportunities := opts.Opportunities
	if opportunities == nil {
		c, err := grantsgov.New(os.Getenv("GRANTS_GOV_BASE_URL"))
		if err != nil {
			return nil, err
		}
		opportunities = c
	}

	mailer := opts.InviteMailer
	if mailer == nil {
		m, err := newInviteMailerFromEnv()
		if err != nil {
			return nil, err
		}
		mailer = m
	}

	limiter := opts.RateLimiter
	if limiter == nil {
		l, err := newRateLimiterFromEnv()
		if err != nil {
			return nil, err
		}
		limiter = l
	}

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(handleHealth))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(handleHealth))

	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/iam/api/sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, _ := currentOrg(r.Context())
		if !checkLoginRate(w, r, limiter, org.Slug) {
			return
		}
		handleSessionsAPI(w, r, sessions, members, twoFactor, idp)
	}))
	router.Handle(routing.RouteClassAuthn, http.MethodDelete, "/iam/api/sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSessionsAPI(w, r, sessions, members, twoFactor, idp)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/sessions/current", http.HandlerFunc(handleWhoamiAPI))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/2fa", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTwoFactorAPI(w, r, twoFactor)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/2fa/enroll", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTwoFactorEnrollAPI(w, r, twoFactor)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/2fa/verify", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTwoFactorVerifyAPI(w, r, twoFactor)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/2fa/disable", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTwoFactorDisableAPI(w, r, twoFactor)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/members", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleMembersAPI(w, r, members, mailer)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/members", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleMembersAPI(w, r, members, mailer)
	}))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/iam/api/invites/accept", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, _ := currentOrg(r.Context())
		if !checkLoginRate(w, r, limiter, org.Slug) {
			return
		}
		handleInviteAcceptAPI(w, r, members)
	}))

	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/grants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGrantsAPI(w, r, grants, members)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/grants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGrantsAPI(w, r, grants, members)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/grants/import", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGrantImportAPI(w, r, grants, opportunities)
	}))

	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/exports/grants.csv", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGrantsExportCSV(w, r, grants)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/exports/deadlines.ics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGrantsCalendarICS(w, r, grants)
	}))

	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/approval-workflows", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleApprovalWorkflowsAPI(w, r, approvals, members)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/approval-workflows", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleApprovalWorkflowsAPI(w, r, approvals, members)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/approvals", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleApprovalRequestsAPI(w, r, approvals, grants, notif)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/approvals", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleApprovalRequestsAPI(w, r, approvals, grants, notif)
	}))

	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/integrations", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleIntegrationsAPI(w, r, integrations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/integrations/google/connect", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGoogleOAuthStartAPI(w, r, oauth)
	}))
	router.Handle(routing.RouteClassWebhook, http.MethodGet, "/webhooks/google/oauth/callback", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGoogleOAuthCallback(w, r, integrations, oauth)
	}))

	// Routes with path parameters dispatch by segment; the router itself is
	// exact-match only.
	entrypoint := http.NewServeMux()
	// Collection paths whose subtree is registered below must also be
	// registered exactly, or ServeMux redirects the bare path to the
	// trailing-slash form and the segment dispatcher 404s it.
	for _, p := range []string{
		"/api/v1/grants",
		"/api/v1/approvals",
		"/api/v1/approval-workflows",
		"/api/v1/integrations",
		"/iam/api/members",
	} {
		entrypoint.Handle(p, router)
	}
	entrypoint.Handle("/api/v1/grants/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segments := splitPathSegments(r.URL.Path)
		switch {
		case len(segments) == 4 && segments[3] == "import":
			router.ServeHTTP(w, r)
		case len(segments) == 4:
			handleGrantItemAPI(w, r, segments[3], grants, members)
		case len(segments) == 5 && segments[4] == "stage":
			handleGrantStageAPI(w, r, segments[3], grants, approvals, notif)
		case len(segments) == 5 && segments[4] == "summarize":
			handleGrantSummarizeAPI(w, r, segments[3], grants, summarizer)
		case len(segments) == 5 && segments[4] == "tasks":
			handleGrantTasksAPI(w, r, segments[3], tasks, grants, members)
		case len(segments) == 5 && segments[4] == "comments":
			handleGrantCommentsAPI(w, r, segments[3], comments, grants)
		default:
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "not_found", "not found")
		}
	}))
	entrypoint.Handle("/api/v1/tasks/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segments := splitPathSegments(r.URL.Path)
		if len(segments) != 4 {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "not_found", "not found")
			return
		}
		handleTaskItemAPI(w, r, segments[3], tasks, members)
	}))
	entrypoint.Handle("/api/v1/comments/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segments := splitPathSegments(r.URL.Path)
		if len(segments) != 4 {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "not_found", "not found")
			return
		}
		handleCommentItemAPI(w, r, segments[3], comments)
	}))
	entrypoint.Handle("/api/v1/approval-workflows/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleApprovalWorkflowItemAPI(w, r, approvals)
	}))
	entrypoint.Handle("/api/v1/approvals/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleApprovalRequestItemAPI(w, r, approvals, grants, notif)
	}))
	entrypoint.Handle("/api/v1/integrations/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segments := splitPathSegments(r.URL.Path)
		switch {
		case len(segments) == 4 && segments[3] == "google":
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "not_found", "not found")
		case len(segments) == 4:
			handleIntegrationItemAPI(w, r, segments[3], integrations)
		case len(segments) == 5 && segments[3] == "google" && segments[4] == "connect":
			router.ServeHTTP(w, r)
		case len(segments) == 5 && segments[4] == "test":
			handleIntegrationTestAPI(w, r, segments[3], integrations, poster)
		default:
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "not_found", "not found")
		}
	}))
	entrypoint.Handle("/iam/api/members/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segments := splitPathSegments(r.URL.Path)
		if len(segments) != 4 {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", "not found")
			return
		}
		handleMemberItemAPI(w, r, segments[3], members)
	}))
	entrypoint.Handle("/metrics", metricsHandler())
	entrypoint.Handle("/", router)

	guarded := withOrgAndSession(classifier, orgResolver, members, sessions, withAuthz(classifier, authorizer, entrypoint))

	return withRequestMetrics(classifier, guarded), nil
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("server: failed to build handler: " + err.Error()))
	}
	return h
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}

func withRequestMetrics(classifier *routing.Classifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(r.URL.Path)
		}
		observeRequest(rc, r.Method, rec.status, time.Since(start).Seconds())
	})
}

func withOrgAndSession(classifier *routing.Classifier, orgs OrgResolver, members memberStore, sessions sessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		host := effectiveHost(r)
		org, ok, err := orgs.ResolveOrg(r.Context(), host)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "org_resolve_error", "org resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, rc, http.StatusNotFound, "org_not_found", "org not found")
			return
		}
		r = r.WithContext(withOrg(r.Context(), org))

		// Credential-bearing entrypoints run before a session exists.
		if (path == "/iam/api/sessions" && r.Method == http.MethodPost) ||
			(path == "/iam/api/invites/accept" && r.Method == http.MethodPost) {
			next.ServeHTTP(w, r)
			return
		}

		sid, ok := readSID(r)
		if !ok {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}

		sess, ok, err := sessions.Lookup(r.Context(), sid)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "session_lookup_error", "session lookup error")
			return
		}
		if !ok || sess.OrgID != org.ID {
			clearSIDCookie(w)
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}

		m, ok, err := members.GetByID(r.Context(), org.ID, sess.MemberID)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "member_lookup_error", "member lookup error")
			return
		}
		if !ok || m.Status != memberStatusActive {
			clearSIDCookie(w)
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		r = r.WithContext(withMember(r.Context(), m))

		next.ServeHTTP(w, r)
	})
}
