package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/grantsgov"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

// nofoSummarizer is the LLM edge the summarize endpoint talks to.
type nofoSummarizer interface {
	SummarizeNOFO(ctx context.Context, text string) (string, error)
}

// opportunitySource is the grants.gov edge used by import and sync.
type opportunitySource interface {
	LookupByNumber(ctx context.Context, oppNumber string) (grantsgov.Opportunity, bool, error)
}

type grantItem struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Funder            string    `json:"funder"`
	OpportunityNumber string    `json:"opportunity_number,omitempty"`
	AmountCents       int64     `json:"amount_cents"`
	Stage             string    `json:"stage"`
	CloseDate         string    `json:"close_date,omitempty"`
	AssigneeID        string    `json:"assignee_id,omitempty"`
	Source            string    `json:"source"`
	ExternalID        string    `json:"external_id,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Archived          bool      `json:"archived"`
	DaysToClose       int       `json:"days_to_close"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type grantListResponse struct {
	Grants []grantItem `json:"grants"`
}

type grantCreatePayload struct {
	Title             string `json:"title"`
	Funder            string `json:"funder"`
	OpportunityNumber string `json:"opportunity_number"`
	AmountCents       int64  `json:"amount_cents"`
	CloseDate         string `json:"close_date"`
	AssigneeID        string `json:"assignee_id"`
}

type grantUpdatePayload struct {
	Title             *string `json:"title"`
	Funder            *string `json:"funder"`
	OpportunityNumber *string `json:"opportunity_number"`
	AmountCents       *int64  `json:"amount_cents"`
	CloseDate         *string `json:"close_date"`
	AssigneeID        *string `json:"assignee_id"`
}

type grantStagePayload struct {
	ToStage string `json:"to_stage"`
}

type grantSummarizePayload struct {
	Text string `json:"text"`
}

type grantImportPayload struct {
	OpportunityNumber string `json:"opportunity_number"`
}

func grantToItem(g Grant) grantItem {
	return grantItem{
		ID:                g.ID,
		Title:             g.Title,
		Funder:            g.Funder,
		OpportunityNumber: g.OpportunityNumber,
		AmountCents:       g.AmountCents,
		Stage:             g.Stage,
		CloseDate:         g.CloseDate,
		AssigneeID:        g.AssigneeID,
		Source:            g.Source,
		ExternalID:        g.ExternalID,
		Summary:           g.Summary,
		Archived:          g.Archived,
		DaysToClose:       daysToClose(g.CloseDate),
		CreatedAt:         g.CreatedAt,
		UpdatedAt:         g.UpdatedAt,
	}
}

func handleGrantsAPI(w http.ResponseWriter, r *http.Request, grants grantStore, members memberStore) {
	org, member, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		filter := grantFilter{
			Stage:           strings.TrimSpace(r.URL.Query().Get("stage")),
			AssigneeID:      strings.TrimSpace(r.URL.Query().Get("assignee_id")),
			IncludeArchived: r.URL.Query().Get("include_archived") == "1",
		}
		if filter.Stage != "" && !validStage(filter.Stage) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_stage", "invalid stage")
			return
		}
		list, err := grants.List(r.Context(), org.ID, filter)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_list_failed", "grant list failed")
			return
		}
		resp := grantListResponse{Grants: make([]grantItem, 0, len(list))}
		for _, g := range list {
			resp.Grants = append(resp.Grants, grantToItem(g))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		handleGrantCreateAPI(w, r, org, member, grants, members)
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleGrantCreateAPI(w http.ResponseWriter, r *http.Request, org Org, _ Member, grants grantStore, members memberStore) {
	var payload grantCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	payload.Title = strings.TrimSpace(payload.Title)
	if payload.Title == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_title", "title is required")
		return
	}
	if payload.AmountCents < 0 {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_amount", "amount_cents must not be negative")
		return
	}
	payload.CloseDate = strings.TrimSpace(payload.CloseDate)
	if payload.CloseDate != "" && !validDay(payload.CloseDate) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_close_date", "close_date must be YYYY-MM-DD")
		return
	}
	payload.AssigneeID = strings.TrimSpace(payload.AssigneeID)
	if payload.AssigneeID != "" {
		if !requireActiveMember(w, r, members, org.ID, payload.AssigneeID, "invalid_assignee") {
			return
		}
	}

	g, err := grants.Create(r.Context(), Grant{
		OrgID:             org.ID,
		Title:             payload.Title,
		Funder:            strings.TrimSpace(payload.Funder),
		OpportunityNumber: strings.TrimSpace(payload.OpportunityNumber),
		AmountCents:       payload.AmountCents,
		CloseDate:         payload.CloseDate,
		AssigneeID:        payload.AssigneeID,
	})
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_create_failed", "grant create failed")
		return
	}

	writeJSON(w, http.StatusCreated, grantToItem(g))
}

func requireActiveMember(w http.ResponseWriter, r *http.Request, members memberStore, orgID string, memberID string, code string) bool {
	m, found, err := members.GetByID(r.Context(), orgID, memberID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "member_lookup_failed", "member lookup failed")
		return false
	}
	if !found || m.Status != memberStatusActive {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, code, "must reference an active member")
		return false
	}
	return true
}

func handleGrantItemAPI(w http.ResponseWriter, r *http.Request, grantID string, grants grantStore, members memberStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		g, found, err := grants.GetByID(r.Context(), org.ID, grantID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_get_failed", "grant get failed")
			return
		}
		if !found {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "grant_not_found", "grant not found")
			return
		}
		writeJSON(w, http.StatusOK, grantToItem(g))
	case http.MethodPatch:
		handleGrantUpdateAPI(w, r, org, grantID, grants, members)
	case http.MethodDelete:
		g, err := grants.SetArchived(r.Context(), org.ID, grantID, true)
		if err != nil {
			writeGrantError(w, r, err, "grant_archive_failed")
			return
		}
		writeJSON(w, http.StatusOK, grantToItem(g))
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleGrantUpdateAPI(w http.ResponseWriter, r *http.Request, org Org, grantID string, grants grantStore, members memberStore) {
	var payload grantUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	if payload.Title != nil && strings.TrimSpace(*payload.Title) == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_title", "title must not be empty")
		return
	}
	if payload.AmountCents != nil && *payload.AmountCents < 0 {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_amount", "amount_cents must not be negative")
		return
	}
	if payload.CloseDate != nil && *payload.CloseDate != "" && !validDay(*payload.CloseDate) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_close_date", "close_date must be YYYY-MM-DD")
		return
	}
	if payload.AssigneeID != nil && *payload.AssigneeID != "" {
		if !requireActiveMember(w, r, members, org.ID, *payload.AssigneeID, "invalid_assignee") {
			return
		}
	}

	g, err := grants.Update(r.Context(), org.ID, grantID, grantUpdate{
		Title:             payload.Title,
		Funder:            payload.Funder,
		OpportunityNumber: payload.OpportunityNumber,
		AmountCents:       payload.AmountCents,
		CloseDate:         payload.CloseDate,
		AssigneeID:        payload.AssigneeID,
	})
	if err != nil {
		writeGrantError(w, r, err, "grant_update_failed")
		return
	}

	writeJSON(w, http.StatusOK, grantToItem(g))
}

// handleGrantStageAPI changes a grant's stage directly. Edges covered by an
// active approval workflow must go through an approval request instead.
func handleGrantStageAPI(w http.ResponseWriter, r *http.Request, grantID string, grants grantStore, approvals approvalStore, notif notifier) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var payload grantStagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	g, found, err := grants.GetByID(r.Context(), org.ID, grantID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_stage_failed", "grant stage change failed")
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "grant_not_found", "grant not found")
		return
	}
	if !validStageTransition(g.Stage, payload.ToStage) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_stage_transition", "invalid stage transition")
		return
	}

	_, covered, err := approvals.ActiveWorkflowForEdge(r.Context(), org.ID, g.Stage, payload.ToStage)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_stage_failed", "grant stage change failed")
		return
	}
	if covered {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "approval_required", "this edge requires an approval request")
		return
	}

	fromStage := g.Stage
	moved, err := grants.SetStage(r.Context(), org.ID, grantID, fromStage, payload.ToStage)
	if err != nil {
		writeGrantError(w, r, err, "grant_stage_failed")
		return
	}

	notif.GrantStageChanged(r.Context(), org, moved, fromStage)
	writeJSON(w, http.StatusOK, grantToItem(moved))
}

func handleGrantSummarizeAPI(w http.ResponseWriter, r *http.Request, grantID string, grants grantStore, summarizer nofoSummarizer) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if summarizer == nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusServiceUnavailable, "summarizer_unavailable", "summarization is not configured")
		return
	}

	var payload grantSummarizePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_text", "text is required")
		return
	}

	if _, found, err := grants.GetByID(r.Context(), org.ID, grantID); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_summarize_failed", "grant summarize failed")
		return
	} else if !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "grant_not_found", "grant not found")
		return
	}

	summary, err := summarizer.SummarizeNOFO(r.Context(), payload.Text)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadGateway, "summarize_failed", "summarization failed")
		return
	}

	g, err := grants.SetSummary(r.Context(), org.ID, grantID, summary)
	if err != nil {
		writeGrantError(w, r, err, "grant_summarize_failed")
		return
	}

	writeJSON(w, http.StatusOK, grantToItem(g))
}

// handleGrantImportAPI creates a research-stage grant from a grants.gov
// opportunity number.
func handleGrantImportAPI(w http.ResponseWriter, r *http.Request, grants grantStore, source opportunitySource) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if source == nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusServiceUnavailable, "grants_gov_unavailable", "grants.gov import is not configured")
		return
	}

	var payload grantImportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	payload.OpportunityNumber = strings.TrimSpace(payload.OpportunityNumber)
	if payload.OpportunityNumber == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "invalid_opportunity_number", "opportunity_number is required")
		return
	}

	opp, found, err := source.LookupByNumber(r.Context(), payload.OpportunityNumber)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadGateway, "grants_gov_lookup_failed", "grants.gov lookup failed")
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "opportunity_not_found", "opportunity not found")
		return
	}

	g, err := grants.Create(r.Context(), Grant{
		OrgID:             org.ID,
		Title:             opp.Title,
		Funder:            opp.Agency,
		OpportunityNumber: opp.Number,
		Stage:             stageResearch,
		CloseDate:         opp.CloseDate,
		Source:            grantSourceGrantsGov,
		ExternalID:        opp.ID,
	})
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_import_failed", "grant import failed")
		return
	}

	writeJSON(w, http.StatusCreated, grantToItem(g))
}

func writeGrantError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, errGrantNotFound):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "grant_not_found", "grant not found")
	case errors.Is(err, errGrantArchived):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "grant_archived", "grant is archived")
	case errors.Is(err, errGrantStageConflict):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "grant_stage_conflict", "grant stage changed; retry")
	default:
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, fallback, "grant operation failed")
	}
}
