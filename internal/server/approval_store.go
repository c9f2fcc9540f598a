package server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/uuidv7"
)

const (
	approvalStatusPending  = "pending"
	approvalStatusApproved = "approved"
	approvalStatusRejected = "rejected"
	approvalStatusCanceled = "canceled"
)

const (
	ruleEffectAllow = "allow"
	ruleEffectDeny  = "deny"
)

var (
	errWorkflowNotFound      = errors.New("WORKFLOW_NOT_FOUND")
	errWorkflowEdgeConflict  = errors.New("WORKFLOW_EDGE_CONFLICT")
	errApprovalNotFound      = errors.New("APPROVAL_NOT_FOUND")
	errApprovalNotPending    = errors.New("APPROVAL_NOT_PENDING")
	errApprovalLevelConflict = errors.New("APPROVAL_LEVEL_CONFLICT")
	errApprovalPendingExists = errors.New("APPROVAL_PENDING_EXISTS")
)

type ApprovalRule struct {
	ID         string
	Expression string
	Effect     string
}

type ApprovalWorkflow struct {
	ID          string
	OrgID       string
	Name        string
	FromStage   string
	ToStage     string
	ApproverIDs []string
	Rules       []ApprovalRule
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ApprovalRequest struct {
	ID          string
	OrgID       string
	GrantID     string
	WorkflowID  string
	RequesterID string
	FromStage   string
	ToStage     string
	Status      string
	Level       int
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type approvalStore interface {
	CreateWorkflow(ctx context.Context, wf ApprovalWorkflow) (ApprovalWorkflow, error)
	ListWorkflows(ctx context.Context, orgID string) ([]ApprovalWorkflow, error)
	GetWorkflow(ctx context.Context, orgID string, workflowID string) (ApprovalWorkflow, bool, error)
	ActiveWorkflowForEdge(ctx context.Context, orgID string, fromStage string, toStage string) (ApprovalWorkflow, bool, error)
	DeactivateWorkflow(ctx context.Context, orgID string, workflowID string) error
	CreateRequest(ctx context.Context, req ApprovalRequest) (ApprovalRequest, error)
	GetRequest(ctx context.Context, orgID string, requestID string) (ApprovalRequest, bool, error)
	ListRequests(ctx context.Context, orgID string, grantID string, status string) ([]ApprovalRequest, error)
	PendingRequestForGrant(ctx context.Context, orgID string, grantID string) (ApprovalRequest, bool, error)
	// AdvanceRequest bumps a pending request from fromLevel to fromLevel+1 as
	// a compare-and-set.
	AdvanceRequest(ctx context.Context, orgID string, requestID string, fromLevel int) (ApprovalRequest, error)
	// CloseRequest finishes a pending request with a terminal status.
	CloseRequest(ctx context.Context, orgID string, requestID string, status string, reason string) (ApprovalRequest, error)
}

func validRuleEffect(effect string) bool {
	return effect == ruleEffectAllow || effect == ruleEffectDeny
}

type memoryApprovalStore struct {
	mu        sync.Mutex
	workflows map[string]ApprovalWorkflow
	requests  map[string]ApprovalRequest
}

func newMemoryApprovalStore() *memoryApprovalStore {
	return &memoryApprovalStore{
		workflows: map[string]ApprovalWorkflow{},
		requests:  map[string]ApprovalRequest{},
	}
}

func (s *memoryApprovalStore) CreateWorkflow(_ context.Context, wf ApprovalWorkflow) (ApprovalWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.workflows {
		if existing.OrgID == wf.OrgID && existing.Active &&
			existing.FromStage == wf.FromStage && existing.ToStage == wf.ToStage {
			return ApprovalWorkflow{}, errWorkflowEdgeConflict
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return ApprovalWorkflow{}, err
	}
	wf.ID = id
	wf.Active = true
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	for i := range wf.Rules {
		ruleID, err := uuidv7.NewString()
		if err != nil {
			return ApprovalWorkflow{}, err
		}
		wf.Rules[i].ID = ruleID
	}
	s.workflows[id] = wf
	return wf, nil
}

func (s *memoryApprovalStore) ListWorkflows(_ context.Context, orgID string) ([]ApprovalWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ApprovalWorkflow, 0)
	for _, wf := range s.workflows {
		if wf.OrgID == orgID {
			out = append(out, wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryApprovalStore) GetWorkflow(_ context.Context, orgID string, workflowID string) (ApprovalWorkflow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok || wf.OrgID != orgID {
		return ApprovalWorkflow{}, false, nil
	}
	return wf, true, nil
}

func (s *memoryApprovalStore) ActiveWorkflowForEdge(_ context.Context, orgID string, fromStage string, toStage string) (ApprovalWorkflow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wf := range s.workflows {
		if wf.OrgID == orgID && wf.Active && wf.FromStage == fromStage && wf.ToStage == toStage {
			return wf, true, nil
		}
	}
	return ApprovalWorkflow{}, false, nil
}

func (s *memoryApprovalStore) DeactivateWorkflow(_ context.Context, orgID string, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok || wf.OrgID != orgID {
		return errWorkflowNotFound
	}
	wf.Active = false
	wf.UpdatedAt = time.Now().UTC()
	s.workflows[workflowID] = wf
	return nil
}

func (s *memoryApprovalStore) CreateRequest(_ context.Context, req ApprovalRequest) (ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.requests {
		if existing.OrgID == req.OrgID && existing.GrantID == req.GrantID && existing.Status == approvalStatusPending {
			return ApprovalRequest{}, errApprovalPendingExists
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return ApprovalRequest{}, err
	}
	req.ID = id
	req.Status = approvalStatusPending
	req.Level = 0
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	s.requests[id] = req
	return req, nil
}

func (s *memoryApprovalStore) GetRequest(_ context.Context, orgID string, requestID string) (ApprovalRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.OrgID != orgID {
		return ApprovalRequest{}, false, nil
	}
	return req, true, nil
}

func (s *memoryApprovalStore) ListRequests(_ context.Context, orgID string, grantID string, status string) ([]ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ApprovalRequest, 0)
	for _, req := range s.requests {
		if req.OrgID != orgID {
			continue
		}
		if grantID != "" && req.GrantID != grantID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryApprovalStore) PendingRequestForGrant(_ context.Context, orgID string, grantID string) (ApprovalRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req.OrgID == orgID && req.GrantID == grantID && req.Status == approvalStatusPending {
			return req, true, nil
		}
	}
	return ApprovalRequest{}, false, nil
}

func (s *memoryApprovalStore) AdvanceRequest(_ context.Context, orgID string, requestID string, fromLevel int) (ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.OrgID != orgID {
		return ApprovalRequest{}, errApprovalNotFound
	}
	if req.Status != approvalStatusPending {
		return ApprovalRequest{}, errApprovalNotPending
	}
	if req.Level != fromLevel {
		return ApprovalRequest{}, errApprovalLevelConflict
	}
	req.Level++
	req.UpdatedAt = time.Now().UTC()
	s.requests[requestID] = req
	return req, nil
}

func (s *memoryApprovalStore) CloseRequest(_ context.Context, orgID string, requestID string, status string, reason string) (ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.OrgID != orgID {
		return ApprovalRequest{}, errApprovalNotFound
	}
	if req.Status != approvalStatusPending {
		return ApprovalRequest{}, errApprovalNotPending
	}
	req.Status = status
	req.Reason = strings.TrimSpace(reason)
	req.UpdatedAt = time.Now().UTC()
	s.requests[requestID] = req
	return req, nil
}

type pgApprovalStore struct {
	q queryExecer
}

func newApprovalStore(pool *pgxpool.Pool) approvalStore {
	if pool == nil {
		return newMemoryApprovalStore()
	}
	return &pgApprovalStore{q: pool}
}

const workflowColumns = `id::text, org_id::text, name, from_stage, to_stage, approver_ids::text[], active, created_at, updated_at`

func scanWorkflow(row pgx.Row) (ApprovalWorkflow, error) {
	var wf ApprovalWorkflow
	err := row.Scan(&wf.ID, &wf.OrgID, &wf.Name, &wf.FromStage, &wf.ToStage, &wf.ApproverIDs, &wf.Active, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return ApprovalWorkflow{}, err
	}
	return wf, nil
}

func (s *pgApprovalStore) loadRules(ctx context.Context, workflowID string) ([]ApprovalRule, error) {
	rows, err := s.q.Query(ctx, `
SELECT id::text, expression, effect
FROM approvals.workflow_rules
WHERE workflow_id = $1
ORDER BY created_at;
`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRule
	for rows.Next() {
		var rule ApprovalRule
		if err := rows.Scan(&rule.ID, &rule.Expression, &rule.Effect); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *pgApprovalStore) CreateWorkflow(ctx context.Context, wf ApprovalWorkflow) (ApprovalWorkflow, error) {
	created, err := scanWorkflow(s.q.QueryRow(ctx, `
INSERT INTO approvals.workflows (org_id, name, from_stage, to_stage, approver_ids, active)
VALUES ($1, $2, $3, $4, $5::uuid[], true)
RETURNING `+workflowColumns+`;
`, wf.OrgID, wf.Name, wf.FromStage, wf.ToStage, wf.ApproverIDs))
	if err != nil {
		if isUniqueViolation(err) {
			return ApprovalWorkflow{}, errWorkflowEdgeConflict
		}
		return ApprovalWorkflow{}, err
	}
	for _, rule := range wf.Rules {
		var ruleID string
		err := s.q.QueryRow(ctx, `
INSERT INTO approvals.workflow_rules (workflow_id, expression, effect)
VALUES ($1, $2, $3)
RETURNING id::text;
`, created.ID, rule.Expression, rule.Effect).Scan(&ruleID)
		if err != nil {
			return ApprovalWorkflow{}, err
		}
		created.Rules = append(created.Rules, ApprovalRule{ID: ruleID, Expression: rule.Expression, Effect: rule.Effect})
	}
	return created, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *pgApprovalStore) ListWorkflows(ctx context.Context, orgID string) ([]ApprovalWorkflow, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+workflowColumns+`
FROM approvals.workflows
WHERE org_id = $1
ORDER BY created_at;
`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalWorkflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		rules, err := s.loadRules(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Rules = rules
	}
	return out, nil
}

func (s *pgApprovalStore) GetWorkflow(ctx context.Context, orgID string, workflowID string) (ApprovalWorkflow, bool, error) {
	wf, err := scanWorkflow(s.q.QueryRow(ctx, `
SELECT `+workflowColumns+`
FROM approvals.workflows
WHERE org_id = $1 AND id = $2;
`, orgID, workflowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalWorkflow{}, false, nil
		}
		return ApprovalWorkflow{}, false, err
	}
	rules, err := s.loadRules(ctx, wf.ID)
	if err != nil {
		return ApprovalWorkflow{}, false, err
	}
	wf.Rules = rules
	return wf, true, nil
}

func (s *pgApprovalStore) ActiveWorkflowForEdge(ctx context.Context, orgID string, fromStage string, toStage string) (ApprovalWorkflow, bool, error) {
	wf, err := scanWorkflow(s.q.QueryRow(ctx, `
SELECT `+workflowColumns+`
FROM approvals.workflows
WHERE org_id = $1 AND from_stage = $2 AND to_stage = $3 AND active;
`, orgID, fromStage, toStage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalWorkflow{}, false, nil
		}
		return ApprovalWorkflow{}, false, err
	}
	rules, err := s.loadRules(ctx, wf.ID)
	if err != nil {
		return ApprovalWorkflow{}, false, err
	}
	wf.Rules = rules
	return wf, true, nil
}

func (s *pgApprovalStore) DeactivateWorkflow(ctx context.Context, orgID string, workflowID string) error {
	tag, err := s.q.Exec(ctx, `
UPDATE approvals.workflows
SET active = false, updated_at = now()
WHERE org_id = $1 AND id = $2;
`, orgID, workflowID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errWorkflowNotFound
	}
	return nil
}

const requestColumns = `id::text, org_id::text, grant_id::text, workflow_id::text, requester_id::text,
from_stage, to_stage, status, level, COALESCE(reason, ''), created_at, updated_at`

func scanRequest(row pgx.Row) (ApprovalRequest, error) {
	var req ApprovalRequest
	err := row.Scan(&req.ID, &req.OrgID, &req.GrantID, &req.WorkflowID, &req.RequesterID,
		&req.FromStage, &req.ToStage, &req.Status, &req.Level, &req.Reason, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return ApprovalRequest{}, err
	}
	return req, nil
}

func (s *pgApprovalStore) CreateRequest(ctx context.Context, req ApprovalRequest) (ApprovalRequest, error) {
	// Partial unique index (org_id, grant_id) WHERE status = 'pending'.
	created, err := scanRequest(s.q.QueryRow(ctx, `
INSERT INTO approvals.requests (org_id, grant_id, workflow_id, requester_id, from_stage, to_stage, status, level)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0)
RETURNING `+requestColumns+`;
`, req.OrgID, req.GrantID, req.WorkflowID, req.RequesterID, req.FromStage, req.ToStage))
	if err != nil {
		if isUniqueViolation(err) {
			return ApprovalRequest{}, errApprovalPendingExists
		}
		return ApprovalRequest{}, err
	}
	return created, nil
}

func (s *pgApprovalStore) GetRequest(ctx context.Context, orgID string, requestID string) (ApprovalRequest, bool, error) {
	req, err := scanRequest(s.q.QueryRow(ctx, `
SELECT `+requestColumns+`
FROM approvals.requests
WHERE org_id = $1 AND id = $2;
`, orgID, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalRequest{}, false, nil
		}
		return ApprovalRequest{}, false, err
	}
	return req, true, nil
}

func (s *pgApprovalStore) ListRequests(ctx context.Context, orgID string, grantID string, status string) ([]ApprovalRequest, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+requestColumns+`
FROM approvals.requests
WHERE org_id = $1
  AND ($2 = '' OR grant_id = $2::uuid)
  AND ($3 = '' OR status = $3)
ORDER BY created_at;
`, orgID, grantID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *pgApprovalStore) PendingRequestForGrant(ctx context.Context, orgID string, grantID string) (ApprovalRequest, bool, error) {
	req, err := scanRequest(s.q.QueryRow(ctx, `
SELECT `+requestColumns+`
FROM approvals.requests
WHERE org_id = $1 AND grant_id = $2 AND status = 'pending';
`, orgID, grantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalRequest{}, false, nil
		}
		return ApprovalRequest{}, false, err
	}
	return req, true, nil
}

func (s *pgApprovalStore) AdvanceRequest(ctx context.Context, orgID string, requestID string, fromLevel int) (ApprovalRequest, error) {
	req, err := scanRequest(s.q.QueryRow(ctx, `
UPDATE approvals.requests
SET level = level + 1, updated_at = now()
WHERE org_id = $1 AND id = $2 AND status = 'pending' AND level = $3
RETURNING `+requestColumns+`;
`, orgID, requestID, fromLevel))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalRequest{}, s.requestConflict(ctx, orgID, requestID)
		}
		return ApprovalRequest{}, err
	}
	return req, nil
}

func (s *pgApprovalStore) CloseRequest(ctx context.Context, orgID string, requestID string, status string, reason string) (ApprovalRequest, error) {
	req, err := scanRequest(s.q.QueryRow(ctx, `
UPDATE approvals.requests
SET status = $3, reason = NULLIF($4, ''), updated_at = now()
WHERE org_id = $1 AND id = $2 AND status = 'pending'
RETURNING `+requestColumns+`;
`, orgID, requestID, status, strings.TrimSpace(reason)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalRequest{}, s.requestConflict(ctx, orgID, requestID)
		}
		return ApprovalRequest{}, err
	}
	return req, nil
}

func (s *pgApprovalStore) requestConflict(ctx context.Context, orgID string, requestID string) error {
	var status string
	err := s.q.QueryRow(ctx, `
SELECT status FROM approvals.requests WHERE org_id = $1 AND id = $2;
`, orgID, requestID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errApprovalNotFound
		}
		return err
	}
	if status != approvalStatusPending {
		return errApprovalNotPending
	}
	return errApprovalLevelConflict
}
