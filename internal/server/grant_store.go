package server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/uuidv7"
)

var (
	errGrantNotFound      = errors.New("GRANT_NOT_FOUND")
	errGrantArchived      = errors.New("GRANT_ARCHIVED")
	errGrantStageConflict = errors.New("GRANT_STAGE_CONFLICT")
)

type grantUpdate struct {
	Title             *string
	Funder            *string
	OpportunityNumber *string
	AmountCents       *int64
	CloseDate         *string
	AssigneeID        *string
}

type grantFilter struct {
	Stage           string
	AssigneeID      string
	IncludeArchived bool
}

type grantStore interface {
	Create(ctx context.Context, g Grant) (Grant, error)
	GetByID(ctx context.Context, orgID string, grantID string) (Grant, bool, error)
	List(ctx context.Context, orgID string, filter grantFilter) ([]Grant, error)
	Update(ctx context.Context, orgID string, grantID string, upd grantUpdate) (Grant, error)
	// SetStage moves the grant from fromStage to toStage as a compare-and-set;
	// errGrantStageConflict when the grant is no longer in fromStage.
	SetStage(ctx context.Context, orgID string, grantID string, fromStage string, toStage string) (Grant, error)
	SetArchived(ctx context.Context, orgID string, grantID string, archived bool) (Grant, error)
	SetSummary(ctx context.Context, orgID string, grantID string, summary string) (Grant, error)
	SetCloseDate(ctx context.Context, orgID string, grantID string, closeDate string) error
	// DueForReminder returns active grants whose close date falls inside
	// [today, today+windowDays] and that have not been reminded for that
	// close date yet.
	DueForReminder(ctx context.Context, orgID string, windowDays int, today string) ([]Grant, error)
	MarkReminded(ctx context.Context, orgID string, grantID string, closeDate string) error
	ImportedFromGrantsGov(ctx context.Context, orgID string) ([]Grant, error)
}

type memoryGrantStore struct {
	mu   sync.Mutex
	byID map[string]Grant
}

func newMemoryGrantStore() *memoryGrantStore {
	return &memoryGrantStore{byID: map[string]Grant{}}
}

func (s *memoryGrantStore) Create(_ context.Context, g Grant) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := uuidv7.NewString()
	if err != nil {
		return Grant{}, err
	}
	g.ID = id
	if g.Stage == "" {
		g.Stage = stageResearch
	}
	if g.Source == "" {
		g.Source = grantSourceManual
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	s.byID[id] = g
	return g, nil
}

func (s *memoryGrantStore) GetByID(_ context.Context, orgID string, grantID string) (Grant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byID[grantID]
	if !ok || g.OrgID != orgID {
		return Grant{}, false, nil
	}
	return g, true, nil
}

func (s *memoryGrantStore) List(_ context.Context, orgID string, filter grantFilter) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Grant, 0)
	for _, g := range s.byID {
		if g.OrgID != orgID {
			continue
		}
		if g.Archived && !filter.IncludeArchived {
			continue
		}
		if filter.Stage != "" && g.Stage != filter.Stage {
			continue
		}
		if filter.AssigneeID != "" && g.AssigneeID != filter.AssigneeID {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryGrantStore) Update(_ context.Context, orgID string, grantID string, upd grantUpdate) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byID[grantID]
	if !ok || g.OrgID != orgID {
		return Grant{}, errGrantNotFound
	}
	if g.Archived {
		return Grant{}, errGrantArchived
	}
	if upd.Title != nil {
		g.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Funder != nil {
		g.Funder = strings.TrimSpace(*upd.Funder)
	}
	if upd.OpportunityNumber != nil {
		g.OpportunityNumber = strings.TrimSpace(*upd.OpportunityNumber)
	}
	if upd.AmountCents != nil {
		g.AmountCents = *upd.AmountCents
	}
	if upd.CloseDate != nil {
		g.CloseDate = *upd.CloseDate
	}
	if upd.AssigneeID != nil {
		g.AssigneeID = *upd.AssigneeID
	}
	g.UpdatedAt = time.Now().UTC()
	s.byID[grantID] = g
	return g, nil
}

func (s *memoryGrantStore) SetStage(_ context.Context, orgID string, grantID string, fromStage string, toStage string) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byID[grantID]
	if !ok || g.OrgID != orgID {
		return Grant{}, errGrantNotFound
	}
	if g.Archived {
		return Grant{}, errGrantArchived
	}
	if g.Stage != fromStage {
		return Grant{}, errGrantStageConflict
	}
	g.Stage = toStage
	g.UpdatedAt = time.Now().UTC()
	s.byID[grantID] = g
	return g, nil
}

func (s *memoryGrantStore) SetArchived(_ context.Context, orgID string, grantID string, archived bool) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byID[grantID]
	if !ok || g.OrgID != orgID {
		return Grant{}, errGrantNotFound
	}
	g.Archived = archived
	g.UpdatedAt = time.Now().UTC()
	s.byID[grantID] = g
	return g, nil
}

func (s *memoryGrantStore) SetSummary(_ context.Context, orgID string, grantID string, summary string) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byID[grantID]
	if !ok || g.OrgID != orgID {
		return Grant{}, errGrantNotFound
	}
	g.Summary = summary
	g.UpdatedAt = time.Now().UTC()
	s.byID[grantID] = g
	return g, nil
}

func (s *memoryGrantStore) SetCloseDate(_ context.Context, orgID string, grantID string, closeDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byID[grantID]
	if !ok || g.OrgID != orgID {
		return errGrantNotFound
	}
	g.CloseDate = closeDate
	g.UpdatedAt = time.Now().UTC()
	s.byID[grantID] = g
	return nil
}

func (s *memoryGrantStore) DueForReminder(_ context.Context, orgID string, windowDays int, today string) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, err := time.Parse(dayLayout, today)
	if err != nil {
		return nil, err
	}
	end := start.AddDate(0, 0, windowDays)

	out := make([]Grant, 0)
	for _, g := range s.byID {
		if g.OrgID != orgID || g.Archived || terminalStage(g.Stage) || g.CloseDate == "" {
			continue
		}
		closeDay, err := time.Parse(dayLayout, g.CloseDate)
		if err != nil {
			continue
		}
		if closeDay.Before(start) || closeDay.After(end) {
			continue
		}
		if g.RemindedFor == g.CloseDate {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseDate < out[j].CloseDate })
	return out, nil
}

func (s *memoryGrantStore) MarkReminded(_ context.Context, orgID string, grantID string, closeDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byID[grantID]
	if !ok || g.OrgID != orgID {
		return errGrantNotFound
	}
	g.RemindedFor = closeDate
	s.byID[grantID] = g
	return nil
}

func (s *memoryGrantStore) ImportedFromGrantsGov(_ context.Context, orgID string) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Grant, 0)
	for _, g := range s.byID {
		if g.OrgID == orgID && g.Source == grantSourceGrantsGov && !g.Archived && !terminalStage(g.Stage) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type pgGrantStore struct {
	q queryExecer
}

func newGrantStore(pool *pgxpool.Pool) grantStore {
	if pool == nil {
		return newMemoryGrantStore()
	}
	return &pgGrantStore{q: pool}
}

const grantColumns = `id::text, org_id::text, title, funder, opportunity_number, amount_cents,
stage, COALESCE(close_date::text, ''), COALESCE(assignee_id::text, ''), source,
COALESCE(external_id, ''), COALESCE(summary, ''), archived,
COALESCE(reminded_for::text, ''), created_at, updated_at`

func scanGrant(row pgx.Row) (Grant, error) {
	var g Grant
	err := row.Scan(&g.ID, &g.OrgID, &g.Title, &g.Funder, &g.OpportunityNumber, &g.AmountCents,
		&g.Stage, &g.CloseDate, &g.AssigneeID, &g.Source,
		&g.ExternalID, &g.Summary, &g.Archived,
		&g.RemindedFor, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return Grant{}, err
	}
	return g, nil
}

func (s *pgGrantStore) Create(ctx context.Context, g Grant) (Grant, error) {
	if g.Stage == "" {
		g.Stage = stageResearch
	}
	if g.Source == "" {
		g.Source = grantSourceManual
	}
	return scanGrant(s.q.QueryRow(ctx, `
INSERT INTO grants.grants (org_id, title, funder, opportunity_number, amount_cents, stage, close_date, assignee_id, source, external_id)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::date, NULLIF($8, '')::uuid, $9, NULLIF($10, ''))
RETURNING `+grantColumns+`;
`, g.OrgID, g.Title, g.Funder, g.OpportunityNumber, g.AmountCents, g.Stage, g.CloseDate, g.AssigneeID, g.Source, g.ExternalID))
}

func (s *pgGrantStore) GetByID(ctx context.Context, orgID string, grantID string) (Grant, bool, error) {
	g, err := scanGrant(s.q.QueryRow(ctx, `
SELECT `+grantColumns+`
FROM grants.grants
WHERE org_id = $1 AND id = $2;
`, orgID, grantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, false, nil
		}
		return Grant{}, false, err
	}
	return g, true, nil
}

func (s *pgGrantStore) List(ctx context.Context, orgID string, filter grantFilter) ([]Grant, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+grantColumns+`
FROM grants.grants
WHERE org_id = $1
  AND (archived = false OR $2)
  AND ($3 = '' OR stage = $3)
  AND ($4 = '' OR assignee_id = $4::uuid)
ORDER BY created_at;
`, orgID, filter.IncludeArchived, filter.Stage, filter.AssigneeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *pgGrantStore) Update(ctx context.Context, orgID string, grantID string, upd grantUpdate) (Grant, error) {
	g, err := scanGrant(s.q.QueryRow(ctx, `
UPDATE grants.grants
SET title = COALESCE($3, title),
    funder = COALESCE($4, funder),
    opportunity_number = COALESCE($5, opportunity_number),
    amount_cents = COALESCE($6, amount_cents),
    close_date = CASE WHEN $7::text IS NULL THEN close_date ELSE NULLIF($7, '')::date END,
    assignee_id = CASE WHEN $8::text IS NULL THEN assignee_id ELSE NULLIF($8, '')::uuid END,
    updated_at = now()
WHERE org_id = $1 AND id = $2 AND archived = false
RETURNING `+grantColumns+`;
`, orgID, grantID, upd.Title, upd.Funder, upd.OpportunityNumber, upd.AmountCents, upd.CloseDate, upd.AssigneeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, s.notFoundOrArchived(ctx, orgID, grantID)
		}
		return Grant{}, err
	}
	return g, nil
}

func (s *pgGrantStore) SetStage(ctx context.Context, orgID string, grantID string, fromStage string, toStage string) (Grant, error) {
	g, err := scanGrant(s.q.QueryRow(ctx, `
UPDATE grants.grants
SET stage = $4, updated_at = now()
WHERE org_id = $1 AND id = $2 AND stage = $3 AND archived = false
RETURNING `+grantColumns+`;
`, orgID, grantID, fromStage, toStage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, s.notFoundOrArchived(ctx, orgID, grantID)
		}
		return Grant{}, err
	}
	return g, nil
}

// notFoundOrArchived disambiguates a zero-row update: the grant either does
// not exist, is archived, or lost a stage compare-and-set.
func (s *pgGrantStore) notFoundOrArchived(ctx context.Context, orgID string, grantID string) error {
	var archived bool
	err := s.q.QueryRow(ctx, `
SELECT archived FROM grants.grants WHERE org_id = $1 AND id = $2;
`, orgID, grantID).Scan(&archived)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errGrantNotFound
		}
		return err
	}
	if archived {
		return errGrantArchived
	}
	return errGrantStageConflict
}

func (s *pgGrantStore) SetArchived(ctx context.Context, orgID string, grantID string, archived bool) (Grant, error) {
	g, err := scanGrant(s.q.QueryRow(ctx, `
UPDATE grants.grants
SET archived = $3, updated_at = now()
WHERE org_id = $1 AND id = $2
RETURNING `+grantColumns+`;
`, orgID, grantID, archived))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, errGrantNotFound
		}
		return Grant{}, err
	}
	return g, nil
}

func (s *pgGrantStore) SetSummary(ctx context.Context, orgID string, grantID string, summary string) (Grant, error) {
	g, err := scanGrant(s.q.QueryRow(ctx, `
UPDATE grants.grants
SET summary = $3, updated_at = now()
WHERE org_id = $1 AND id = $2
RETURNING `+grantColumns+`;
`, orgID, grantID, summary))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, errGrantNotFound
		}
		return Grant{}, err
	}
	return g, nil
}

func (s *pgGrantStore) SetCloseDate(ctx context.Context, orgID string, grantID string, closeDate string) error {
	tag, err := s.q.Exec(ctx, `
UPDATE grants.grants
SET close_date = NULLIF($3, '')::date, updated_at = now()
WHERE org_id = $1 AND id = $2;
`, orgID, grantID, closeDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errGrantNotFound
	}
	return nil
}

func (s *pgGrantStore) DueForReminder(ctx context.Context, orgID string, windowDays int, today string) ([]Grant, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+grantColumns+`
FROM grants.grants
WHERE org_id = $1
  AND archived = false
  AND stage NOT IN ('awarded', 'declined', 'abandoned')
  AND close_date IS NOT NULL
  AND close_date BETWEEN $2::date AND $2::date + $3
  AND (reminded_for IS NULL OR reminded_for <> close_date)
ORDER BY close_date;
`, orgID, today, windowDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *pgGrantStore) MarkReminded(ctx context.Context, orgID string, grantID string, closeDate string) error {
	tag, err := s.q.Exec(ctx, `
UPDATE grants.grants
SET reminded_for = NULLIF($3, '')::date
WHERE org_id = $1 AND id = $2;
`, orgID, grantID, closeDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errGrantNotFound
	}
	return nil
}

func (s *pgGrantStore) ImportedFromGrantsGov(ctx context.Context, orgID string) ([]Grant, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+grantColumns+`
FROM grants.grants
WHERE org_id = $1
  AND source = 'grants_gov'
  AND archived = false
  AND stage NOT IN ('awarded', 'declined', 'abandoned')
ORDER BY created_at;
`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
