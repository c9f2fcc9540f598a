package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/uuidv7"
)

const (
	integrationSlack   = "slack"
	integrationMSTeams = "msteams"
	integrationGCal    = "google_calendar"
)

var errIntegrationNotFound = errors.New("INTEGRATION_NOT_FOUND")

func validIntegrationKind(kind string) bool {
	switch kind {
	case integrationSlack, integrationMSTeams, integrationGCal:
		return true
	}
	return false
}

// Integration is one configured channel for an org. WebhookURL and
// RefreshToken are secrets; handlers mask them on the way out.
type Integration struct {
	ID           string
	OrgID        string
	Kind         string
	Enabled      bool
	WebhookURL   string
	RefreshToken string
	CalendarID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type integrationStore interface {
	// Upsert creates or replaces the org's integration of the given kind.
	Upsert(ctx context.Context, intg Integration) (Integration, error)
	List(ctx context.Context, orgID string) ([]Integration, error)
	Get(ctx context.Context, orgID string, kind string) (Integration, bool, error)
	Delete(ctx context.Context, orgID string, kind string) error
}

type memoryIntegrationStore struct {
	mu     sync.Mutex
	byKind map[string]Integration // org|kind
}

func newMemoryIntegrationStore() *memoryIntegrationStore {
	return &memoryIntegrationStore{byKind: map[string]Integration{}}
}

func integrationKey(orgID, kind string) string { return orgID + "|" + kind }

func (s *memoryIntegrationStore) Upsert(_ context.Context, intg Integration) (Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := integrationKey(intg.OrgID, intg.Kind)
	now := time.Now().UTC()
	if existing, ok := s.byKind[key]; ok {
		intg.ID = existing.ID
		intg.CreatedAt = existing.CreatedAt
	} else {
		id, err := uuidv7.NewString()
		if err != nil {
			return Integration{}, err
		}
		intg.ID = id
		intg.CreatedAt = now
	}
	intg.UpdatedAt = now
	s.byKind[key] = intg
	return intg, nil
}

func (s *memoryIntegrationStore) List(_ context.Context, orgID string) ([]Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Integration, 0)
	for _, intg := range s.byKind {
		if intg.OrgID == orgID {
			out = append(out, intg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *memoryIntegrationStore) Get(_ context.Context, orgID string, kind string) (Integration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intg, ok := s.byKind[integrationKey(orgID, kind)]
	if !ok {
		return Integration{}, false, nil
	}
	return intg, true, nil
}

func (s *memoryIntegrationStore) Delete(_ context.Context, orgID string, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := integrationKey(orgID, kind)
	if _, ok := s.byKind[key]; !ok {
		return errIntegrationNotFound
	}
	delete(s.byKind, key)
	return nil
}

type pgIntegrationStore struct {
	q queryExecer
}

func newIntegrationStore(pool *pgxpool.Pool) integrationStore {
	if pool == nil {
		return newMemoryIntegrationStore()
	}
	return &pgIntegrationStore{q: pool}
}

const integrationColumns = `id::text, org_id::text, kind, enabled,
COALESCE(webhook_url, ''), COALESCE(refresh_token, ''), COALESCE(calendar_id, ''), created_at, updated_at`

func scanIntegration(row pgx.Row) (Integration, error) {
	var intg Integration
	err := row.Scan(&intg.ID, &intg.OrgID, &intg.Kind, &intg.Enabled,
		&intg.WebhookURL, &intg.RefreshToken, &intg.CalendarID, &intg.CreatedAt, &intg.UpdatedAt)
	if err != nil {
		return Integration{}, err
	}
	return intg, nil
}

func (s *pgIntegrationStore) Upsert(ctx context.Context, intg Integration) (Integration, error) {
	return scanIntegration(s.q.QueryRow(ctx, `
INSERT INTO integrations.channels (org_id, kind, enabled, webhook_url, refresh_token, calendar_id)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))
ON CONFLICT (org_id, kind) DO UPDATE SET
  enabled = EXCLUDED.enabled,
  webhook_url = EXCLUDED.webhook_url,
  refresh_token = EXCLUDED.refresh_token,
  calendar_id = EXCLUDED.calendar_id,
  updated_at = now()
RETURNING `+integrationColumns+`;
`, intg.OrgID, intg.Kind, intg.Enabled, intg.WebhookURL, intg.RefreshToken, intg.CalendarID))
}

func (s *pgIntegrationStore) List(ctx context.Context, orgID string) ([]Integration, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+integrationColumns+`
FROM integrations.channels
WHERE org_id = $1
ORDER BY kind;
`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		intg, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intg)
	}
	return out, rows.Err()
}

func (s *pgIntegrationStore) Get(ctx context.Context, orgID string, kind string) (Integration, bool, error) {
	intg, err := scanIntegration(s.q.QueryRow(ctx, `
SELECT `+integrationColumns+`
FROM integrations.channels
WHERE org_id = $1 AND kind = $2;
`, orgID, kind))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Integration{}, false, nil
		}
		return Integration{}, false, err
	}
	return intg, true, nil
}

func (s *pgIntegrationStore) Delete(ctx context.Context, orgID string, kind string) error {
	tag, err := s.q.Exec(ctx, `
DELETE FROM integrations.channels WHERE org_id = $1 AND kind = $2;
`, orgID, kind)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errIntegrationNotFound
	}
	return nil
}
