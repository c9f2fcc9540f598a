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

var errTaskNotFound = errors.New("TASK_NOT_FOUND")

type Task struct {
	ID         string
	OrgID      string
	GrantID    string
	Title      string
	DueDate    string // YYYY-MM-DD, empty when none
	AssigneeID string
	Done       bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type taskUpdate struct {
	Title      *string
	DueDate    *string
	AssigneeID *string
}

type taskStore interface {
	Create(ctx context.Context, t Task) (Task, error)
	ListByGrant(ctx context.Context, orgID string, grantID string) ([]Task, error)
	Update(ctx context.Context, orgID string, taskID string, upd taskUpdate) (Task, error)
	SetDone(ctx context.Context, orgID string, taskID string, done bool) (Task, error)
	Delete(ctx context.Context, orgID string, taskID string) error
}

type memoryTaskStore struct {
	mu   sync.Mutex
	byID map[string]Task
}

func newMemoryTaskStore() *memoryTaskStore {
	return &memoryTaskStore{byID: map[string]Task{}}
}

func (s *memoryTaskStore) Create(_ context.Context, t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := uuidv7.NewString()
	if err != nil {
		return Task{}, err
	}
	t.ID = id
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.byID[id] = t
	return t, nil
}

func (s *memoryTaskStore) ListByGrant(_ context.Context, orgID string, grantID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0)
	for _, t := range s.byID {
		if t.OrgID == orgID && t.GrantID == grantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryTaskStore) Update(_ context.Context, orgID string, taskID string, upd taskUpdate) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok || t.OrgID != orgID {
		return Task{}, errTaskNotFound
	}
	if upd.Title != nil {
		t.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.DueDate != nil {
		t.DueDate = *upd.DueDate
	}
	if upd.AssigneeID != nil {
		t.AssigneeID = *upd.AssigneeID
	}
	t.UpdatedAt = time.Now().UTC()
	s.byID[taskID] = t
	return t, nil
}

func (s *memoryTaskStore) SetDone(_ context.Context, orgID string, taskID string, done bool) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok || t.OrgID != orgID {
		return Task{}, errTaskNotFound
	}
	t.Done = done
	t.UpdatedAt = time.Now().UTC()
	s.byID[taskID] = t
	return t, nil
}

func (s *memoryTaskStore) Delete(_ context.Context, orgID string, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok || t.OrgID != orgID {
		return errTaskNotFound
	}
	delete(s.byID, taskID)
	return nil
}

type pgTaskStore struct {
	q queryExecer
}

func newTaskStore(pool *pgxpool.Pool) taskStore {
	if pool == nil {
		return newMemoryTaskStore()
	}
	return &pgTaskStore{q: pool}
}

const taskColumns = `id::text, org_id::text, grant_id::text, title, COALESCE(due_date::text, ''),
COALESCE(assignee_id::text, ''), done, created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.OrgID, &t.GrantID, &t.Title, &t.DueDate, &t.AssigneeID, &t.Done, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *pgTaskStore) Create(ctx context.Context, t Task) (Task, error) {
	return scanTask(s.q.QueryRow(ctx, `
INSERT INTO grants.tasks (org_id, grant_id, title, due_date, assignee_id)
VALUES ($1, $2, $3, NULLIF($4, '')::date, NULLIF($5, '')::uuid)
RETURNING `+taskColumns+`;
`, t.OrgID, t.GrantID, t.Title, t.DueDate, t.AssigneeID))
}

func (s *pgTaskStore) ListByGrant(ctx context.Context, orgID string, grantID string) ([]Task, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+taskColumns+`
FROM grants.tasks
WHERE org_id = $1 AND grant_id = $2
ORDER BY created_at;
`, orgID, grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgTaskStore) Update(ctx context.Context, orgID string, taskID string, upd taskUpdate) (Task, error) {
	t, err := scanTask(s.q.QueryRow(ctx, `
UPDATE grants.tasks
SET title = COALESCE($3, title),
    due_date = CASE WHEN $4::text IS NULL THEN due_date ELSE NULLIF($4, '')::date END,
    assignee_id = CASE WHEN $5::text IS NULL THEN assignee_id ELSE NULLIF($5, '')::uuid END,
    updated_at = now()
WHERE org_id = $1 AND id = $2
RETURNING `+taskColumns+`;
`, orgID, taskID, upd.Title, upd.DueDate, upd.AssigneeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, errTaskNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func (s *pgTaskStore) SetDone(ctx context.Context, orgID string, taskID string, done bool) (Task, error) {
	t, err := scanTask(s.q.QueryRow(ctx, `
UPDATE grants.tasks
SET done = $3, updated_at = now()
WHERE org_id = $1 AND id = $2
RETURNING `+taskColumns+`;
`, orgID, taskID, done))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, errTaskNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func (s *pgTaskStore) Delete(ctx context.Context, orgID string, taskID string) error {
	tag, err := s.q.Exec(ctx, `
DELETE FROM grants.tasks WHERE org_id = $1 AND id = $2;
`, orgID, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errTaskNotFound
	}
	return nil
}
