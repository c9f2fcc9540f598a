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

var errCommentNotFound = errors.New("COMMENT_NOT_FOUND")

type Comment struct {
	ID        string
	OrgID     string
	GrantID   string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

type commentStore interface {
	Create(ctx context.Context, c Comment) (Comment, error)
	ListByGrant(ctx context.Context, orgID string, grantID string) ([]Comment, error)
	Get(ctx context.Context, orgID string, commentID string) (Comment, bool, error)
	Delete(ctx context.Context, orgID string, commentID string) error
}

type memoryCommentStore struct {
	mu   sync.Mutex
	byID map[string]Comment
}

func newMemoryCommentStore() *memoryCommentStore {
	return &memoryCommentStore{byID: map[string]Comment{}}
}

func (s *memoryCommentStore) Create(_ context.Context, c Comment) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := uuidv7.NewString()
	if err != nil {
		return Comment{}, err
	}
	c.ID = id
	c.CreatedAt = time.Now().UTC()
	s.byID[id] = c
	return c, nil
}

func (s *memoryCommentStore) ListByGrant(_ context.Context, orgID string, grantID string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Comment, 0)
	for _, c := range s.byID {
		if c.OrgID == orgID && c.GrantID == grantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryCommentStore) Get(_ context.Context, orgID string, commentID string) (Comment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[commentID]
	if !ok || c.OrgID != orgID {
		return Comment{}, false, nil
	}
	return c, true, nil
}

func (s *memoryCommentStore) Delete(_ context.Context, orgID string, commentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[commentID]
	if !ok || c.OrgID != orgID {
		return errCommentNotFound
	}
	delete(s.byID, commentID)
	return nil
}

type pgCommentStore struct {
	q queryExecer
}

func newCommentStore(pool *pgxpool.Pool) commentStore {
	if pool == nil {
		return newMemoryCommentStore()
	}
	return &pgCommentStore{q: pool}
}

const commentColumns = `id::text, org_id::text, grant_id::text, author_id::text, body, created_at`

func scanComment(row pgx.Row) (Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.OrgID, &c.GrantID, &c.AuthorID, &c.Body, &c.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *pgCommentStore) Create(ctx context.Context, c Comment) (Comment, error) {
	return scanComment(s.q.QueryRow(ctx, `
INSERT INTO grants.comments (org_id, grant_id, author_id, body)
VALUES ($1, $2, $3, $4)
RETURNING `+commentColumns+`;
`, c.OrgID, c.GrantID, c.AuthorID, c.Body))
}

func (s *pgCommentStore) ListByGrant(ctx context.Context, orgID string, grantID string) ([]Comment, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+commentColumns+`
FROM grants.comments
WHERE org_id = $1 AND grant_id = $2
ORDER BY created_at;
`, orgID, grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgCommentStore) Get(ctx context.Context, orgID string, commentID string) (Comment, bool, error) {
	c, err := scanComment(s.q.QueryRow(ctx, `
SELECT `+commentColumns+`
FROM grants.comments
WHERE org_id = $1 AND id = $2;
`, orgID, commentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, false, nil
		}
		return Comment{}, false, err
	}
	return c, true, nil
}

func (s *pgCommentStore) Delete(ctx context.Context, orgID string, commentID string) error {
	tag, err := s.q.Exec(ctx, `
DELETE FROM grants.comments WHERE org_id = $1 AND id = $2;
`, orgID, commentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errCommentNotFound
	}
	return nil
}
