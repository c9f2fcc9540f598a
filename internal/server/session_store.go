package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sidCookieName = "sid"

var sidRandReader io.Reader = rand.Reader

type Session struct {
	OrgID     string
	MemberID  string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type sessionStore interface {
	Create(ctx context.Context, orgID string, memberID string, expiresAt time.Time, ip string, userAgent string) (sid string, err error)
	Lookup(ctx context.Context, sid string) (Session, bool, error)
	Revoke(ctx context.Context, sid string) error
}

type memberStore interface {
	GetByEmail(ctx context.Context, orgID string, email string) (Member, bool, error)
	GetByID(ctx context.Context, orgID string, memberID string) (Member, bool, error)
	LinkIdentity(ctx context.Context, orgID string, memberID string, identityID string) error
	List(ctx context.Context, orgID string) ([]Member, error)
	SetRole(ctx context.Context, orgID string, memberID string, role string) (Member, error)
	Disable(ctx context.Context, orgID string, memberID string) error
	CreateInvite(ctx context.Context, orgID string, email string, role string, tokenSha256 []byte, expiresAt time.Time, invitedBy string) (inviteID string, err error)
	AcceptInvite(ctx context.Context, orgID string, tokenSha256 []byte, name string) (Member, error)
}

func sidTTLFromEnv() time.Duration {
	const defaultHours = 24 * 14

	v := os.Getenv("SID_TTL_HOURS")
	if v == "" {
		return time.Hour * defaultHours
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Hour * defaultHours
	}
	return time.Hour * time.Duration(n)
}

func newSID() (sid string, tokenSha256 []byte, err error) {
	var b [32]byte
	if _, err := sidRandReader.Read(b[:]); err != nil {
		return "", nil, err
	}
	sid = base64.RawURLEncoding.EncodeToString(b[:])
	sum := sha256.Sum256([]byte(sid))
	return sid, sum[:], nil
}

// readSID accepts the sid cookie or an Authorization: Bearer header so API
// callers without a cookie jar can authenticate the same session.
func readSID(r *http.Request) (string, bool) {
	if c, err := r.Cookie(sidCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		token = strings.TrimSpace(token)
		if token != "" {
			return token, true
		}
	}
	return "", false
}

func setSIDCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSIDCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type memorySessionStore struct {
	mu    sync.Mutex
	bySID map[string]Session
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{
		bySID: map[string]Session{},
	}
}

func (s *memorySessionStore) Create(_ context.Context, orgID string, memberID string, expiresAt time.Time, _ string, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, _, err := newSID()
	if err != nil {
		return "", err
	}
	s.bySID[sid] = Session{
		OrgID:     orgID,
		MemberID:  memberID,
		ExpiresAt: expiresAt,
	}
	return sid, nil
}

func (s *memorySessionStore) Lookup(_ context.Context, sid string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.bySID[sid]
	if !ok {
		return Session{}, false, nil
	}
	if v.RevokedAt != nil {
		return Session{}, false, nil
	}
	if time.Now().After(v.ExpiresAt) {
		return Session{}, false, nil
	}
	return v, true, nil
}

func (s *memorySessionStore) Revoke(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bySID, sid)
	return nil
}

type queryExecer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgSessionStore struct {
	q queryExecer
}

func newSessionStore(pool *pgxpool.Pool) sessionStore {
	if pool == nil {
		return newMemorySessionStore()
	}
	return &pgSessionStore{q: pool}
}

func (s *pgSessionStore) Create(ctx context.Context, orgID string, memberID string, expiresAt time.Time, ip string, userAgent string) (string, error) {
	sid, tokenSha256, err := newSID()
	if err != nil {
		return "", err
	}
	_, err = s.q.Exec(ctx, `
INSERT INTO iam.sessions (token_sha256, org_id, member_id, expires_at, ip, user_agent)
VALUES ($1, $2, $3, $4, $5, $6);
`, tokenSha256, orgID, memberID, expiresAt, ip, userAgent)
	if err != nil {
		return "", err
	}
	return sid, nil
}

func (s *pgSessionStore) Lookup(ctx context.Context, sid string) (Session, bool, error) {
	sum := sha256.Sum256([]byte(sid))
	var out Session
	var revokedAt *time.Time
	err := s.q.QueryRow(ctx, `
SELECT org_id::text, member_id::text, expires_at, revoked_at
FROM iam.sessions
WHERE token_sha256 = $1;
	`, sum[:]).Scan(&out.OrgID, &out.MemberID, &out.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	out.RevokedAt = revokedAt
	if out.RevokedAt != nil {
		return Session{}, false, nil
	}
	if time.Now().After(out.ExpiresAt) {
		return Session{}, false, nil
	}
	return out, true, nil
}

func (s *pgSessionStore) Revoke(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(sid))
	_, err := s.q.Exec(ctx, `DELETE FROM iam.sessions WHERE token_sha256 = $1;`, sum[:])
	return err
}
