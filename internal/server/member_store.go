package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
	"github.com/SamWylde/grant-tracker-new-sub002/pkg/uuidv7"
)

const (
	memberStatusActive   = "active"
	memberStatusInvited  = "invited"
	memberStatusDisabled = "disabled"
)

var (
	errMemberNotFound         = errors.New("MEMBER_NOT_FOUND")
	errMemberIdentityMismatch = errors.New("MEMBER_IDENTITY_MISMATCH")
	errInviteNotFound         = errors.New("INVITE_NOT_FOUND")
	errInviteExpired          = errors.New("INVITE_EXPIRED")
	errInviteEmailConflict    = errors.New("INVITE_EMAIL_CONFLICT")
	errLastOwner              = errors.New("LAST_OWNER")
)

func validMemberRole(role string) bool {
	switch role {
	case authz.RoleOwner, authz.RoleOrgAdmin, authz.RoleMember, authz.RoleViewer:
		return true
	}
	return false
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newInviteToken() (token string, tokenSha256 []byte, err error) {
	var b [32]byte
	if _, err := sidRandReader.Read(b[:]); err != nil {
		return "", nil, err
	}
	token = base64.RawURLEncoding.EncodeToString(b[:])
	return token, hashInviteToken(token), nil
}

func hashInviteToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

type memoryInvite struct {
	ID        string
	OrgID     string
	Email     string
	Role      string
	TokenSum  string
	ExpiresAt time.Time
	InvitedBy string
	Accepted  bool
}

type memoryMemberStore struct {
	mu      sync.Mutex
	byID    map[string]Member
	invites map[string]memoryInvite
}

func newMemoryMemberStore() *memoryMemberStore {
	return &memoryMemberStore{
		byID:    map[string]Member{},
		invites: map[string]memoryInvite{},
	}
}

func (s *memoryMemberStore) put(m Member) { s.byID[m.ID] = m }

func (s *memoryMemberStore) GetByEmail(_ context.Context, orgID string, email string) (Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = normalizeEmail(email)
	for _, m := range s.byID {
		if m.OrgID == orgID && m.Email == email {
			return m, true, nil
		}
	}
	return Member{}, false, nil
}

func (s *memoryMemberStore) GetByID(_ context.Context, orgID string, memberID string) (Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[memberID]
	if !ok || m.OrgID != orgID {
		return Member{}, false, nil
	}
	return m, true, nil
}

func (s *memoryMemberStore) LinkIdentity(_ context.Context, orgID string, memberID string, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[memberID]
	if !ok || m.OrgID != orgID {
		return errMemberNotFound
	}
	if m.IdentityID != "" && m.IdentityID != identityID {
		return errMemberIdentityMismatch
	}
	m.IdentityID = identityID
	s.byID[memberID] = m
	return nil
}

func (s *memoryMemberStore) List(_ context.Context, orgID string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Member, 0)
	for _, m := range s.byID {
		if m.OrgID == orgID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memoryMemberStore) SetRole(_ context.Context, orgID string, memberID string, role string) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[memberID]
	if !ok || m.OrgID != orgID {
		return Member{}, errMemberNotFound
	}
	if m.Role == authz.RoleOwner && role != authz.RoleOwner && s.countOwnersLocked(orgID) <= 1 {
		return Member{}, errLastOwner
	}
	m.Role = role
	s.byID[memberID] = m
	return m, nil
}

func (s *memoryMemberStore) Disable(_ context.Context, orgID string, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[memberID]
	if !ok || m.OrgID != orgID {
		return errMemberNotFound
	}
	if m.Role == authz.RoleOwner && s.countOwnersLocked(orgID) <= 1 {
		return errLastOwner
	}
	m.Status = memberStatusDisabled
	s.byID[memberID] = m
	return nil
}

func (s *memoryMemberStore) countOwnersLocked(orgID string) int {
	n := 0
	for _, m := range s.byID {
		if m.OrgID == orgID && m.Role == authz.RoleOwner && m.Status == memberStatusActive {
			n++
		}
	}
	return n
}

func (s *memoryMemberStore) CreateInvite(_ context.Context, orgID string, email string, role string, tokenSha256 []byte, expiresAt time.Time, invitedBy string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = normalizeEmail(email)
	for _, m := range s.byID {
		if m.OrgID == orgID && m.Email == email && m.Status != memberStatusDisabled {
			return "", errInviteEmailConflict
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return "", err
	}
	s.invites[string(tokenSha256)] = memoryInvite{
		ID:        id,
		OrgID:     orgID,
		Email:     email,
		Role:      role,
		ExpiresAt: expiresAt,
		InvitedBy: invitedBy,
	}
	return id, nil
}

func (s *memoryMemberStore) AcceptInvite(_ context.Context, orgID string, tokenSha256 []byte, name string) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[string(tokenSha256)]
	if !ok || inv.OrgID != orgID || inv.Accepted {
		return Member{}, errInviteNotFound
	}
	if time.Now().After(inv.ExpiresAt) {
		return Member{}, errInviteExpired
	}
	inv.Accepted = true
	s.invites[string(tokenSha256)] = inv

	id, err := uuidv7.NewString()
	if err != nil {
		return Member{}, err
	}
	m := Member{
		ID:     id,
		OrgID:  orgID,
		Email:  inv.Email,
		Name:   strings.TrimSpace(name),
		Role:   inv.Role,
		Status: memberStatusActive,
	}
	s.byID[id] = m
	return m, nil
}

type pgMemberStore struct {
	q queryExecer
}

func newMemberStore(pool *pgxpool.Pool) memberStore {
	if pool == nil {
		return newMemoryMemberStore()
	}
	return &pgMemberStore{q: pool}
}

func scanMember(row pgx.Row) (Member, error) {
	var m Member
	var identityID *string
	err := row.Scan(&m.ID, &m.OrgID, &m.Email, &m.Name, &m.Role, &m.Status, &identityID)
	if err != nil {
		return Member{}, err
	}
	if identityID != nil {
		m.IdentityID = *identityID
	}
	return m, nil
}

const memberColumns = `id::text, org_id::text, email, name, role, status, identity_id::text`

func (s *pgMemberStore) GetByEmail(ctx context.Context, orgID string, email string) (Member, bool, error) {
	m, err := scanMember(s.q.QueryRow(ctx, `
SELECT `+memberColumns+`
FROM iam.org_members
WHERE org_id = $1 AND email = $2;
`, orgID, normalizeEmail(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, false, nil
		}
		return Member{}, false, err
	}
	return m, true, nil
}

func (s *pgMemberStore) GetByID(ctx context.Context, orgID string, memberID string) (Member, bool, error) {
	m, err := scanMember(s.q.QueryRow(ctx, `
SELECT `+memberColumns+`
FROM iam.org_members
WHERE org_id = $1 AND id = $2;
`, orgID, memberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, false, nil
		}
		return Member{}, false, err
	}
	return m, true, nil
}

func (s *pgMemberStore) LinkIdentity(ctx context.Context, orgID string, memberID string, identityID string) error {
	var linked string
	err := s.q.QueryRow(ctx, `
UPDATE iam.org_members
SET identity_id = COALESCE(identity_id, $3::uuid),
    updated_at = now()
WHERE org_id = $1 AND id = $2
RETURNING COALESCE(identity_id::text, '');
`, orgID, memberID, identityID).Scan(&linked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errMemberNotFound
		}
		return err
	}
	if linked != identityID {
		return errMemberIdentityMismatch
	}
	return nil
}

func (s *pgMemberStore) List(ctx context.Context, orgID string) ([]Member, error) {
	rows, err := s.q.Query(ctx, `
SELECT `+memberColumns+`
FROM iam.org_members
WHERE org_id = $1
ORDER BY created_at;
`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *pgMemberStore) SetRole(ctx context.Context, orgID string, memberID string, role string) (Member, error) {
	if role != authz.RoleOwner {
		var owners int
		err := s.q.QueryRow(ctx, `
SELECT count(*) FROM iam.org_members
WHERE org_id = $1 AND role = 'owner' AND status = 'active' AND id <> $2;
`, orgID, memberID).Scan(&owners)
		if err != nil {
			return Member{}, err
		}
		var isOwner bool
		err = s.q.QueryRow(ctx, `
SELECT role = 'owner' FROM iam.org_members WHERE org_id = $1 AND id = $2;
`, orgID, memberID).Scan(&isOwner)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Member{}, errMemberNotFound
			}
			return Member{}, err
		}
		if isOwner && owners == 0 {
			return Member{}, errLastOwner
		}
	}

	m, err := scanMember(s.q.QueryRow(ctx, `
UPDATE iam.org_members
SET role = $3, updated_at = now()
WHERE org_id = $1 AND id = $2
RETURNING `+memberColumns+`;
`, orgID, memberID, role))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, errMemberNotFound
		}
		return Member{}, err
	}
	return m, nil
}

func (s *pgMemberStore) Disable(ctx context.Context, orgID string, memberID string) error {
	var owners int
	err := s.q.QueryRow(ctx, `
SELECT count(*) FROM iam.org_members
WHERE org_id = $1 AND role = 'owner' AND status = 'active' AND id <> $2;
`, orgID, memberID).Scan(&owners)
	if err != nil {
		return err
	}
	var isOwner bool
	err = s.q.QueryRow(ctx, `
SELECT role = 'owner' FROM iam.org_members WHERE org_id = $1 AND id = $2;
`, orgID, memberID).Scan(&isOwner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errMemberNotFound
		}
		return err
	}
	if isOwner && owners == 0 {
		return errLastOwner
	}

	tag, err := s.q.Exec(ctx, `
UPDATE iam.org_members
SET status = 'disabled', updated_at = now()
WHERE org_id = $1 AND id = $2;
`, orgID, memberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errMemberNotFound
	}
	return nil
}

func (s *pgMemberStore) CreateInvite(ctx context.Context, orgID string, email string, role string, tokenSha256 []byte, expiresAt time.Time, invitedBy string) (string, error) {
	email = normalizeEmail(email)

	var exists bool
	err := s.q.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM iam.org_members
  WHERE org_id = $1 AND email = $2 AND status <> 'disabled'
);
`, orgID, email).Scan(&exists)
	if err != nil {
		return "", err
	}
	if exists {
		return "", errInviteEmailConflict
	}

	var id string
	err = s.q.QueryRow(ctx, `
INSERT INTO iam.org_invites (org_id, email, role, token_sha256, expires_at, invited_by)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id::text;
`, orgID, email, role, tokenSha256, expiresAt, invitedBy).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *pgMemberStore) AcceptInvite(ctx context.Context, orgID string, tokenSha256 []byte, name string) (Member, error) {
	var email, role string
	var expiresAt time.Time
	err := s.q.QueryRow(ctx, `
UPDATE iam.org_invites
SET accepted_at = now()
WHERE org_id = $1 AND token_sha256 = $2 AND accepted_at IS NULL
RETURNING email, role, expires_at;
`, orgID, tokenSha256).Scan(&email, &role, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, errInviteNotFound
		}
		return Member{}, err
	}
	if time.Now().After(expiresAt) {
		return Member{}, errInviteExpired
	}

	m, err := scanMember(s.q.QueryRow(ctx, `
INSERT INTO iam.org_members (org_id, email, name, role, status)
VALUES ($1, $2, $3, $4, 'active')
ON CONFLICT (org_id, email) DO UPDATE SET
  name = EXCLUDED.name,
  role = EXCLUDED.role,
  status = 'active',
  updated_at = now()
RETURNING `+memberColumns+`;
`, orgID, email, strings.TrimSpace(name), role))
	if err != nil {
		return Member{}, err
	}
	return m, nil
}
