package server

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	totpStatusPending = "pending"
	totpStatusActive  = "active"
)

var (
	errTwoFactorAlreadyEnabled = errors.New("TWO_FACTOR_ALREADY_ENABLED")
	errTwoFactorNotEnrolled    = errors.New("TWO_FACTOR_NOT_ENROLLED")
)

// twoFactorStore persists TOTP secrets and recovery codes. At most one
// active secret may exist per member; enrolling replaces any pending one.
type twoFactorStore interface {
	ActiveSecret(ctx context.Context, orgID string, memberID string) (secret string, ok bool, err error)
	PendingSecret(ctx context.Context, orgID string, memberID string) (secret string, ok bool, err error)
	Enroll(ctx context.Context, orgID string, memberID string, secret string) error
	Activate(ctx context.Context, orgID string, memberID string) error
	Deactivate(ctx context.Context, orgID string, memberID string) error
	StoreRecoveryCodes(ctx context.Context, orgID string, memberID string, hashes [][]byte) error
	ConsumeRecoveryCode(ctx context.Context, orgID string, memberID string, hash []byte) (bool, error)
}

func newRecoveryCodes() (codes []string, hashes [][]byte, err error) {
	const n = 10
	codes = make([]string, 0, n)
	hashes = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		var b [5]byte
		if _, err := sidRandReader.Read(b[:]); err != nil {
			return nil, nil, err
		}
		code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:])
		sum := sha256.Sum256([]byte(code))
		codes = append(codes, code)
		hashes = append(hashes, sum[:])
	}
	return codes, hashes, nil
}

func hashRecoveryCode(code string) []byte {
	sum := sha256.Sum256([]byte(code))
	return sum[:]
}

type memoryTwoFactorSecret struct {
	Secret string
	Status string
}

type memoryTwoFactorStore struct {
	mu       sync.Mutex
	byMember map[string]memoryTwoFactorSecret
	recovery map[string]map[string]bool // member key -> hex hash -> unused
}

func newMemoryTwoFactorStore() *memoryTwoFactorStore {
	return &memoryTwoFactorStore{
		byMember: map[string]memoryTwoFactorSecret{},
		recovery: map[string]map[string]bool{},
	}
}

func twoFactorKey(orgID, memberID string) string { return orgID + "|" + memberID }

func (s *memoryTwoFactorStore) ActiveSecret(_ context.Context, orgID string, memberID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.byMember[twoFactorKey(orgID, memberID)]
	if !ok || v.Status != totpStatusActive {
		return "", false, nil
	}
	return v.Secret, true, nil
}

func (s *memoryTwoFactorStore) PendingSecret(_ context.Context, orgID string, memberID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.byMember[twoFactorKey(orgID, memberID)]
	if !ok || v.Status != totpStatusPending {
		return "", false, nil
	}
	return v.Secret, true, nil
}

func (s *memoryTwoFactorStore) Enroll(_ context.Context, orgID string, memberID string, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := twoFactorKey(orgID, memberID)
	if v, ok := s.byMember[key]; ok && v.Status == totpStatusActive {
		return errTwoFactorAlreadyEnabled
	}
	s.byMember[key] = memoryTwoFactorSecret{Secret: secret, Status: totpStatusPending}
	return nil
}

func (s *memoryTwoFactorStore) Activate(_ context.Context, orgID string, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := twoFactorKey(orgID, memberID)
	v, ok := s.byMember[key]
	if !ok || v.Status != totpStatusPending {
		return errTwoFactorNotEnrolled
	}
	v.Status = totpStatusActive
	s.byMember[key] = v
	return nil
}

func (s *memoryTwoFactorStore) Deactivate(_ context.Context, orgID string, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := twoFactorKey(orgID, memberID)
	delete(s.byMember, key)
	delete(s.recovery, key)
	return nil
}

func (s *memoryTwoFactorStore) StoreRecoveryCodes(_ context.Context, orgID string, memberID string, hashes [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := twoFactorKey(orgID, memberID)
	m := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		m[string(h)] = true
	}
	s.recovery[key] = m
	return nil
}

func (s *memoryTwoFactorStore) ConsumeRecoveryCode(_ context.Context, orgID string, memberID string, hash []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := twoFactorKey(orgID, memberID)
	m := s.recovery[key]
	if m == nil || !m[string(hash)] {
		return false, nil
	}
	delete(m, string(hash))
	return true, nil
}

type pgTwoFactorStore struct {
	q queryExecer
}

func newTwoFactorStore(pool *pgxpool.Pool) twoFactorStore {
	if pool == nil {
		return newMemoryTwoFactorStore()
	}
	return &pgTwoFactorStore{q: pool}
}

func (s *pgTwoFactorStore) secret(ctx context.Context, orgID, memberID, status string) (string, bool, error) {
	var secret string
	err := s.q.QueryRow(ctx, `
SELECT secret
FROM iam.totp_secrets
WHERE org_id = $1 AND member_id = $2 AND status = $3;
`, orgID, memberID, status).Scan(&secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return secret, true, nil
}

func (s *pgTwoFactorStore) ActiveSecret(ctx context.Context, orgID string, memberID string) (string, bool, error) {
	return s.secret(ctx, orgID, memberID, totpStatusActive)
}

func (s *pgTwoFactorStore) PendingSecret(ctx context.Context, orgID string, memberID string) (string, bool, error) {
	return s.secret(ctx, orgID, memberID, totpStatusPending)
}

func (s *pgTwoFactorStore) Enroll(ctx context.Context, orgID string, memberID string, secret string) error {
	var active bool
	err := s.q.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM iam.totp_secrets
  WHERE org_id = $1 AND member_id = $2 AND status = 'active'
);
`, orgID, memberID).Scan(&active)
	if err != nil {
		return err
	}
	if active {
		return errTwoFactorAlreadyEnabled
	}

	// Partial unique index (org_id, member_id) WHERE status = 'pending'
	// makes the upsert race-safe.
	_, err = s.q.Exec(ctx, `
INSERT INTO iam.totp_secrets (org_id, member_id, secret, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (org_id, member_id) WHERE status = 'pending' DO UPDATE SET
  secret = EXCLUDED.secret,
  updated_at = now();
`, orgID, memberID, secret)
	return err
}

func (s *pgTwoFactorStore) Activate(ctx context.Context, orgID string, memberID string) error {
	tag, err := s.q.Exec(ctx, `
UPDATE iam.totp_secrets
SET status = 'active', updated_at = now()
WHERE org_id = $1 AND member_id = $2 AND status = 'pending';
`, orgID, memberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errTwoFactorNotEnrolled
	}
	return nil
}

func (s *pgTwoFactorStore) Deactivate(ctx context.Context, orgID string, memberID string) error {
	if _, err := s.q.Exec(ctx, `
DELETE FROM iam.totp_secrets WHERE org_id = $1 AND member_id = $2;
`, orgID, memberID); err != nil {
		return err
	}
	_, err := s.q.Exec(ctx, `
DELETE FROM iam.recovery_codes WHERE org_id = $1 AND member_id = $2;
`, orgID, memberID)
	return err
}

func (s *pgTwoFactorStore) StoreRecoveryCodes(ctx context.Context, orgID string, memberID string, hashes [][]byte) error {
	if _, err := s.q.Exec(ctx, `
DELETE FROM iam.recovery_codes WHERE org_id = $1 AND member_id = $2;
`, orgID, memberID); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := s.q.Exec(ctx, `
INSERT INTO iam.recovery_codes (org_id, member_id, code_sha256)
VALUES ($1, $2, $3);
`, orgID, memberID, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgTwoFactorStore) ConsumeRecoveryCode(ctx context.Context, orgID string, memberID string, hash []byte) (bool, error) {
	tag, err := s.q.Exec(ctx, `
DELETE FROM iam.recovery_codes
WHERE org_id = $1 AND member_id = $2 AND code_sha256 = $3;
`, orgID, memberID, hash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
