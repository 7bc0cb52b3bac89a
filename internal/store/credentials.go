package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/lorapark/control-plane/infrastructure/errors"
)

// CredentialStore manages refresh-token families and service keys
// (spec.md §3 Credential, §4.1 refresh rotation).
type CredentialStore struct{ db *DB }

func NewCredentialStore(db *DB) *CredentialStore { return &CredentialStore{db: db} }

// RefreshToken is a stored, hashed refresh token.
type RefreshToken struct {
	ID        string
	UserID    string
	TenantID  string
	TokenHash string
	FamilyID  string
	ParentID  *string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// IssueRefreshFamily creates the first refresh token of a new family, e.g.
// on login.
func (s *CredentialStore) IssueRefreshFamily(ctx context.Context, userID, tenantID, tokenHash string, familyID string, ttl time.Duration) (*RefreshToken, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO refresh_tokens (user_id, tenant_id, token_hash, family_id, expires_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		userID, tenantID, tokenHash, familyID, time.Now().Add(ttl),
	).Scan(&id)
	if err != nil {
		return nil, errors.DatabaseError("issue refresh family", err)
	}
	return s.byID(ctx, id)
}

// Rotate issues a child token in the same family and marks the parent
// revoked, implementing the rotate-on-use rule of spec.md §4.1.
func (s *CredentialStore) Rotate(ctx context.Context, parentID, newTokenHash string, ttl time.Duration) (*RefreshToken, error) {
	parent, err := s.byID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE id = $1`, parentID); err != nil {
		return nil, errors.DatabaseError("revoke parent refresh token", err)
	}
	var id string
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO refresh_tokens (user_id, tenant_id, token_hash, family_id, parent_id, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		parent.UserID, parent.TenantID, newTokenHash, parent.FamilyID, parentID, time.Now().Add(ttl),
	).Scan(&id)
	if err != nil {
		return nil, errors.DatabaseError("rotate refresh token", err)
	}
	return s.byID(ctx, id)
}

// RevokeFamily revokes every token in a family, the reuse-detection response
// of spec.md §4.1.
func (s *CredentialStore) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE family_id = $1 AND revoked_at IS NULL`, familyID)
	if err != nil {
		return errors.DatabaseError("revoke refresh family", err)
	}
	return nil
}

// ByHash looks up a refresh token by its stored hash.
func (s *CredentialStore) ByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var row struct {
		ID        string         `db:"id"`
		UserID    string         `db:"user_id"`
		TenantID  string         `db:"tenant_id"`
		TokenHash string         `db:"token_hash"`
		FamilyID  string         `db:"family_id"`
		ParentID  sql.NullString `db:"parent_id"`
		IssuedAt  time.Time      `db:"issued_at"`
		ExpiresAt time.Time      `db:"expires_at"`
		RevokedAt sql.NullTime   `db:"revoked_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("refresh token", "")
	}
	if err != nil {
		return nil, errors.DatabaseError("refresh token by hash", err)
	}
	return rowToRefreshToken(row.ID, row.UserID, row.TenantID, row.TokenHash, row.FamilyID, row.ParentID, row.IssuedAt, row.ExpiresAt, row.RevokedAt), nil
}

func (s *CredentialStore) byID(ctx context.Context, id string) (*RefreshToken, error) {
	var row struct {
		ID        string         `db:"id"`
		UserID    string         `db:"user_id"`
		TenantID  string         `db:"tenant_id"`
		TokenHash string         `db:"token_hash"`
		FamilyID  string         `db:"family_id"`
		ParentID  sql.NullString `db:"parent_id"`
		IssuedAt  time.Time      `db:"issued_at"`
		ExpiresAt time.Time      `db:"expires_at"`
		RevokedAt sql.NullTime   `db:"revoked_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM refresh_tokens WHERE id = $1`, id)
	if err != nil {
		return nil, errors.DatabaseError("refresh token by id", err)
	}
	return rowToRefreshToken(row.ID, row.UserID, row.TenantID, row.TokenHash, row.FamilyID, row.ParentID, row.IssuedAt, row.ExpiresAt, row.RevokedAt), nil
}

func rowToRefreshToken(id, userID, tenantID, tokenHash, familyID string, parentID sql.NullString, issuedAt, expiresAt time.Time, revokedAt sql.NullTime) *RefreshToken {
	rt := &RefreshToken{ID: id, UserID: userID, TenantID: tenantID, TokenHash: tokenHash, FamilyID: familyID, IssuedAt: issuedAt, ExpiresAt: expiresAt}
	if parentID.Valid {
		rt.ParentID = &parentID.String
	}
	if revokedAt.Valid {
		rt.RevokedAt = &revokedAt.Time
	}
	return rt
}

// PurgeExpired deletes refresh tokens expired more than `grace` ago
// (spec.md §4.9, default 7 days).
func (s *CredentialStore) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, time.Now().Add(-grace))
	if err != nil {
		return 0, errors.DatabaseError("purge refresh tokens", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ServiceKey is an opaque, tenant-bound credential carrying scopes.
type ServiceKey struct {
	ID        string
	TenantID  string
	Name      string
	KeyHash   string
	Scopes    []string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// IssueServiceKey stores a new service key's hash (the plaintext key is
// generated and returned by internal/auth; this store only ever sees the
// hash, matching the Credential invariant of spec.md §3).
func (s *CredentialStore) IssueServiceKey(ctx context.Context, tenantID, name, keyHash string, scopes []string) (*ServiceKey, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO service_keys (tenant_id, name, key_hash, scopes) VALUES ($1,$2,$3,$4) RETURNING id`,
		tenantID, name, keyHash, pq.Array(scopes),
	).Scan(&id)
	if err != nil {
		return nil, errors.DatabaseError("issue service key", err)
	}
	return s.serviceKeyByID(ctx, id)
}

// ServiceKeyByHash looks up an un-revoked service key for authentication.
func (s *CredentialStore) ServiceKeyByHash(ctx context.Context, keyHash string) (*ServiceKey, error) {
	var row serviceKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM service_keys WHERE key_hash = $1 AND revoked_at IS NULL`, keyHash)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("service key", "")
	}
	if err != nil {
		return nil, errors.DatabaseError("service key by hash", err)
	}
	return row.toDomain(), nil
}

func (s *CredentialStore) serviceKeyByID(ctx context.Context, id string) (*ServiceKey, error) {
	var row serviceKeyRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM service_keys WHERE id = $1`, id); err != nil {
		return nil, errors.DatabaseError("service key by id", err)
	}
	return row.toDomain(), nil
}

// RevokeServiceKey revokes a key within its owning tenant.
func (s *CredentialStore) RevokeServiceKey(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE service_keys SET revoked_at = now() WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL`, id, tenantID)
	if err != nil {
		return errors.DatabaseError("revoke service key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("service key", id)
	}
	return nil
}

// ListServiceKeys lists a tenant's non-revoked keys.
func (s *CredentialStore) ListServiceKeys(ctx context.Context, tenantID string) ([]*ServiceKey, error) {
	var rows []serviceKeyRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM service_keys WHERE tenant_id = $1 AND revoked_at IS NULL ORDER BY created_at DESC`, tenantID); err != nil {
		return nil, errors.DatabaseError("list service keys", err)
	}
	out := make([]*ServiceKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type serviceKeyRow struct {
	ID        string         `db:"id"`
	TenantID  string         `db:"tenant_id"`
	Name      string         `db:"name"`
	KeyHash   string         `db:"key_hash"`
	Scopes    pq.StringArray `db:"scopes"`
	CreatedAt time.Time      `db:"created_at"`
	RevokedAt sql.NullTime   `db:"revoked_at"`
}

func (r serviceKeyRow) toDomain() *ServiceKey {
	k := &ServiceKey{ID: r.ID, TenantID: r.TenantID, Name: r.Name, KeyHash: r.KeyHash, Scopes: []string(r.Scopes), CreatedAt: r.CreatedAt}
	if r.RevokedAt.Valid {
		k.RevokedAt = &r.RevokedAt.Time
	}
	return k
}
