package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lorapark/control-plane/infrastructure/cache"
	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
)

// tenantCacheTTL bounds how stale a cached tenant row (active flag, quotas,
// feature flags) can be before the next lookup refetches it. Short enough
// that an archived/edited tenant takes effect within one request cycle for
// most callers, long enough to absorb the per-request ByID/BySlug hit every
// authenticated request and webhook delivery makes.
const tenantCacheTTL = 10 * time.Second

// TenantStore provides typed access to tenants, users, and memberships.
type TenantStore struct {
	db    *DB
	cache *cache.Cache
}

func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db, cache: cache.NewCache(cache.CacheConfig{DefaultTTL: tenantCacheTTL, MaxSize: 5000})}
}

type tenantRow struct {
	ID                     string         `db:"id"`
	Slug                   string         `db:"slug"`
	DisplayName            string         `db:"display_name"`
	Active                 bool           `db:"active"`
	SubscriptionTier       string         `db:"subscription_tier"`
	FeatureFlags           []byte         `db:"feature_flags"`
	MaxSpaces              int            `db:"max_spaces"`
	MaxDevices             int            `db:"max_devices"`
	MaxUsers               int            `db:"max_users"`
	WebhookSecretEncrypted []byte         `db:"webhook_secret_encrypted"`
	CreatedAt              time.Time      `db:"created_at"`
	ArchivedAt             sql.NullTime   `db:"archived_at"`
}

func (r tenantRow) toDomain() *domain.Tenant {
	t := &domain.Tenant{
		ID: r.ID, Slug: r.Slug, DisplayName: r.DisplayName, Active: r.Active,
		SubscriptionTier: r.SubscriptionTier, MaxSpaces: r.MaxSpaces,
		MaxDevices: r.MaxDevices, MaxUsers: r.MaxUsers,
		WebhookSecretEncrypted: r.WebhookSecretEncrypted, CreatedAt: r.CreatedAt,
	}
	if r.ArchivedAt.Valid {
		t.ArchivedAt = &r.ArchivedAt.Time
	}
	_ = json.Unmarshal(r.FeatureFlags, &t.FeatureFlags)
	return t
}

// BySlug resolves a tenant by its unique slug, used to route webhooks that
// carry a tenant-slug path parameter.
func (s *TenantStore) BySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	cacheKey := "slug:" + slug
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.(*domain.Tenant), nil
	}

	var row tenantRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tenants WHERE slug = $1 AND archived_at IS NULL`, slug)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("tenant", slug)
	}
	if err != nil {
		return nil, errors.DatabaseError("tenant by slug", err)
	}
	t := row.toDomain()
	s.cache.Set(cacheKey, t, 0)
	s.cache.Set("id:"+t.ID, t, 0)
	return t, nil
}

// ByID resolves a tenant by ID.
func (s *TenantStore) ByID(ctx context.Context, id string) (*domain.Tenant, error) {
	cacheKey := "id:" + id
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.(*domain.Tenant), nil
	}

	var row tenantRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tenants WHERE id = $1 AND archived_at IS NULL`, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("tenant", id)
	}
	if err != nil {
		return nil, errors.DatabaseError("tenant by id", err)
	}
	t := row.toDomain()
	s.cache.Set(cacheKey, t, 0)
	s.cache.Set("slug:"+t.Slug, t, 0)
	return t, nil
}

// Create inserts a new tenant. Platform-admin only.
func (s *TenantStore) Create(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	flags, _ := json.Marshal(t.FeatureFlags)
	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO tenants (slug, display_name, subscription_tier, feature_flags, max_spaces, max_devices, max_users)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		t.Slug, t.DisplayName, t.SubscriptionTier, flags, t.MaxSpaces, t.MaxDevices, t.MaxUsers,
	).Scan(&id)
	if isUniqueViolation(err) {
		return nil, errors.AlreadyExists("tenant", t.Slug)
	}
	if err != nil {
		return nil, errors.DatabaseError("create tenant", err)
	}
	return s.ByID(ctx, id)
}

// Archive soft-deletes a tenant. Cascading archival of its spaces/devices/
// reservations/keys is left to the caller's audited mutation sequence so
// each step is individually auditable, per spec.md §3.
func (s *TenantStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET active = false, archived_at = now() WHERE id = $1 AND archived_at IS NULL`, id)
	if err != nil {
		return errors.DatabaseError("archive tenant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("tenant", id)
	}
	s.cache.Invalidate("id:" + id)
	return nil
}

// CountSpaces, CountDevices, CountUsers back quota enforcement
// (internal/ratelimit.QuotaChecker).
func (s *TenantStore) CountSpaces(ctx context.Context, tenantID string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM spaces WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
}

func (s *TenantStore) CountDevices(ctx context.Context, tenantID string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM devices WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
}

func (s *TenantStore) CountUsers(ctx context.Context, tenantID string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM memberships WHERE tenant_id = $1`, tenantID)
}

func (s *TenantStore) count(ctx context.Context, query, tenantID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, query, tenantID); err != nil {
		return 0, errors.DatabaseError("count", err)
	}
	return n, nil
}

// UserByEmail is used by authentication to look up credentials.
func (s *TenantStore) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var row struct {
		ID           string       `db:"id"`
		Email        string       `db:"email"`
		PasswordHash string       `db:"password_hash"`
		CreatedAt    time.Time    `db:"created_at"`
		DisabledAt   sql.NullTime `db:"disabled_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE email = $1`, email)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("user", email)
	}
	if err != nil {
		return nil, errors.DatabaseError("user by email", err)
	}
	u := &domain.User{ID: row.ID, Email: row.Email, PasswordHash: row.PasswordHash, CreatedAt: row.CreatedAt}
	if row.DisabledAt.Valid {
		u.DisabledAt = &row.DisabledAt.Time
	}
	return u, nil
}

// MembershipFor returns a user's role within a tenant.
func (s *TenantStore) MembershipFor(ctx context.Context, userID, tenantID string) (*domain.Membership, error) {
	var row struct {
		UserID    string    `db:"user_id"`
		TenantID  string    `db:"tenant_id"`
		Role      string    `db:"role"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM memberships WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("membership", userID)
	}
	if err != nil {
		return nil, errors.DatabaseError("membership", err)
	}
	return &domain.Membership{UserID: row.UserID, TenantID: row.TenantID, Role: domain.Role(row.Role), CreatedAt: row.CreatedAt}, nil
}
