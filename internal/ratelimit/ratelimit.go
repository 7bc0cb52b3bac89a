// Package ratelimit enforces the token-bucket request limits of spec.md
// §4.7 (webhook ingest, reservation create, downlink enqueue) and the
// tenant quota checks (max_spaces, max_devices, max_users).
package ratelimit

import (
	"context"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/store"
)

// Limiter wraps the coordination store's token buckets with the keying
// strategies spec.md §4.7 calls for: tenant and source IP.
type Limiter struct {
	coord *coord.Store
}

func NewLimiter(c *coord.Store) *Limiter {
	return &Limiter{coord: c}
}

// AllowTenant applies a per-tenant rate, e.g. reservation creates.
func (l *Limiter) AllowTenant(ctx context.Context, tenantID string, rate, burst int, per time.Duration) (bool, time.Duration, error) {
	bucket := l.coord.NewTokenBucket(rate, burst, per)
	return bucket.Allow(ctx, "ratelimit:tenant:"+tenantID)
}

// AllowIP applies a per-source-IP rate, e.g. unauthenticated webhook floods.
func (l *Limiter) AllowIP(ctx context.Context, ip string, rate, burst int, per time.Duration) (bool, time.Duration, error) {
	bucket := l.coord.NewTokenBucket(rate, burst, per)
	return bucket.Allow(ctx, "ratelimit:ip:"+ip)
}

// QuotaChecker enforces max_spaces/max_devices/max_users at mutation time.
type QuotaChecker struct {
	tenants *store.TenantStore
}

func NewQuotaChecker(tenants *store.TenantStore) *QuotaChecker {
	return &QuotaChecker{tenants: tenants}
}

// CheckSpaces returns a Conflict error if creating one more space would
// exceed the tenant's max_spaces quota.
func (q *QuotaChecker) CheckSpaces(ctx context.Context, tenant *domain.Tenant) error {
	count, err := q.tenants.CountSpaces(ctx, tenant.ID)
	if err != nil {
		return err
	}
	if tenant.MaxSpaces > 0 && count >= tenant.MaxSpaces {
		return errors.Conflict("tenant has reached its max_spaces quota")
	}
	return nil
}

func (q *QuotaChecker) CheckDevices(ctx context.Context, tenant *domain.Tenant) error {
	count, err := q.tenants.CountDevices(ctx, tenant.ID)
	if err != nil {
		return err
	}
	if tenant.MaxDevices > 0 && count >= tenant.MaxDevices {
		return errors.Conflict("tenant has reached its max_devices quota")
	}
	return nil
}

func (q *QuotaChecker) CheckUsers(ctx context.Context, tenant *domain.Tenant) error {
	count, err := q.tenants.CountUsers(ctx, tenant.ID)
	if err != nil {
		return err
	}
	if tenant.MaxUsers > 0 && count >= tenant.MaxUsers {
		return errors.Conflict("tenant has reached its max_users quota")
	}
	return nil
}
