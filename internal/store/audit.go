package store

import (
	"context"
	"strconv"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/internal/domain"
)

// AuditStore appends to the audit ledger (spec.md §4.6). The
// audit_log_no_update trigger (0005_downlinks_and_audit.sql) rejects any
// UPDATE, so rows are append-only in practice; PurgeOlderThan is the one
// permitted DELETE path, run by the retention job (spec.md §4.9).
type AuditStore struct{ db *DB }

func NewAuditStore(db *DB) *AuditStore { return &AuditStore{db: db} }

// Append writes one audit entry. It never fails the triggering operation
// silently: callers should log (not swallow) an Append error, since losing
// an audit row for a privileged mutation is itself a security-relevant event.
func (s *AuditStore) Append(ctx context.Context, e *domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (tenant_id, actor_type, actor_id, action, resource, resource_id, before_snapshot, after_snapshot, request_id, client_ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.TenantID, string(e.ActorType), e.ActorID, e.Action, e.Resource, e.ResourceID,
		e.BeforeSnapshot, e.AfterSnapshot, e.RequestID, e.ClientIP)
	if err != nil {
		return errors.DatabaseError("append audit entry", err)
	}
	return nil
}

// ForTenant lists recent audit entries for a tenant (platform-admin may pass
// an empty tenantID to span tenants, enforced by the caller's role check).
func (s *AuditStore) ForTenant(ctx context.Context, tenantID string, limit int) ([]*domain.AuditEntry, error) {
	var rows []struct {
		ID             int64          `db:"id"`
		TenantID       *string        `db:"tenant_id"`
		ActorType      string         `db:"actor_type"`
		ActorID        *string        `db:"actor_id"`
		Action         string         `db:"action"`
		Resource       string         `db:"resource"`
		ResourceID     *string        `db:"resource_id"`
		RequestID      *string        `db:"request_id"`
		ClientIP       *string        `db:"client_ip"`
	}
	query := `SELECT id, tenant_id, actor_type, actor_id, action, resource, resource_id, request_id, client_ip FROM audit_log`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.DatabaseError("list audit entries", err)
	}
	out := make([]*domain.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.AuditEntry{
			ID: r.ID, TenantID: r.TenantID, ActorType: domain.ActorType(r.ActorType), ActorID: r.ActorID,
			Action: r.Action, Resource: r.Resource, ResourceID: r.ResourceID, RequestID: r.RequestID, ClientIP: r.ClientIP,
		})
	}
	return out, nil
}

// PurgeOlderThan deletes audit entries older than the retention window
// (spec.md §4.9, default 90 days). It never touches a row within the
// window: retention purge is the only DELETE the application issues
// against audit_log (the schema's trigger guards UPDATE only).
func (s *AuditStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, errors.DatabaseError("purge audit log", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
