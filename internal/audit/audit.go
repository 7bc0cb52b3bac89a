// Package audit appends entries to the immutable audit ledger with a
// consistent resource.verb action naming convention (spec.md §4.6).
package audit

import (
	"context"
	"encoding/json"

	"github.com/lorapark/control-plane/infrastructure/logging"
	"github.com/lorapark/control-plane/internal/auth"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/store"
)

type Recorder struct {
	audit  *store.AuditStore
	logger *logging.Logger
}

func NewRecorder(auditStore *store.AuditStore, logger *logging.Logger) *Recorder {
	return &Recorder{audit: auditStore, logger: logger}
}

// Entry describes one privileged mutation to record. Resource and Verb are
// joined as "resource.verb" per spec.md §4.6 (e.g. "space.update").
type Entry struct {
	Principal  auth.Principal
	Resource   string
	Verb       string
	ResourceID string
	Before     interface{}
	After      interface{}
	RequestID  string
	ClientIP   string
}

// Record writes an audit entry. Failures are logged, never returned to the
// caller: losing an audit row must not fail the mutation it describes, but
// it is itself a security-relevant event worth a loud log line.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	actorType := domain.ActorUser
	actorID := e.Principal.UserID
	if e.Principal.Kind == auth.PrincipalServiceKey {
		actorType = domain.ActorServiceKey
		actorID = e.Principal.KeyID
	}
	if e.Principal.Kind == auth.PrincipalAnonymous {
		actorType = domain.ActorSystem
	}

	entry := &domain.AuditEntry{
		TenantID:   stringPtrOrNil(e.Principal.TenantID),
		ActorType:  actorType,
		ActorID:    stringPtrOrNil(actorID),
		Action:     e.Resource + "." + e.Verb,
		Resource:   e.Resource,
		ResourceID: stringPtrOrNil(e.ResourceID),
		RequestID:  stringPtrOrNil(e.RequestID),
		ClientIP:   stringPtrOrNil(e.ClientIP),
	}
	if e.Before != nil {
		if b, err := json.Marshal(e.Before); err == nil {
			entry.BeforeSnapshot = b
		}
	}
	if e.After != nil {
		if a, err := json.Marshal(e.After); err == nil {
			entry.AfterSnapshot = a
		}
	}

	if err := r.audit.Append(ctx, entry); err != nil {
		r.logger.Error(ctx, "append audit entry failed", err, map[string]interface{}{
			"action":   entry.Action,
			"resource": entry.Resource,
		})
	}
}

func stringPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
