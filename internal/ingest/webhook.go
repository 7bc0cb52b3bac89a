package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lorapark/control-plane/infrastructure/crypto"
	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/infrastructure/logging"
	"github.com/lorapark/control-plane/infrastructure/security"
	"github.com/lorapark/control-plane/internal/coord"
	"github.com/lorapark/control-plane/internal/domain"
)

const nonceWindow = 5 * time.Minute
const clockSkewTolerance = 5 * time.Minute
const webhookSecretInfo = "webhook-secret"

// localNonceCacheSize caps the in-process replay cache so a single replica
// under sustained uplink load can't grow it unbounded between Redis round
// trips.
const localNonceCacheSize = 50000

// SecretPolicy controls what happens when a tenant has no webhook secret
// configured (spec.md §4.2 step 1).
type SecretPolicy string

const (
	// SecretPolicyFailClosed rejects the request with Unauthorized.
	SecretPolicyFailClosed SecretPolicy = "fail-closed"
	// SecretPolicyLogOnly accepts the request unsigned but logs loudly,
	// for staging environments exercising devices before secrets exist.
	SecretPolicyLogOnly SecretPolicy = "log-only"
)

// WebhookAuthenticator verifies the HMAC signature and replay-protection
// nonce of an inbound uplink per spec.md §4.2 step 1.
type WebhookAuthenticator struct {
	coord        *coord.Store
	localReplay  *security.ReplayProtection
	masterKey    []byte
	secretPolicy SecretPolicy
	logger       *logging.Logger
}

func NewWebhookAuthenticator(c *coord.Store, masterKey []byte, policy SecretPolicy, logger *logging.Logger) *WebhookAuthenticator {
	return &WebhookAuthenticator{
		coord:        c,
		localReplay:  security.NewReplayProtectionWithMaxSize(nonceWindow, localNonceCacheSize, logger),
		masterKey:    masterKey,
		secretPolicy: policy,
		logger:       logger,
	}
}

// Verify checks the signature, clock skew, and nonce freshness for one
// request against tenant's webhook secret. Nonce freshness is checked
// in-process first (cheap, catches same-replica retry storms without a
// round trip) and backstopped by the cross-replica Redis check.
func (w *WebhookAuthenticator) Verify(ctx context.Context, tenant *domain.Tenant, timestampRaw, nonce, signatureHex string, body []byte, timestamp time.Time) error {
	if time.Since(timestamp).Abs() > clockSkewTolerance {
		return errors.Unauthorized("webhook timestamp outside acceptable clock skew")
	}

	if !w.localReplay.ValidateAndMark(nonce) {
		return errors.NonceReplay(nonce)
	}

	fresh, err := w.coord.SeenNonce(ctx, nonce, nonceWindow)
	if err != nil {
		return errors.Unavailable("nonce replay check", err)
	}
	if !fresh {
		return errors.NonceReplay(nonce)
	}

	if len(tenant.WebhookSecretEncrypted) == 0 {
		if w.secretPolicy == SecretPolicyLogOnly {
			if w.logger != nil {
				w.logger.Warn(ctx, "accepting unsigned webhook: tenant has no webhook secret (log-only policy)", map[string]interface{}{"tenant_id": tenant.ID})
			}
			return nil
		}
		return errors.Unauthorized("tenant has no webhook secret configured")
	}

	secret, err := crypto.DecryptEnvelope(w.masterKey, []byte(tenant.ID), webhookSecretInfo, tenant.WebhookSecretEncrypted)
	if err != nil {
		return errors.Unauthorized("webhook secret could not be decrypted")
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s.", timestampRaw, nonce)
	mac.Write(body)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(signatureHex)
	if err != nil || !hmac.Equal(expected, given) {
		return errors.Unauthorized("webhook signature mismatch")
	}
	return nil
}
