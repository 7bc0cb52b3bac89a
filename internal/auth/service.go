package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/lorapark/control-plane/infrastructure/errors"
	"github.com/lorapark/control-plane/infrastructure/logging"
	"github.com/lorapark/control-plane/internal/domain"
	"github.com/lorapark/control-plane/internal/store"
)

// Service authenticates users and service keys and manages the refresh
// token lifecycle (spec.md §4.1).
type Service struct {
	tenants     *store.TenantStore
	credentials *store.CredentialStore
	tokens      *TokenManager
	refreshTTL  time.Duration
	reuseWindow time.Duration
	logger      *logging.Logger
}

func NewService(tenants *store.TenantStore, credentials *store.CredentialStore, tokens *TokenManager, refreshTTLDays int, reuseWindow time.Duration, logger *logging.Logger) *Service {
	return &Service{
		tenants:     tenants,
		credentials: credentials,
		tokens:      tokens,
		refreshTTL:  time.Duration(refreshTTLDays) * 24 * time.Hour,
		reuseWindow: reuseWindow,
		logger:      logger,
	}
}

// Session is the response to a successful login or refresh.
type Session struct {
	AccessToken  string
	AccessExpiry time.Time
	RefreshToken string
	UserID       string
	TenantID     string
	Role         domain.Role
}

// Login verifies an email/password pair, resolves the caller's membership in
// tenantSlug, and issues a fresh access/refresh pair.
func (s *Service) Login(ctx context.Context, email, password, tenantSlug string) (*Session, error) {
	user, err := s.tenants.UserByEmail(ctx, email)
	if err != nil {
		return nil, errors.Unauthorized("invalid credentials")
	}
	if user.DisabledAt != nil {
		return nil, errors.Unauthorized("account disabled")
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, errors.Unauthorized("invalid credentials")
	}
	tenant, err := s.tenants.BySlug(ctx, tenantSlug)
	if err != nil {
		return nil, errors.NotFound("tenant", tenantSlug)
	}
	membership, err := s.tenants.MembershipFor(ctx, user.ID, tenant.ID)
	if err != nil {
		return nil, errors.Forbidden("no membership in tenant")
	}
	return s.issueSession(ctx, user.ID, tenant.ID, membership.Role, "")
}

// Refresh rotates a refresh token. An already-rotated token is rejected, and
// if it is presented within the reuse window its whole family is revoked
// (reuse detection, spec.md §4.1).
func (s *Service) Refresh(ctx context.Context, presentedToken string) (*Session, error) {
	hash := HashRefreshToken(presentedToken)
	rt, err := s.credentials.ByHash(ctx, hash)
	if err != nil {
		return nil, errors.Unauthorized("invalid refresh token")
	}
	if rt.RevokedAt != nil {
		if time.Since(*rt.RevokedAt) <= s.reuseWindow {
			// A rotated token presented again within the reuse window is
			// treated as reuse: revoke every token in its family.
			if revokeErr := s.credentials.RevokeFamily(ctx, rt.FamilyID); revokeErr != nil {
				s.logger.Error(ctx, "revoke refresh family on reuse", revokeErr, nil)
			}
		}
		return nil, errors.Unauthorized("refresh token reused")
	}
	if time.Now().After(rt.ExpiresAt) {
		return nil, errors.Unauthorized("refresh token expired")
	}
	membership, err := s.tenants.MembershipFor(ctx, rt.UserID, rt.TenantID)
	if err != nil {
		return nil, errors.Forbidden("membership revoked")
	}
	newToken, err := GenerateOpaqueToken()
	if err != nil {
		return nil, errors.Internal("generate refresh token", err)
	}
	if _, err := s.credentials.Rotate(ctx, rt.ID, HashRefreshToken(newToken), s.refreshTTL); err != nil {
		return nil, errors.Internal("rotate refresh token", err)
	}
	access, exp, err := s.tokens.Issue(rt.UserID, rt.TenantID, membership.Role)
	if err != nil {
		return nil, errors.Internal("issue access token", err)
	}
	return &Session{AccessToken: access, AccessExpiry: exp, RefreshToken: newToken, UserID: rt.UserID, TenantID: rt.TenantID, Role: membership.Role}, nil
}

// SwitchTenant re-issues a session scoped to a different tenant the caller
// (a platform admin, or a user with membership there) is allowed to act in.
func (s *Service) SwitchTenant(ctx context.Context, userID, tenantID string, callerRole domain.Role) (*Session, error) {
	membership, err := s.tenants.MembershipFor(ctx, userID, tenantID)
	if err != nil {
		if !callerRole.AtLeast(domain.RolePlatformAdmin) {
			return nil, errors.Forbidden("no membership in target tenant")
		}
		membership = &domain.Membership{UserID: userID, TenantID: tenantID, Role: domain.RolePlatformAdmin}
	}
	return s.issueSession(ctx, userID, tenantID, membership.Role, "")
}

func (s *Service) issueSession(ctx context.Context, userID, tenantID string, role domain.Role, familyID string) (*Session, error) {
	access, exp, err := s.tokens.Issue(userID, tenantID, role)
	if err != nil {
		return nil, errors.Internal("issue access token", err)
	}
	refresh, err := GenerateOpaqueToken()
	if err != nil {
		return nil, errors.Internal("generate refresh token", err)
	}
	if familyID == "" {
		familyID, err = GenerateOpaqueToken()
		if err != nil {
			return nil, errors.Internal("generate family id", err)
		}
	}
	if _, err := s.credentials.IssueRefreshFamily(ctx, userID, tenantID, HashRefreshToken(refresh), familyID, s.refreshTTL); err != nil {
		return nil, errors.Internal("persist refresh token", err)
	}
	return &Session{AccessToken: access, AccessExpiry: exp, RefreshToken: refresh, UserID: userID, TenantID: tenantID, Role: role}, nil
}

// AuthenticateBearer validates an access token and returns its Principal.
func (s *Service) AuthenticateBearer(token string) (Principal, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return Principal{}, errors.Unauthorized("invalid access token")
	}
	return Principal{Kind: PrincipalUser, UserID: claims.UserID, TenantID: claims.TenantID, Role: claims.Role}, nil
}

// AuthenticateServiceKey validates a service-key presented in plaintext
// against its stored hash.
func (s *Service) AuthenticateServiceKey(ctx context.Context, plaintext string) (Principal, error) {
	key, err := s.credentials.ServiceKeyByHash(ctx, HashServiceKey(plaintext))
	if err != nil {
		return Principal{}, errors.Unauthorized("invalid service key")
	}
	return Principal{Kind: PrincipalServiceKey, TenantID: key.TenantID, KeyID: key.ID, Scopes: key.Scopes}, nil
}

// IssueServiceKey generates and stores a new service key, returning the
// plaintext exactly once.
func (s *Service) IssueServiceKey(ctx context.Context, tenantID, name string, scopes []string) (plaintext string, key *store.ServiceKey, err error) {
	plaintext, err = GenerateOpaqueToken()
	if err != nil {
		return "", nil, errors.Internal("generate service key", err)
	}
	key, err = s.credentials.IssueServiceKey(ctx, tenantID, name, HashServiceKey(plaintext), scopes)
	if err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// VerifyWebhookSignature checks the HMAC-SHA256 signature on an inbound
// webhook body against the tenant's decrypted secret (spec.md §4.2 step 1).
func VerifyWebhookSignature(secret, body []byte, signatureHex string) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(sig, expected)
}
