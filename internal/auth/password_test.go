package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorapark/control-plane/internal/domain"
)

func computeTestHMAC(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("wrong password", hash))
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	assert.False(t, VerifyPassword("anything", "not-a-valid-hash"))
	assert.False(t, VerifyPassword("anything", "argon2id$1$2$3$badbase64$alsobad"))
}

func TestHashServiceKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, HashServiceKey("my-key"), HashServiceKey("my-key"))
	assert.NotEqual(t, HashServiceKey("my-key"), HashServiceKey("other-key"))
}

func TestGenerateOpaqueTokenIsUnique(t *testing.T) {
	a, err := GenerateOpaqueToken()
	require.NoError(t, err)
	b, err := GenerateOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestTokenManagerIssueAndValidate(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)
	token, exp, err := tm.Issue("user-1", "tenant-1", domain.RoleOperator)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := tm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, domain.RoleOperator, claims.Role)
}

func TestTokenManagerRejectsWrongSecret(t *testing.T) {
	tm := NewTokenManager("secret-a", time.Minute)
	token, _, err := tm.Issue("user-1", "tenant-1", domain.RoleViewer)
	require.NoError(t, err)

	other := NewTokenManager("secret-b", time.Minute)
	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestPrincipalAtLeast(t *testing.T) {
	p := Principal{Kind: PrincipalUser, Role: domain.RoleAdmin}
	assert.True(t, p.AtLeast(domain.RoleOperator))
	assert.False(t, p.AtLeast(domain.RoleOwner))

	anon := Principal{Kind: PrincipalAnonymous}
	assert.False(t, anon.AtLeast(domain.RoleViewer))
}

func TestPrincipalHasScope(t *testing.T) {
	key := Principal{Kind: PrincipalServiceKey, Scopes: []string{"ingest:write"}}
	assert.True(t, key.HasScope("ingest:write"))
	assert.False(t, key.HasScope("reservations:write"))

	user := Principal{Kind: PrincipalUser, Role: domain.RoleOwner}
	assert.True(t, user.HasScope("anything"))
}

func TestVerifyWebhookSignature(t *testing.T) {
	secret := []byte("tenant-webhook-secret")
	body := []byte(`{"deviceEUI":"AA"}`)

	mac := computeTestHMAC(secret, body)
	assert.True(t, VerifyWebhookSignature(secret, body, mac))
	assert.False(t, VerifyWebhookSignature(secret, body, "00"))
}
