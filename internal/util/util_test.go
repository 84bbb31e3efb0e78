package util

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/city-sentinel/internal/models"
)

func TestJWTManager_IssueAndValidate(t *testing.T) {
	m, err := NewJWTManager(JWTConfig{SigningKey: []byte("test-key"), Issuer: "city", TTL: time.Minute})
	require.NoError(t, err)

	attempt := uuid.New()
	tok, err := m.IssueSessionToken("alice", models.RoleCitizen, attempt)
	require.NoError(t, err)

	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, models.RoleCitizen, claims.Role)
	assert.Equal(t, attempt.String(), claims.AttemptID)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTManager_Rejects(t *testing.T) {
	m, err := NewJWTManager(JWTConfig{SigningKey: []byte("k1"), Issuer: "city", TTL: time.Minute})
	require.NoError(t, err)
	other, err := NewJWTManager(JWTConfig{SigningKey: []byte("k2"), Issuer: "city", TTL: time.Minute})
	require.NoError(t, err)

	tok, err := other.IssueSessionToken("alice", models.RoleCitizen, uuid.New())
	require.NoError(t, err)
	_, err = m.ValidateToken(tok)
	assert.Error(t, err, "wrong key")

	m.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := m.IssueSessionToken("alice", models.RoleCitizen, uuid.New())
	require.NoError(t, err)
	_, err = m.ValidateToken(expired)
	assert.Error(t, err, "expired")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{TokenType: SessionToken})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.ValidateToken(unsigned)
	assert.Error(t, err, "alg none")
}

func TestNewJWTManager_EphemeralKey(t *testing.T) {
	m, err := NewJWTManager(JWTConfig{})
	require.NoError(t, err)
	assert.Len(t, m.config.SigningKey, 32)
	tok, err := m.IssueSessionToken("bob", models.RoleAdmin, uuid.New())
	require.NoError(t, err)
	_, err = m.ValidateToken(tok)
	assert.NoError(t, err)
}

func TestNormalizePrincipal(t *testing.T) {
	assert.Equal(t, "999999", NormalizePrincipal(" 999999\n"))
	assert.Equal(t, "al ice", NormalizePrincipal("al\x00 ice"))
	assert.Equal(t, "", NormalizePrincipal("   "))
}

func TestMaskPrincipal(t *testing.T) {
	assert.Equal(t, "99**99", MaskPrincipal("999999"))
	assert.Equal(t, "***", MaskPrincipal("abc"))
	assert.Equal(t, "al"+strings.Repeat("*", 6)+"om", MaskPrincipal("al123456om"))
}
