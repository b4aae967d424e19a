package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casehooks/internal/platform/config"
)

func testConfig() config.JWTConfig {
	return config.JWTConfig{Secret: "0123456789abcdef0123", Issuer: "casehooks", AccessTokenTTL: time.Hour}
}

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService(testConfig())

	token, err := svc.GenerateAccessToken("u_1", RoleAdmin, "ops@example.com")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u_1", claims.UserID)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "casehooks", claims.Issuer)
}

func TestTokenService_Rejects(t *testing.T) {
	svc := NewTokenService(testConfig())

	t.Run("wrong secret", func(t *testing.T) {
		other := testConfig()
		other.Secret = "another-secret-value"
		token, err := NewTokenService(other).GenerateAccessToken("u_1", RoleAdmin, "")
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		expired := testConfig()
		expired.AccessTokenTTL = -time.Minute
		token, err := NewTokenService(expired).GenerateAccessToken("u_1", RoleAdmin, "")
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := testConfig()
		other.Issuer = "someone-else"
		token, err := NewTokenService(other).GenerateAccessToken("u_1", RoleAdmin, "")
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("not-a-token")
		assert.Error(t, err)
	})
}
