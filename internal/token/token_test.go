package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procpulse/auth-api/internal/config"
	"github.com/procpulse/auth-api/internal/models"
)

func testJWTConfig() *config.JWTConfig {
	return &config.JWTConfig{
		Secret:   "test-secret",
		TokenTTL: 24 * time.Hour,
		Issuer:   "procpulse-auth",
		Audience: "procpulse-api",
	}
}

func testClaims() Claims {
	return Claims{
		UserID:   "user-1",
		Username: "alice",
		Email:    "alice@x.com",
		Role:     models.RoleUser,
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())

	signed, expiresAt, err := issuer.Issue(testClaims(), time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := issuer.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice@x.com", claims.Email)
	assert.Equal(t, models.RoleUser, claims.Role)
}

// A token issued with ttl D must validate just before T+D and fail just
// after.
func TestIssuer_ExpiryBoundary(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())

	issuedAt := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	ttl := time.Hour

	issuer.now = func() time.Time { return issuedAt }
	signed, expiresAt, err := issuer.Issue(testClaims(), ttl)
	require.NoError(t, err)
	assert.True(t, expiresAt.Equal(issuedAt.Add(ttl)))

	issuer.now = func() time.Time { return issuedAt.Add(ttl - time.Second) }
	_, err = issuer.Validate(signed)
	assert.NoError(t, err)

	issuer.now = func() time.Time { return issuedAt.Add(ttl + time.Second) }
	_, err = issuer.Validate(signed)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestIssuer_BadSignature(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())
	other := NewIssuer(&config.JWTConfig{
		Secret:   "another-secret",
		Issuer:   "procpulse-auth",
		Audience: "procpulse-api",
	})

	signed, _, err := other.Issue(testClaims(), time.Hour)
	require.NoError(t, err)

	_, err = issuer.Validate(signed)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestIssuer_Malformed(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())

	for _, tokenString := range []string{"", "garbage", "a.b.c"} {
		_, err := issuer.Validate(tokenString)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", tokenString)
	}
}

func TestIssuer_WrongIssuerRejected(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())
	foreign := NewIssuer(&config.JWTConfig{
		Secret:   "test-secret",
		Issuer:   "someone-else",
		Audience: "procpulse-api",
	})

	signed, _, err := foreign.Issue(testClaims(), time.Hour)
	require.NoError(t, err)

	_, err = issuer.Validate(signed)
	assert.Error(t, err)
}

// Identity must still resolve the subject of an expired token so logout
// can revoke sessions, but must reject forged signatures.
func TestIssuer_IdentityIgnoresExpiry(t *testing.T) {
	issuer := NewIssuer(testJWTConfig())

	signed, _, err := issuer.Issue(testClaims(), -time.Hour)
	require.NoError(t, err)

	_, err = issuer.Validate(signed)
	assert.ErrorIs(t, err, ErrExpired)

	claims, err := issuer.Identity(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	forger := NewIssuer(&config.JWTConfig{Secret: "forged", Issuer: "procpulse-auth", Audience: "procpulse-api"})
	forgedToken, _, err := forger.Issue(testClaims(), time.Hour)
	require.NoError(t, err)

	_, err = issuer.Identity(forgedToken)
	assert.ErrorIs(t, err, ErrBadSignature)
}
