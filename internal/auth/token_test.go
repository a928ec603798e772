// ABOUTME: Tests for JWT token issuing and verification
// ABOUTME: Covers round trips, expiry, wrong secrets and foreign signing methods

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret-key-32-bytes-long!!!"))

	token, err := v.Generate("agent-1", time.Hour)
	require.NoError(t, err)

	agentID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agentID)
}

func TestJWTVerifierExpired(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))

	token, err := v.Generate("agent-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifierWrongSecret(t *testing.T) {
	token, err := NewJWTVerifier([]byte("one")).Generate("agent-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTVerifier([]byte("two")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierRejects(t *testing.T) {
	secret := []byte("secret")
	v := NewJWTVerifier(secret)
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	sign := func(method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong algorithm", sign(jwt.SigningMethodHS512, jwt.RegisteredClaims{Issuer: Issuer, Subject: "a", ExpiresAt: exp}), ErrInvalidToken},
		{"wrong issuer", sign(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "elsewhere", Subject: "a", ExpiresAt: exp}), ErrInvalidToken},
		{"no expiry", sign(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: Issuer, Subject: "a"}), ErrInvalidToken},
		{"no subject", sign(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: exp}), ErrMissingClaim},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestJWTVerifierGenerateRequiresAgent(t *testing.T) {
	_, err := NewJWTVerifier([]byte("secret")).Generate("", time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
