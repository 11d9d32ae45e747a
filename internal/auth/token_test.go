// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, token kinds, invalid tokens, and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	return v
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate(KindCustom, "user-123", "ann@example.com", time.Hour)
	require.NoError(t, err)

	claims, err := verifier.Verify(token, KindCustom)
	require.NoError(t, err)

	assert.Equal(t, "user-123", claims.UID)
	assert.Equal(t, "ann@example.com", claims.Email)
	assert.Equal(t, KindCustom, claims.Kind)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestJWTVerifier_WrongKind(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate(KindID, "user-123", "", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token, KindCustom)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("different-secret"))
	require.NoError(t, err)
	wrongSecret, err := other.Generate(KindID, "user-123", "", time.Hour)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-123", "kind": "id",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", wrongSecret},
		{"alg none", noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token, KindID)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate(KindID, "user-123", "", -time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token, KindID)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := newTestVerifier(t)

	_, err := verifier.Generate(KindID, "", "", time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"kind": "id",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = verifier.Verify(token, KindID)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
