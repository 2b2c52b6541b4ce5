package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/clinicq/queuetrack/internal/errors"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestParseToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, Claims{
		Role: "patient",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	claims, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "patient", claims.Role)
	assert.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())
}

func TestParseToken_Malformed(t *testing.T) {
	_, err := ParseToken("not-a-jwt")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestParseToken_MissingSubject(t *testing.T) {
	token := signedToken(t, Claims{Role: "patient"})
	_, err := ParseToken(token)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSessionExpired(t *testing.T) {
	s := &Session{ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, s.Expired())

	s = &Session{ExpiresAt: time.Now().Add(time.Minute)}
	assert.False(t, s.Expired())

	// No expiry claim means the session never self-expires.
	s = &Session{}
	assert.False(t, s.Expired())
}
