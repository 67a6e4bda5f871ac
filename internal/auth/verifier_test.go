package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerify_ValidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id":   "guardian-1",
		"user_type": "guardian",
		"role":      "primary",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "guardian-1", p.UserID)
	assert.Equal(t, "guardian", p.UserType)
	assert.Equal(t, "primary", p.Role)
}

func TestVerify_WrongSecret(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token := signToken(t, "some-other-secret", jwt.MapClaims{"user_id": "guardian-1"})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerify_ExpiredToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "guardian-1",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerify_MissingSubject(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{"user_type": "guardian"})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerify_Garbage(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	_, err := v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
