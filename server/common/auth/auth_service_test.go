package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	svc := NewService("secret", 5)
	token, err := svc.GenerateToken("u1", "alice")
	require.NoError(t, err)

	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Name)

	id, err := svc.ParseUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewService("a", 5).GenerateToken("u1", "")
	require.NoError(t, err)

	_, err = NewService("b", 5).ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenFallsBackToSubject(t *testing.T) {
	svc := NewService("secret", 5)
	claims := jwt.RegisteredClaims{
		Subject:   "u9",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := svc.ParseUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "u9", id)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	svc := NewService("secret", 5)
	claims := Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
