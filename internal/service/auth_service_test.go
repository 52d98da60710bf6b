package service

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStudentTokenRoundTrip(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "s3cret", JWTExpiry: time.Hour})

	token, err := auth.GenerateStudentToken(42)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, TokenTypeStudent, claims.TokenType)
	assert.Equal(t, "42", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateToken_Rejects(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "s3cret", JWTExpiry: time.Hour})
	other := NewAuthService(&config.Config{JWTSecret: "other", JWTExpiry: time.Hour})
	expired := NewAuthService(&config.Config{JWTSecret: "s3cret", JWTExpiry: -time.Minute})

	forged, err := other.GenerateStudentToken(42)
	require.NoError(t, err)
	_, err = auth.ValidateToken(forged)
	assert.Error(t, err)

	old, err := expired.GenerateStudentToken(42)
	require.NoError(t, err)
	_, err = auth.ValidateToken(old)
	assert.Error(t, err)

	_, err = auth.ValidateToken("not-a-jwt")
	assert.Error(t, err)
}
