package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewTokenManager("s3cret", time.Hour)
	token, err := m.GenerateToken(42, "alice")
	require.NoError(t, err)

	claims, err := m.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "42", claims.Subject)
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	token, err := NewTokenManager("one", time.Hour).GenerateToken(1, "a")
	require.NoError(t, err)

	_, err = NewTokenManager("two", time.Hour).ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewTokenManager("two", time.Hour).ParseToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenExpired(t *testing.T) {
	m := NewTokenManager("s3cret", time.Minute)
	issued := time.Now().Add(-time.Hour)
	m.now = func() time.Time { return issued }
	token, err := m.GenerateToken(7, "bob")
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.ParseToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestGenerateTokenRejectsAnonymous(t *testing.T) {
	_, err := NewTokenManager("s", time.Hour).GenerateToken(0, "")
	assert.Error(t, err)
}

func TestUnverifiedClaims(t *testing.T) {
	token, err := NewTokenManager("server-only", time.Hour).GenerateToken(9, "carol")
	require.NoError(t, err)

	claims, err := UnverifiedClaims(token)
	require.NoError(t, err)
	assert.Equal(t, int64(9), claims.UserID)
	assert.Equal(t, "carol", claims.Username)

	_, err = UnverifiedClaims("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
