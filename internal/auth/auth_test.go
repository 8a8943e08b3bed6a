package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := m.IssueToken(42, "taro")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "taro", claims.Username)
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := m.IssueToken(1, "taro")
	require.NoError(t, err)

	// Flip a character in the signature segment.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = m.ValidateToken(tampered)
	assert.Error(t, err)
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	issuerA, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	issuerB, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := issuerA.IssueToken(1, "taro")
	require.NoError(t, err)

	_, err = issuerB.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	m, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken(1, "taro")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("super-secret")
	require.NoError(t, err)
	assert.NotContains(t, hash, "super-secret")

	ok, err := VerifyPassword("super-secret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong-password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordIsSalted(t *testing.T) {
	h1, err := HashPassword("same-password")
	require.NoError(t, err)
	h2, err := HashPassword("same-password")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyPasswordBadFormat(t *testing.T) {
	_, err := VerifyPassword("pw", "not-a-valid-hash")
	assert.Error(t, err)
}
