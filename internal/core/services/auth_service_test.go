package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueToken_RoundTrip(t *testing.T) {
	svc := NewAuthService("test-secret", time.Hour, "operator-key")

	token, err := svc.IssueToken("alice", "operator-key")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
}

func TestIssueToken_WrongKey(t *testing.T) {
	svc := NewAuthService("test-secret", time.Hour, "operator-key")

	_, err := svc.IssueToken("alice", "not-the-key")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIssueToken_EmptyConfiguredKeyRejectsAll(t *testing.T) {
	svc := NewAuthService("test-secret", time.Hour, "")

	_, err := svc.IssueToken("alice", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken_Garbage(t *testing.T) {
	svc := NewAuthService("test-secret", time.Hour, "operator-key")

	_, err := svc.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	issuer := NewAuthService("secret-a", time.Hour, "operator-key")
	verifier := NewAuthService("secret-b", time.Hour, "operator-key")

	token, err := issuer.IssueToken("alice", "operator-key")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewAuthService("test-secret", -time.Minute, "operator-key")

	token, err := svc.IssueToken("alice", "operator-key")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateToken_BeforeExpiry(t *testing.T) {
	svc := NewAuthService("test-secret", time.Minute, "operator-key")

	token, err := svc.IssueToken("alice", "operator-key")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}
