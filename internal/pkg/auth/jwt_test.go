package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSigner_SignVerify(t *testing.T) {
	now := time.Date(2025, 10, 30, 8, 0, 0, 0, time.UTC)
	signer := NewTokenSigner("s3cret", "monitor-test", time.Minute)

	token, err := signer.Sign("agent-1", []string{"a1", "a2"}, now)
	require.NoError(t, err)

	claims, err := signer.Verify(token, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID)
	assert.Equal(t, []string{"a1", "a2"}, claims.AlertIDs)
	assert.Equal(t, "monitor-test", claims.Issuer)

	_, err = signer.Verify(token, now.Add(2*time.Minute))
	assert.Error(t, err, "expired token accepted")

	_, err = NewTokenSigner("other", "monitor-test", time.Minute).Verify(token, now)
	assert.Error(t, err, "wrong secret accepted")

	_, err = NewTokenSigner("s3cret", "someone-else", time.Minute).Verify(token, now)
	assert.Error(t, err, "wrong issuer accepted")
}

func TestTokenSigner_EmptySecret(t *testing.T) {
	_, err := NewTokenSigner("", "", 0).Sign("agent-1", nil, time.Now())
	assert.Error(t, err)
}

func TestExtractTokenFromHeader(t *testing.T) {
	assert.Equal(t, "abc", ExtractTokenFromHeader("Bearer abc"))
	assert.Equal(t, "", ExtractTokenFromHeader("Basic abc"))
	assert.Equal(t, "", ExtractTokenFromHeader(""))
}
