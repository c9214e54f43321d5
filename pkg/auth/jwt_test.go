package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", "inbox-pipeline", time.Hour)

	token, err := m.GenerateToken("ledger-sync", "matching")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ledger-sync", claims.Service)
	assert.True(t, claims.HasScope("matching"))
	assert.False(t, claims.HasScope("inbox"))
}

func TestValidateRejectsForeignAndExpired(t *testing.T) {
	m := NewJWTManager("secret", "inbox-pipeline", time.Hour)
	other := NewJWTManager("other-secret", "inbox-pipeline", time.Hour)

	token, err := other.GenerateToken("intruder")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }
	token, err = m.GenerateToken("ledger-sync")
	require.NoError(t, err)
	m.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
