package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("secret", time.Hour)

	token, err := svc.GenerateToken("author", "Ada")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "author", claims.UserID)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "author", claims.Subject)
}

func TestTokenRejections(t *testing.T) {
	svc := NewService("secret", time.Hour)
	token, err := svc.GenerateToken("author", "")
	require.NoError(t, err)

	_, err = NewService("other-secret", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewService("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.GenerateToken("author", "")
	require.NoError(t, err)
	_, err = svc.ValidateToken(old)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = NewService("", time.Hour).GenerateToken("author", "")
	assert.ErrorIs(t, err, ErrNoSecret)
}
