package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
)

func TestTokenServiceRoundTrip(t *testing.T) {
	svc := NewTokenService(TokenConfig{Secret: "secret", Issuer: "identity", Audience: []string{"planner"}})

	token, err := svc.Sign("teacher-1", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "teacher-1", claims.UserID)
}

func TestTokenServiceRejectsForeignTokens(t *testing.T) {
	svc := NewTokenService(TokenConfig{Secret: "secret", Issuer: "identity"})

	other, err := NewTokenService(TokenConfig{Secret: "secret", Issuer: "someone-else"}).Sign("teacher-1", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(other)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrUnauthorized.Code))

	forged, err := NewTokenService(TokenConfig{Secret: "other", Issuer: "identity"}).Sign("teacher-1", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(forged)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrUnauthorized.Code))

	expired, err := svc.Sign("teacher-1", -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrUnauthorized.Code))
}
