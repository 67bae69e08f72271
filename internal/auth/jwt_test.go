package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchparty/backend/internal/models"
)

func TestGenerateValidateRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", 1)
	id := models.Identity{ID: uuid.New(), Email: "ana@example.com"}

	token, err := svc.Generate(id)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.Identity())
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("a", 1).Generate(models.Identity{ID: uuid.New()})
	require.NoError(t, err)

	_, err = NewJWTService("b", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate(models.Identity{ID: uuid.New()})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsMissingUser(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate(models.Identity{})
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPeekIdentityIgnoresSignature(t *testing.T) {
	id := models.Identity{ID: uuid.New(), Email: "ben@example.com"}
	token, err := NewJWTService("server-only", 1).Generate(id)
	require.NoError(t, err)

	got, err := PeekIdentity(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = PeekIdentity("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
