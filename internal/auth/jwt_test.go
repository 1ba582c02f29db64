package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_GenerateValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	id := uuid.New()

	token, err := svc.Generate(id, "Ada", "https://cdn/a.png", "viewer")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "https://cdn/a.png", claims.AvatarURL)
	assert.Equal(t, "viewer", claims.Role)
}

func TestJWTService_RejectsForeignSecret(t *testing.T) {
	token, err := NewJWTService("one", 1).Generate(uuid.New(), "x", "", "viewer")
	require.NoError(t, err)

	_, err = NewJWTService("two", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsExpired(t *testing.T) {
	svc := NewJWTService("secret", -1)
	token, err := svc.Generate(uuid.New(), "x", "", "viewer")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsNilUser(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate(uuid.Nil, "x", "", "viewer")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
