package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

func TestAuthenticator(t *testing.T) {
	auth := NewAuthenticator("s3cret")

	token, err := auth.Sign("u1", time.Hour)
	require.NoError(t, err)

	id, err := auth.UserID(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	id, err = auth.UserID("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	legacy, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": "u9",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	id, err = auth.UserID(legacy)
	require.NoError(t, err)
	assert.Equal(t, "u9", id)
}

func TestAuthenticatorRejects(t *testing.T) {
	auth := NewAuthenticator("s3cret")

	expired, err := auth.Sign("u1", -time.Minute)
	require.NoError(t, err)
	foreign, err := NewAuthenticator("other").Sign("u1", time.Hour)
	require.NoError(t, err)
	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":     "",
		"garbage":   "not-a-jwt",
		"expired":   expired,
		"foreign":   foreign,
		"anonymous": anonymous,
		"unsigned":  unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.UserID(token)
			require.Error(t, err)
			assert.True(t, svcErr.IsKind(err, svcErr.KindForbidden))
		})
	}
}
