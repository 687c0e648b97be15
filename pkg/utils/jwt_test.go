package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	SetJWTSecret("test-secret")

	token, err := GenerateToken(42, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.OperatorID)
	assert.Equal(t, "alice", claims.Username)
}

func TestParseToken_Invalid(t *testing.T) {
	SetJWTSecret("test-secret")

	t.Run("garbage token", func(t *testing.T) {
		_, err := ParseToken("not.a.token")
		assert.Error(t, err)
	})

	t.Run("token signed with another secret", func(t *testing.T) {
		token, err := GenerateToken(1, "bob")
		require.NoError(t, err)

		SetJWTSecret("rotated-secret")
		defer SetJWTSecret("test-secret")

		_, err = ParseToken(token)
		assert.Error(t, err)
	})
}
