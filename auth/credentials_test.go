package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	hash, salt, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.True(t, VerifyPassword("correct horse", hash, salt))
	assert.False(t, VerifyPassword("correct horse ", hash, salt))
	assert.False(t, VerifyPassword("", hash, salt))

	hash2, salt2, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, salt, salt2, "salts must be random")
	assert.NotEqual(t, hash, hash2)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	assert.Equal(t, DeriveKey("pw", salt), DeriveKey("pw", salt))
}
