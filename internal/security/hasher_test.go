package security_test

import (
	"testing"

	"akun/internal/security"

	"github.com/stretchr/testify/assert"
)

func TestBcryptHasher_HashAndVerify(t *testing.T) {
	hasher := security.NewBcryptHasher(0)

	hash, err := hasher.Hash("Secret12")
	assert.NoError(t, err)
	assert.NotEmpty(t, hash)
	// The stored hash must never equal the plaintext.
	assert.NotEqual(t, "Secret12", hash)

	assert.True(t, hasher.Verify("Secret12", hash))
	assert.False(t, hasher.Verify("WrongPass1", hash))
}

func TestBcryptHasher_SaltedPerHash(t *testing.T) {
	hasher := security.NewBcryptHasher(0)

	hash1, err := hasher.Hash("Secret12")
	assert.NoError(t, err)
	hash2, err := hasher.Hash("Secret12")
	assert.NoError(t, err)

	// Random per-hash salt means two hashes of the same password differ,
	// yet both verify.
	assert.NotEqual(t, hash1, hash2)
	assert.True(t, hasher.Verify("Secret12", hash1))
	assert.True(t, hasher.Verify("Secret12", hash2))
}

func TestBcryptHasher_MalformedHash(t *testing.T) {
	hasher := security.NewBcryptHasher(0)

	// A malformed stored hash must fail verification, never crash.
	assert.False(t, hasher.Verify("Secret12", "not-a-bcrypt-hash"))
	assert.False(t, hasher.Verify("Secret12", ""))
}
