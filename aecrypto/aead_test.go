package aecrypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cek42() []byte {
	cek := make([]byte, 32)
	for i := range cek {
		cek[i] = 0x42
	}
	return cek
}

// Deterministic AEAD round-trip.
func TestAeadDeterministicRoundTrip(t *testing.T) {
	enc, err := NewAeadEncryptor(cek42())
	require.NoError(t, err)

	plaintext := []byte("Hello, Always Encrypted!")

	c1, err := enc.Encrypt(plaintext, Deterministic)
	require.NoError(t, err)
	c2, err := enc.Encrypt(plaintext, Deterministic)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(c1, c2), "deterministic encryption must be byte-equal across calls")

	p1, err := enc.Decrypt(c1, Deterministic)
	require.NoError(t, err)
	assert.Equal(t, plaintext, p1)

	p2, err := enc.Decrypt(c2, Deterministic)
	require.NoError(t, err)
	assert.Equal(t, plaintext, p2)
}

// Randomized encryption secrecy: the same plaintext encrypts differently
// each time and decrypts back correctly.
func TestAeadRandomizedSecrecy(t *testing.T) {
	enc, err := NewAeadEncryptor(cek42())
	require.NoError(t, err)

	plaintext := []byte("same plaintext, different ciphertexts")

	c1, err := enc.Encrypt(plaintext, Randomized)
	require.NoError(t, err)
	c2, err := enc.Encrypt(plaintext, Randomized)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(c1, c2), "randomized encryption must differ across calls")

	p1, err := enc.Decrypt(c1, Randomized)
	require.NoError(t, err)
	p2, err := enc.Decrypt(c2, Randomized)
	require.NoError(t, err)
	assert.Equal(t, plaintext, p1)
	assert.Equal(t, plaintext, p2)
}

// Tamper detection: flipping any ciphertext byte fails MAC verification.
func TestAeadTamperDetection(t *testing.T) {
	enc, err := NewAeadEncryptor(cek42())
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("tamper me"), Randomized)
	require.NoError(t, err)

	for i := 1; i < len(ciphertext); i++ { // skip the version byte at index 0
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		_, err := enc.Decrypt(tampered, Randomized)
		assert.Error(t, err, "single-bit flip at byte %d must be detected", i)
		assert.ErrorIs(t, err.(*CryptoError).Cause, ErrAuthenticationFailed)
	}
}

func TestAeadWrongKeyFailsMAC(t *testing.T) {
	encA, err := NewAeadEncryptor(cek42())
	require.NoError(t, err)
	cekB := make([]byte, 32)
	for i := range cekB {
		cekB[i] = 0x24
	}
	encB, err := NewAeadEncryptor(cekB)
	require.NoError(t, err)

	ciphertext, err := encA.Encrypt([]byte("secret"), Deterministic)
	require.NoError(t, err)

	_, err = encB.Decrypt(ciphertext, Deterministic)
	require.Error(t, err)
}

func TestAeadRejectsShortCiphertext(t *testing.T) {
	enc, err := NewAeadEncryptor(cek42())
	require.NoError(t, err)

	_, err = enc.Decrypt([]byte{0x01, 0x02}, Deterministic)
	assert.Error(t, err)
}

func TestNewAeadEncryptorRejectsWrongKeySize(t *testing.T) {
	_, err := NewAeadEncryptor([]byte{1, 2, 3})
	assert.Error(t, err)
}
