package aecrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CEK envelope parsing.
func TestParseWrappedCEKEnvelope(t *testing.T) {
	input := []byte{
		0x01,             // version
		0x08, 0x00,       // key-path-length = 8
		0x74, 0x00, 0x65, 0x00, 0x73, 0x00, 0x74, 0x00, // "test" UTF-16LE
		0x03, 0x00, // blob length = 3
		0xAB, 0xCD, 0xEF,
	}

	keyPath, wrapped, err := ParseWrappedCEKEnvelope(input)
	require.NoError(t, err)
	assert.Equal(t, "test", keyPath)
	assert.Equal(t, []byte{0xAB, 0xCD, 0xEF}, wrapped)
}

func TestParseWrappedCEKEnvelopeInvalidVersion(t *testing.T) {
	_, _, err := ParseWrappedCEKEnvelope([]byte{0x02, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestParseWrappedCEKEnvelopeTooShort(t *testing.T) {
	_, _, err := ParseWrappedCEKEnvelope([]byte{0x01, 0x00})
	assert.Error(t, err)
}

func TestParseWrappedCEKEnvelopeTruncated(t *testing.T) {
	// claims an 8-byte path but only provides 2
	_, _, err := ParseWrappedCEKEnvelope([]byte{0x01, 0x08, 0x00, 0x74, 0x00})
	assert.Error(t, err)
}
