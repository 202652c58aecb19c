package mssql

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreloginEncodeDecodeRoundTrip(t *testing.T) {
	cases := []preloginFields{
		{
			Version:    [4]byte{7, 4, 0, 0},
			SubBuild:   0,
			Encryption: encryptRequiredOption,
			Mars:       false,
		},
		{
			Version:         [4]byte{7, 4, 1, 2},
			SubBuild:        77,
			Encryption:      encryptOn,
			Instance:        "SQLEXPRESS",
			Mars:            true,
			FedAuthRequired: true,
			Nonce:           make([]byte, 32),
		},
		{
			Version:    [4]byte{9, 0, 0, 0},
			Encryption: encryptClientCertAuth,
			TraceID:    make([]byte, 36),
			Nonce:      bytesOf(32, 0x5A),
		},
	}

	for i, f := range cases {
		encoded := encodePrelogin(f)
		decoded, err := decodePrelogin(encoded)
		require.NoError(t, err, "case %d", i)

		assert.Equal(t, f.Version, decoded.Version, "case %d version", i)
		assert.Equal(t, f.SubBuild, decoded.SubBuild, "case %d subbuild", i)
		assert.Equal(t, f.Encryption, decoded.Encryption, "case %d encryption", i)
		assert.Equal(t, f.Instance, decoded.Instance, "case %d instance", i)
		assert.Equal(t, f.Mars, decoded.Mars, "case %d mars", i)
		assert.Equal(t, f.FedAuthRequired, decoded.FedAuthRequired, "case %d fedauth", i)
		if len(f.Nonce) > 0 {
			assert.Equal(t, f.Nonce, decoded.Nonce, "case %d nonce", i)
		}
		if len(f.TraceID) > 0 {
			assert.Equal(t, f.TraceID, decoded.TraceID, "case %d traceid", i)
		}
	}
}

func bytesOf(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// Structural check on "Prelogin options": encoding produces a
// contiguous option header block followed by a data block, and every
// option's (offset, length) addresses bytes inside the data block relative
// to message start; the terminator lies immediately before the data block.
func TestPreloginEncodeStructure(t *testing.T) {
	f := preloginFields{
		Version:    [4]byte{7, 4, 0, 0},
		Encryption: encryptRequiredOption,
		Mars:       false,
	}
	msg := encodePrelogin(f)

	// Version, Encryption, Mars options are always emitted; no optional
	// fields here, so exactly 3 options + 1 terminator byte.
	const wantOptions = 3
	headerLen := wantOptions*5 + 1
	require.Greater(t, len(msg), headerLen)
	assert.Equal(t, byte(preloginTerminator), msg[headerLen-1], "terminator immediately precedes the data block")

	// Walk the option header block and confirm each (offset, length) stays
	// inside the message and the data blocks are back-to-back starting at
	// headerLen.
	pos := 0
	expectOffset := headerLen
	for i := 0; i < wantOptions; i++ {
		kind := msg[pos]
		off := int(binary.BigEndian.Uint16(msg[pos+1 : pos+3]))
		length := int(binary.BigEndian.Uint16(msg[pos+3 : pos+5]))
		assert.Equal(t, expectOffset, off, "option %d (kind 0x%02x) offset", i, kind)
		assert.LessOrEqual(t, off+length, len(msg), "option %d data stays inside message", i)
		expectOffset += length
		pos += 5
	}
	assert.Equal(t, byte(preloginTerminator), msg[pos])
	assert.Equal(t, len(msg), expectOffset, "data block ends exactly at message end")
}

func TestDecodePreloginRejectsTruncated(t *testing.T) {
	_, err := decodePrelogin([]byte{preloginVersion, 0, 5})
	assert.Error(t, err)

	_, err = decodePrelogin([]byte{preloginVersion, 0, 100, 0, 6, preloginTerminator})
	assert.Error(t, err, "offset outside message")
}

func TestEncryptionPolicyWireRoundTrip(t *testing.T) {
	cases := []struct {
		policy EncryptionPolicy
		strict bool
	}{
		{EncryptPlain, false},
		{EncryptDuringLogin, false},
		{EncryptRequired, false},
		{EncryptStrict, true},
	}
	for _, c := range cases {
		wire := encryptionPolicyToWire(c.policy, c.strict)
		if c.strict {
			assert.Equal(t, encryptClientCertAuth, wire)
		} else {
			back := wireToEncryptionPolicy(wire)
			assert.Equal(t, c.policy, back)
		}
	}
}
