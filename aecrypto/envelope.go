package aecrypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// envelopeVersion is the only version byte the wire format defines today;
// a mismatch is a ProtocolFault, not a CryptoFault, because it means we
// misparsed the wire rather than the key being bad.
const envelopeVersion = 0x01

// ParseWrappedCEKEnvelope parses the sub-format of a wrapped CEK value as it
// appears on the wire: version(1) keyPathLen(2 LE) keyPath(UTF-16LE)
// blobLen(2 LE) blob.
//
// The key path is informational only — the core never interprets it, it is
// handed to the Provider verbatim alongside the wrapped blob.
func ParseWrappedCEKEnvelope(b []byte) (keyPath string, wrapped []byte, err error) {
	if len(b) < 5 {
		return "", nil, fmt.Errorf("aecrypto: wrapped CEK envelope too short: %d bytes", len(b))
	}
	if b[0] != envelopeVersion {
		return "", nil, fmt.Errorf("aecrypto: unsupported wrapped CEK envelope version 0x%02x", b[0])
	}
	pathLen := int(binary.LittleEndian.Uint16(b[1:3]))
	pos := 3
	if len(b) < pos+pathLen {
		return "", nil, fmt.Errorf("aecrypto: wrapped CEK envelope truncated in key path")
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	pathBytes, decErr := dec.Bytes(b[pos : pos+pathLen])
	if decErr != nil {
		return "", nil, fmt.Errorf("aecrypto: wrapped CEK key path decode: %w", decErr)
	}
	pos += pathLen
	if len(b) < pos+2 {
		return "", nil, fmt.Errorf("aecrypto: wrapped CEK envelope truncated before blob length")
	}
	blobLen := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
	pos += 2
	if len(b) < pos+blobLen {
		return "", nil, fmt.Errorf("aecrypto: wrapped CEK envelope truncated in blob (want %d, have %d)", blobLen, len(b)-pos)
	}
	wrapped = make([]byte, blobLen)
	copy(wrapped, b[pos:pos+blobLen])
	return string(pathBytes), wrapped, nil
}
