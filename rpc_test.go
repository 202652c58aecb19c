package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SQL batch encode. "SELECT 1" -> 16 bytes of UTF-16LE,
// 53 00 45 00 4C 00 45 00 43 00 54 00 20 00 31 00, carried after the
// ALL_HEADERS block every SqlBatch payload opens with under TDS 7.4+.
func TestSQLBatchEncodeTrailsUTF16Text(t *testing.T) {
	want := []byte{0x53, 0x00, 0x45, 0x00, 0x4C, 0x00, 0x45, 0x00, 0x43, 0x00, 0x54, 0x00, 0x20, 0x00, 0x31, 0x00}

	payload := encodeSQLBatch("SELECT 1", 0)
	require.Greater(t, len(payload), len(want))
	assert.Equal(t, want, payload[len(payload)-len(want):], "SQL text trails the ALL_HEADERS block verbatim")
}

func TestAllHeadersStructure(t *testing.T) {
	h := allHeaders(0)
	// totalLength(4) + headerLength(4) + headerType(2) + tranid(8) + outstandingRequests(4)
	require.Len(t, h, 4+4+2+8+4)

	totalLen := littleEndianUint32(h[0:4])
	assert.Equal(t, uint32(len(h)), totalLen)

	headerLen := littleEndianUint32(h[4:8])
	assert.Equal(t, uint32(len(h)-4), headerLen)

	headerType := littleEndianUint16(h[8:10])
	assert.Equal(t, uint16(2), headerType)

	tranid := littleEndianUint64(h[10:18])
	assert.Equal(t, uint64(0), tranid)

	outstanding := littleEndianUint32(h[18:22])
	assert.Equal(t, uint32(1), outstanding)
}

func TestAllHeadersCarriesTransactionID(t *testing.T) {
	h := allHeaders(0xDEADBEEF)
	tranid := littleEndianUint64(h[10:18])
	assert.Equal(t, uint64(0xDEADBEEF), tranid)
}

func littleEndianUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
func littleEndianUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func littleEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
