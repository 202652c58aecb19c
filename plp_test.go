package mssql

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeUint64LE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func encodeUint32LE(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func plpChunks(total uint64, chunks ...[]byte) []byte {
	wire := encodeUint64LE(total)
	for _, c := range chunks {
		wire = append(wire, encodeUint32LE(uint32(len(c)))...)
		wire = append(wire, c...)
	}
	wire = append(wire, encodeUint32LE(0)...)
	return wire
}

func TestReadPLPChunksNull(t *testing.T) {
	wire := encodeUint64LE(plpNullLen)
	buf, ok := readPLPChunks(testBuffer(wire))
	assert.False(t, ok)
	assert.Nil(t, buf)
}

func TestReadPLPChunksConcatenatesInOrder(t *testing.T) {
	wire := plpChunks(7, []byte("foo"), []byte("bar"), []byte("1"))
	buf, ok := readPLPChunks(testBuffer(wire))
	require.True(t, ok)
	assert.Equal(t, []byte("foobar1"), buf)
}

func TestReadPLPChunksUnknownLength(t *testing.T) {
	wire := plpChunks(plpUnknownLen, []byte("abc"), []byte("def"))
	buf, ok := readPLPChunks(testBuffer(wire))
	require.True(t, ok)
	assert.Equal(t, []byte("abcdef"), buf)
}

// A column declared nvarchar(max) (BigVarChar-family type id, size 0xFFFF
// in ColMetaData) must be routed to the PLP reader rather than the plain
// ushort-length reader, since its row data carries an 8-byte PLP length
// prefix rather than a 2-byte one.
func TestReadTypeInfoRoutesNVarCharMaxToPLP(t *testing.T) {
	header := testBuffer(append(encodeUint16LE(0xFFFF), make([]byte, 5)...))
	ti := readTypeInfo(header, typeNVarChar, nil)
	require.NotNil(t, ti.Reader)

	payload := str2ucs2("hello, max")
	wire := plpChunks(uint64(len(payload)), payload)
	got := ti.Reader(&ti, testBuffer(wire), nil)
	assert.Equal(t, "hello, max", got)
}

func TestReadTypeInfoRoutesVarBinaryMaxToPLP(t *testing.T) {
	header := testBuffer(encodeUint16LE(0xFFFF))
	ti := readTypeInfo(header, typeBigVarBin, nil)
	require.NotNil(t, ti.Reader)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	wire := plpChunks(uint64(len(payload)), payload)
	got := ti.Reader(&ti, testBuffer(wire), nil)
	assert.Equal(t, payload, got)
}

func TestReadTypeInfoRoutesVarCharMaxToPLP(t *testing.T) {
	header := testBuffer(append(encodeUint16LE(0xFFFF), make([]byte, 5)...))
	ti := readTypeInfo(header, typeBigVarChar, nil)
	require.NotNil(t, ti.Reader)

	payload := []byte("ascii max value")
	wire := plpChunks(uint64(len(payload)), payload)
	got := ti.Reader(&ti, testBuffer(wire), nil)
	assert.Equal(t, string(payload), got)
}

// Non-MAX nvarchar columns (any size below the 0xFFFF sentinel) keep using
// the plain ushort-length-prefixed reader.
func TestReadTypeInfoNonMaxNVarCharUsesUshortReader(t *testing.T) {
	header := testBuffer(append(encodeUint16LE(20), make([]byte, 5)...))
	ti := readTypeInfo(header, typeNVarChar, nil)

	payload := str2ucs2("short")
	wire := append(encodeUint16LE(uint16(len(payload))), payload...)
	got := ti.Reader(&ti, testBuffer(wire), nil)
	assert.Equal(t, "short", got)
}

func encodeUint16LE(v uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}
