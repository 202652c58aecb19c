package mssql

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBuffer builds a tdsBuffer whose read side is already fully populated
// with data and marked as having seen end-of-message, so decoder functions
// that pull bytes via ReadFull/byte/uint16/etc. can run against a fixed
// byte slice without any real transport (the same technique token.go's
// decryptCell uses to re-decode post-decryption plaintext).
func testBuffer(data []byte) *tdsBuffer {
	b := newTdsBuffer(readOnlyBytesTransport{data}, defaultPacketSize)
	b.rasm = &reassembler{sawEOM: true}
	b.rbuf = data
	return b
}

func int4Column(name string) columnStruct {
	return columnStruct{
		ColName: name,
		ti:      typeInfo{TypeId: typeInt4, Size: 4, Reader: readFixedLenValue},
	}
}

func encodeInt32LE(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

// For any row R with null set N, encoding R as NbcRow and decoding it
// yields R back: values at positions in N become NULL, non-null positions
// preserved in order.
func TestNBCRowEquivalence(t *testing.T) {
	columns := []columnStruct{
		int4Column("a"), int4Column("b"), int4Column("c"),
		int4Column("d"), int4Column("e"), int4Column("f"),
		int4Column("g"), int4Column("h"), int4Column("i"), // 9 columns -> 2-byte bitmap
	}
	values := []int32{10, 20, 30, 40, 50, 60, 70, 80, 90}
	nullSet := map[int]bool{1: true, 4: true, 8: true}

	bitlen := (len(columns) + 7) / 8
	bitmap := make([]byte, bitlen)
	var body []byte
	for i, v := range values {
		if nullSet[i] {
			bitmap[i/8] |= 1 << uint(i%8)
			continue
		}
		body = append(body, encodeInt32LE(v)...)
	}

	wire := append(append([]byte{}, bitmap...), body...)
	sess := &tdsSession{buf: testBuffer(wire)}

	row := make([]interface{}, len(columns))
	parseNbcRow(context.Background(), sess, columns, row)

	for i, v := range values {
		if nullSet[i] {
			assert.Nil(t, row[i], "column %d should be NULL", i)
		} else {
			require.NotNil(t, row[i], "column %d should not be NULL", i)
			assert.Equal(t, int64(v), row[i], "column %d value", i)
		}
	}
}

func TestNBCRowAllNull(t *testing.T) {
	columns := []columnStruct{int4Column("a"), int4Column("b"), int4Column("c")}
	bitmap := []byte{0b0000_0111} // all three bits set
	sess := &tdsSession{buf: testBuffer(bitmap)}

	row := make([]interface{}, len(columns))
	parseNbcRow(context.Background(), sess, columns, row)
	for i := range columns {
		assert.Nil(t, row[i])
	}
}

func TestNBCRowNoneNull(t *testing.T) {
	columns := []columnStruct{int4Column("a"), int4Column("b"), int4Column("c")}
	wire := append([]byte{0x00}, encodeInt32LE(1)...)
	wire = append(wire, encodeInt32LE(2)...)
	wire = append(wire, encodeInt32LE(3)...)
	sess := &tdsSession{buf: testBuffer(wire)}

	row := make([]interface{}, len(columns))
	parseNbcRow(context.Background(), sess, columns, row)
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, row)
}

// Plain Row decoding: columns are read in
// order with no null bitmap.
func TestParseRow(t *testing.T) {
	columns := []columnStruct{int4Column("a"), int4Column("b")}
	wire := append(encodeInt32LE(42), encodeInt32LE(-7)...)
	sess := &tdsSession{buf: testBuffer(wire)}

	row := make([]interface{}, len(columns))
	parseRow(context.Background(), sess, columns, row)
	assert.Equal(t, []interface{}{int64(42), int64(-7)}, row)
}
