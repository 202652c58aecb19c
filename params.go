package mssql

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// encodedParam is one RPC parameter ready to be appended to an RPCRequest
// payload: its SQL Server type declaration (for the @params declaration
// string handed to sp_executesql) and its own wire bytes (name, status,
// type-info, value), following the classic sp_executesql RPC shape
// denisenkom/go-mssqldb's lineage uses for parameter binding — not itself
// part of the core wire decoder, but required for the `database/sql`
// ExecerContext/QueryerContext surface.
type encodedParam struct {
	name    string // "@p1", "@p2", ...
	sqlType string // "int", "nvarchar(4000)", ... used in the @params declaration
	wire    []byte
}

// encodeParamValue builds the wire bytes (name, status flags, TYPE_INFO,
// value) for one scalar Go value. Supported kinds: nil, bool, integers,
// floats, string, []byte, time.Time — the common database/sql scalar set —
// plus uuid.UUID;
// anything else is a ConfigFault (caller error, not a protocol fault).
func encodeParamValue(name string, v interface{}) (encodedParam, error) {
	switch val := v.(type) {
	case nil:
		return encodedParam{name: name, sqlType: "int", wire: encodeNullIntN(name)}, nil
	case bool:
		return encodedParam{name: name, sqlType: "bit", wire: encodeBitN(name, val)}, nil
	case int64:
		return encodedParam{name: name, sqlType: "bigint", wire: encodeIntN(name, val, 8)}, nil
	case int32:
		return encodedParam{name: name, sqlType: "int", wire: encodeIntN(name, int64(val), 4)}, nil
	case int:
		return encodedParam{name: name, sqlType: "bigint", wire: encodeIntN(name, int64(val), 8)}, nil
	case float64:
		return encodedParam{name: name, sqlType: "float", wire: encodeFltN(name, val, 8)}, nil
	case float32:
		return encodedParam{name: name, sqlType: "real", wire: encodeFltN(name, float64(val), 4)}, nil
	case string:
		return encodedParam{name: name, sqlType: "nvarchar(max)", wire: encodeNVarCharParam(name, val)}, nil
	case []byte:
		return encodedParam{name: name, sqlType: "varbinary(max)", wire: encodeVarBinaryParam(name, val)}, nil
	case time.Time:
		return encodedParam{name: name, sqlType: "datetime2(7)", wire: encodeDateTime2Param(name, val)}, nil
	case uuid.UUID:
		return encodedParam{name: name, sqlType: "uniqueidentifier", wire: encodeGUIDParam(name, val)}, nil
	default:
		return encodedParam{}, configFault(nil, "unsupported parameter type %T for %s", v, name)
	}
}

func paramHeader(name string, status byte) []byte {
	var out []byte
	out = append(out, byte(len(name)))
	out = append(out, str2ucs2(name)...)
	out = append(out, status)
	return out
}

func encodeNullIntN(name string) []byte {
	out := paramHeader(name, 0)
	out = append(out, typeIntN, 8) // max length 8, value length 0 below
	out = append(out, 0)           // length-prefix 0 = NULL
	return out
}

func encodeIntN(name string, v int64, size byte) []byte {
	out := paramHeader(name, 0)
	out = append(out, typeIntN, size, size)
	buf := make([]byte, size)
	switch size {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
	default:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	}
	return append(out, buf...)
}

func encodeBitN(name string, v bool) []byte {
	out := paramHeader(name, 0)
	out = append(out, typeBitN, 1, 1)
	if v {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

func encodeFltN(name string, v float64, size byte) []byte {
	out := paramHeader(name, 0)
	out = append(out, typeFltN, size, size)
	buf := make([]byte, size)
	if size == 4 {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	} else {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	}
	return append(out, buf...)
}

func encodeNVarCharParam(name, v string) []byte {
	out := paramHeader(name, 0)
	data := str2ucs2(v)
	out = append(out, typeNVarChar)
	sizeBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(sizeBuf, 0xFFFF) // declared max
	out = append(out, sizeBuf...)
	out = append(out, 0, 0, 0, 0, 0) // collation: informational, zeroed
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(data)))
	out = append(out, lenBuf...)
	return append(out, data...)
}

func encodeVarBinaryParam(name string, v []byte) []byte {
	out := paramHeader(name, 0)
	out = append(out, typeBigVarBin)
	sizeBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(sizeBuf, 0xFFFF)
	out = append(out, sizeBuf...)
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(v)))
	out = append(out, lenBuf...)
	return append(out, v...)
}

// encodeGUIDParam encodes a uuid.UUID as a UNIQUEIDENTIFIER, swapping the
// first three fields back to the wire's little-endian layout (the inverse
// of guidFromWireBytes).
func encodeGUIDParam(name string, id uuid.UUID) []byte {
	out := paramHeader(name, 0)
	out = append(out, typeGUID, 16, 16)
	buf := make([]byte, 16)
	buf[0], buf[1], buf[2], buf[3] = id[3], id[2], id[1], id[0]
	buf[4], buf[5] = id[5], id[4]
	buf[6], buf[7] = id[7], id[6]
	copy(buf[8:], id[8:16])
	return append(out, buf...)
}

// dateTime2Epoch is day zero of the DATETIME2 date component (0001-01-01).
var dateTime2Epoch = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

func encodeDateTime2Param(name string, t time.Time) []byte {
	out := paramHeader(name, 0)
	out = append(out, typeDateTime2N, 7) // scale 7 (100ns ticks)

	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	days := uint32(midnight.Sub(dateTime2Epoch).Hours() / 24)
	ticks := uint64(u.Sub(midnight).Nanoseconds() / 100)

	out = append(out, 8) // length: 5 (time) + 3 (date)
	timeBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(timeBuf, ticks)
	out = append(out, timeBuf[:5]...)

	dateBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(dateBuf, days)
	out = append(out, dateBuf[:3]...)
	return out
}

func buildParamDeclaration(params []encodedParam) string {
	decl := ""
	for i, p := range params {
		if i > 0 {
			decl += ","
		}
		decl += fmt.Sprintf("%s %s", p.name, p.sqlType)
	}
	return decl
}
