package mssql

import "encoding/binary"

// rpcSPExecuteSQL is the well-known procedure id for sp_executesql, invoked
// by number (ProcIDSwitch 0xFFFF) rather than by name — the standard way a
// TDS client runs a parameterized batch.
const rpcSPExecuteSQL = 10

// encodeRPCExecuteSQL builds an RPCRequest payload invoking
// sp_executesql(@stmt, @params, @p1, @p2, ...): an ALL_HEADERS block
// carrying the transaction descriptor, the ProcID-by-number selector, then
// the @stmt/@params string parameters followed by the caller's own
// parameters in order.
func encodeRPCExecuteSQL(sqlText string, tranid uint64, params []encodedParam) []byte {
	var body []byte

	body = append(body, 0xFF, 0xFF)
	procIDBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(procIDBuf, rpcSPExecuteSQL)
	body = append(body, procIDBuf...)
	body = append(body, 0, 0) // OptionFlags: no recompile, no params-in-ordinal-position tricks

	stmtParam := encodeNVarCharParam("", sqlText)
	body = append(body, stmtParam...)

	if len(params) > 0 {
		declParam := encodeNVarCharParam("", buildParamDeclaration(params))
		body = append(body, declParam...)
		for _, p := range params {
			body = append(body, p.wire...)
		}
	}

	return append(allHeaders(tranid), body...)
}

// allHeaders builds the ALL_HEADERS block every RPCRequest/SQLBatch packet
// carries under TDS 7.4+: a transaction-descriptor header naming the
// current transaction (0 when none is open) and an outstanding-request
// count of 1 (MARS request multiplexing is out of scope).
func allHeaders(tranid uint64) []byte {
	const headerType = 2 // Transaction Descriptor
	headerLen := 4 + 2 + 8 + 4
	totalLen := 4 + headerLen

	out := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(out[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint32(out[4:8], uint32(headerLen))
	binary.LittleEndian.PutUint16(out[8:10], headerType)
	binary.LittleEndian.PutUint64(out[10:18], tranid)
	binary.LittleEndian.PutUint32(out[18:22], 1)
	return out
}

// encodeSQLBatch builds a SqlBatch payload: the ALL_HEADERS block followed
// by the UTF-16LE SQL text.
func encodeSQLBatch(sqlText string, tranid uint64) []byte {
	return append(allHeaders(tranid), str2ucs2(sqlText)...)
}
