package mssql

import "encoding/binary"

// Feature extension ids.
const (
	featExtSESSIONRECOVERY  byte = 0x01
	featExtFEDAUTH          byte = 0x02
	featExtCOLUMNENCRYPTION byte = 0x04
	featExtGLOBALTRANSACTIONS byte = 0x05
	featExtAZURESQLSUPPORT  byte = 0x08
	featExtTERMINATOR       byte = 0xFF
)

const columnEncryptionVersion byte = 0x01

// login7Fields is everything the handshake driver needs to encode a
// Login7 packet.
type login7Fields struct {
	TDSVersion   uint32
	PacketSize   uint32
	Hostname     string
	Username     string
	Password     string
	AppName      string
	ServerName   string
	Database     string
	ClientPID    uint32
	ClientLCID   uint32

	SQLAuth       bool
	SSPIBlob      []byte
	RequestFedAuth bool
	FedAuthToken   string // Azure AD access token, sent in the FEDAUTH feature ext
	RequestColumnEncryption bool
}

// encodeLogin7 builds the Login7 payload: fixed
// header, offset/length table for the variable-width fields, the fields
// themselves (UTF-16LE, password obfuscated), and a trailing feature
// extension block. Follows the well-known go-mssqldb Login7 layout
// (MS-TDS 2.2.6.4), generalized with a feature-ext writer for
// FedAuth/ColumnEncryption negotiation that `parseFeatureExtAck` already
// expects acknowledgements for.
func encodeLogin7(f login7Fields) []byte {
	type field struct {
		data []byte
	}

	hostname := str2ucs2(f.Hostname)
	username := str2ucs2(f.Username)
	password := obfuscatePassword(f.Password)
	appname := str2ucs2(f.AppName)
	servername := str2ucs2(f.ServerName)
	ctlintname := str2ucs2("go-mssqldb")
	language := str2ucs2("")
	database := str2ucs2(f.Database)
	sspi := f.SSPIBlob

	if !f.SQLAuth {
		username = nil
		password = nil
	}

	featureData := encodeFeatureExt(f)
	var extPtr []byte
	if len(featureData) > 0 {
		extPtr = make([]byte, 4)
	}

	fields := []field{
		{hostname},
		{username},
		{password},
		{appname},
		{servername},
		{extPtr}, // extension: 4-byte offset of the FeatureExt block, patched below
		{ctlintname},
		{language},
		{database},
	}

	const fixedHeaderLen = 4 + 4 + 4 + 4 + 4 + 4 + 1 + 1 + 1 + 1 + 4 + 4

	// Offset/length table: 9 (ushort offset, ushort length) pairs, then a
	// 6-byte ClientID (zero MAC), then an SSPI (ushort offset, ushort
	// length), then a 4-byte AtchDBFile offset/length pair (always empty
	// here), matching MS-TDS 2.2.6.4's field order.
	headerLen := fixedHeaderLen + 9*4 + 6 + 4 + 4
	buf := make([]byte, headerLen)

	pos := headerLen
	var varData []byte
	offsets := make([]int, len(fields))
	for i, fl := range fields {
		offsets[i] = pos
		varData = append(varData, fl.data...)
		pos += len(fl.data)
	}

	sspiOffset := pos
	varData = append(varData, sspi...)
	pos += len(sspi)

	if extPtr != nil {
		binary.LittleEndian.PutUint32(varData[offsets[5]-headerLen:], uint32(pos))
	}
	varData = append(varData, featureData...)
	pos += len(featureData)

	total := pos
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], f.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], f.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], 0x07000000) // ClientProgVer
	binary.LittleEndian.PutUint32(buf[16:20], f.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ConnectionID

	optFlags1 := byte(0x00)
	optFlags2 := byte(0x00)
	if !f.SQLAuth {
		optFlags2 |= 0x80 // fIntSecurity
	}
	typeFlags := byte(0x00)
	optFlags3 := byte(0x00)
	if f.RequestColumnEncryption {
		optFlags3 |= 0x10 // fExtension / feature ext present
	} else if len(featureData) > 0 {
		optFlags3 |= 0x10
	}

	buf[24] = optFlags1
	buf[25] = optFlags2
	buf[26] = typeFlags
	buf[27] = optFlags3

	binary.LittleEndian.PutUint32(buf[28:32], 0) // ClientTimeZone
	binary.LittleEndian.PutUint32(buf[32:36], f.ClientLCID)

	p := 36
	putPair := func(idx int) {
		binary.LittleEndian.PutUint16(buf[p:p+2], uint16(offsets[idx]))
		n := len(fields[idx].data) / 2
		if idx == 5 {
			n = len(fields[idx].data) // cbExtension counts bytes, not characters
		}
		binary.LittleEndian.PutUint16(buf[p+2:p+4], uint16(n))
		p += 4
	}
	for i := range fields {
		putPair(i)
	}
	// ClientID: 6 zero bytes (MAC address placeholder).
	p += 6
	binary.LittleEndian.PutUint16(buf[p:p+2], uint16(sspiOffset))
	binary.LittleEndian.PutUint16(buf[p+2:p+4], uint16(len(sspi)))
	p += 4
	// AtchDBFile offset/length: always empty.
	binary.LittleEndian.PutUint16(buf[p:p+2], uint16(pos))
	binary.LittleEndian.PutUint16(buf[p+2:p+4], 0)

	return append(buf, varData...)
}

// encodeFeatureExt builds the trailing FeatureExt block: one or more (id, length, payload)
// entries terminated by featExtTERMINATOR.
func encodeFeatureExt(f login7Fields) []byte {
	var out []byte

	if f.RequestFedAuth {
		// FEDAUTH feature payload: library id (1 byte, 0x02 = Security Token)
		// + echo flag (1 byte) + token length (4 LE) + token bytes.
		token := []byte(f.FedAuthToken)
		payload := make([]byte, 0, 6+len(token))
		payload = append(payload, 0x02, 0x01)
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(token)))
		payload = append(payload, lenBuf...)
		payload = append(payload, token...)
		out = appendFeatureEntry(out, featExtFEDAUTH, payload)
	}

	if f.RequestColumnEncryption {
		out = appendFeatureEntry(out, featExtCOLUMNENCRYPTION, []byte{columnEncryptionVersion})
	}

	if len(out) > 0 {
		out = append(out, featExtTERMINATOR)
	}
	return out
}

func appendFeatureEntry(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	out = append(out, lenBuf...)
	return append(out, payload...)
}
