package mssql

import "encoding/binary"

// Prelogin option type codes.
const (
	preloginVersion         byte = 0x00
	preloginEncryption      byte = 0x01
	preloginInstance        byte = 0x02
	preloginThreadID        byte = 0x03
	preloginMars            byte = 0x04
	preloginTraceID         byte = 0x05
	preloginFedAuthRequired byte = 0x06
	preloginNonce           byte = 0x07
	preloginTerminator      byte = 0xFF
)

// Prelogin encryption option values.
const (
	encryptOff            byte = 0x00
	encryptOn             byte = 0x01
	encryptNotSupported   byte = 0x02
	encryptRequiredOption byte = 0x03
	encryptClientCertAuth byte = 0x80
)

func encryptionPolicyToWire(p EncryptionPolicy, strict bool) byte {
	if strict {
		return encryptClientCertAuth
	}
	switch p {
	case EncryptPlain:
		return encryptOff
	case EncryptDuringLogin:
		return encryptOn
	case EncryptRequired:
		return encryptRequiredOption
	default:
		return encryptOn
	}
}

func wireToEncryptionPolicy(b byte) EncryptionPolicy {
	switch b {
	case encryptOff:
		return EncryptPlain
	case encryptOn:
		return EncryptDuringLogin
	case encryptRequiredOption, encryptClientCertAuth:
		return EncryptRequired
	default:
		return EncryptPlain
	}
}

// preloginOption is one entry of the option header block plus its payload.
type preloginOption struct {
	kind byte
	data []byte
}

// preloginFields is the decoded form of a Prelogin message, independent of
// wire order.
type preloginFields struct {
	Version         [4]byte
	SubBuild        uint16
	Encryption      byte
	Instance        string
	ThreadID        uint32
	Mars            bool
	TraceID         []byte // 36 bytes when present
	FedAuthRequired bool
	Nonce           []byte // 32 bytes when present
}

// encodePrelogin implements the Prelogin encode invariant: a contiguous
// option header block (5 bytes per option plus a 1-byte terminator)
// followed by a data block, every offset counted from the start of the
// header block.
func encodePrelogin(f preloginFields) []byte {
	var opts []preloginOption

	verBuf := make([]byte, 6)
	binary.BigEndian.PutUint32(verBuf[0:4], uint32(f.Version[0])<<24|uint32(f.Version[1])<<16|uint32(f.Version[2])<<8|uint32(f.Version[3]))
	binary.LittleEndian.PutUint16(verBuf[4:6], f.SubBuild)
	opts = append(opts, preloginOption{preloginVersion, verBuf})

	opts = append(opts, preloginOption{preloginEncryption, []byte{f.Encryption}})

	if f.Instance != "" {
		opts = append(opts, preloginOption{preloginInstance, append([]byte(f.Instance), 0)})
	}

	if f.ThreadID != 0 {
		tidBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(tidBuf, f.ThreadID)
		opts = append(opts, preloginOption{preloginThreadID, tidBuf})
	}

	marsByte := byte(0)
	if f.Mars {
		marsByte = 1
	}
	opts = append(opts, preloginOption{preloginMars, []byte{marsByte}})

	if len(f.TraceID) == 36 {
		opts = append(opts, preloginOption{preloginTraceID, f.TraceID})
	}

	if f.FedAuthRequired {
		opts = append(opts, preloginOption{preloginFedAuthRequired, []byte{1}})
	}

	if len(f.Nonce) == 32 {
		opts = append(opts, preloginOption{preloginNonce, f.Nonce})
	}

	headerLen := len(opts)*5 + 1
	header := make([]byte, 0, headerLen)
	data := make([]byte, 0, 32)
	offset := headerLen

	for _, opt := range opts {
		entry := make([]byte, 5)
		entry[0] = opt.kind
		binary.BigEndian.PutUint16(entry[1:3], uint16(offset))
		binary.BigEndian.PutUint16(entry[3:5], uint16(len(opt.data)))
		header = append(header, entry...)
		data = append(data, opt.data...)
		offset += len(opt.data)
	}
	header = append(header, preloginTerminator)

	return append(header, data...)
}

// decodePrelogin is the inverse of encodePrelogin, used both to parse the
// server's Prelogin response and (in tests) to round-trip encodePrelogin's
// output.
func decodePrelogin(msg []byte) (preloginFields, error) {
	var f preloginFields
	var offsets []int
	var kinds []byte
	var lengths []int

	pos := 0
	for {
		if pos >= len(msg) {
			return f, protocolFault("prelogin message truncated in option header")
		}
		kind := msg[pos]
		if kind == preloginTerminator {
			pos++
			break
		}
		if pos+5 > len(msg) {
			return f, protocolFault("prelogin option header truncated")
		}
		off := int(binary.BigEndian.Uint16(msg[pos+1 : pos+3]))
		length := int(binary.BigEndian.Uint16(msg[pos+3 : pos+5]))
		kinds = append(kinds, kind)
		offsets = append(offsets, off)
		lengths = append(lengths, length)
		pos += 5
	}

	for i, kind := range kinds {
		start, length := offsets[i], lengths[i]
		if start < 0 || start+length > len(msg) {
			return f, protocolFault("prelogin option %d addresses bytes outside the message", kind)
		}
		payload := msg[start : start+length]
		switch kind {
		case preloginVersion:
			if length < 6 {
				return f, protocolFault("prelogin version option too short")
			}
			v := binary.BigEndian.Uint32(payload[0:4])
			f.Version = [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
			f.SubBuild = binary.LittleEndian.Uint16(payload[4:6])
		case preloginEncryption:
			if length < 1 {
				return f, protocolFault("prelogin encryption option too short")
			}
			f.Encryption = payload[0]
		case preloginInstance:
			f.Instance = trimNullTerminated(payload)
		case preloginThreadID:
			if length >= 4 {
				f.ThreadID = binary.BigEndian.Uint32(payload[0:4])
			}
		case preloginMars:
			if length >= 1 {
				f.Mars = payload[0] != 0
			}
		case preloginTraceID:
			f.TraceID = append([]byte(nil), payload...)
		case preloginFedAuthRequired:
			if length >= 1 {
				f.FedAuthRequired = payload[0] != 0
			}
		case preloginNonce:
			f.Nonce = append([]byte(nil), payload...)
		}
	}
	return f, nil
}

func trimNullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
