package mssql

import (
	"encoding/binary"
	"fmt"
)

// packetKind is the first byte of a TDS packet header.
type packetKind uint8

const (
	packSQLBatch    packetKind = 1
	packRPCRequest  packetKind = 3
	packReply       packetKind = 4
	packAttention   packetKind = 6
	packBulkLoad    packetKind = 7
	packFedAuth     packetKind = 8
	packTransMgrReq packetKind = 14
	packLogin7      packetKind = 16
	packSSPIMessage packetKind = 17
	packPrelogin    packetKind = 18
)

func (k packetKind) String() string {
	switch k {
	case packSQLBatch:
		return "SqlBatch"
	case packRPCRequest:
		return "RPCRequest"
	case packReply:
		return "Response"
	case packAttention:
		return "Attention"
	case packBulkLoad:
		return "BulkLoad"
	case packFedAuth:
		return "FedAuthMessage"
	case packTransMgrReq:
		return "TransMgrRequest"
	case packLogin7:
		return "Login7"
	case packSSPIMessage:
		return "SspiMessage"
	case packPrelogin:
		return "PreLogin"
	default:
		return fmt.Sprintf("PacketKind(0x%02x)", uint8(k))
	}
}

// Packet status flags.
const (
	statusNormal        uint8 = 0x00
	statusEOM           uint8 = 0x01
	statusIgnore        uint8 = 0x02
	statusResetConn     uint8 = 0x08
	statusResetConnSkip uint8 = 0x10
)

const (
	packetHeaderSize  = 8
	defaultPacketSize = 4096
	minPacketSize     = 512
	maxPacketSize     = 32767
)

// packetHeader is the 8-byte TDS packet header: kind(1) status(1) length-BE(2) channel-BE(2) seq(1) window(1).
type packetHeader struct {
	kind    packetKind
	status  uint8
	length  uint16 // total packet length including header
	channel uint16
	seq     uint8
	window  uint8
}

func (h packetHeader) isEOM() bool { return h.status&statusEOM != 0 }

func (h packetHeader) payloadLen() int {
	if int(h.length) <= packetHeaderSize {
		return 0
	}
	return int(h.length) - packetHeaderSize
}

func (h packetHeader) encode(buf []byte) {
	buf[0] = byte(h.kind)
	buf[1] = h.status
	binary.BigEndian.PutUint16(buf[2:4], h.length)
	binary.BigEndian.PutUint16(buf[4:6], h.channel)
	buf[6] = h.seq
	buf[7] = h.window
}

// decodePacketHeader parses one packet header: it either returns a parsed
// header or a FramingFault. maxLen is the currently
// negotiated maximum packet size (starts at 4096, may grow to 32767 via a
// PacketSize EnvChange — see processEnvChg).
func decodePacketHeader(buf []byte, maxLen int) (packetHeader, error) {
	if len(buf) < packetHeaderSize {
		return packetHeader{}, framingFault("packet header needs %d bytes, got %d", packetHeaderSize, len(buf))
	}
	h := packetHeader{
		kind:    packetKind(buf[0]),
		status:  buf[1],
		length:  binary.BigEndian.Uint16(buf[2:4]),
		channel: binary.BigEndian.Uint16(buf[4:6]),
		seq:     buf[6],
		window:  buf[7],
	}
	if h.length < packetHeaderSize {
		return packetHeader{}, framingFault("packet length %d is less than header size %d", h.length, packetHeaderSize)
	}
	if maxLen > 0 && int(h.length) > maxLen {
		return packetHeader{}, framingFault("packet length %d exceeds negotiated maximum %d", h.length, maxLen)
	}
	return h, nil
}

// needMoreBytes implements decode contract outcome (b): the caller must
// read N more bytes before a header (or a full packet) can be decoded.
// A return of 0 means "header is parseable, payload may still be partial".
func needMoreBytes(have int) int {
	if have >= packetHeaderSize {
		return 0
	}
	return packetHeaderSize - have
}

// splitIntoPackets splits payload into the fewest packets of at most
// packetSize bytes total size
// (including header), sequence numbers starting at base and incrementing
// modulo 256, end-of-message set on the final packet only.
func splitIntoPackets(kind packetKind, channel uint16, base uint8, payload []byte, packetSize int) [][]byte {
	if packetSize <= packetHeaderSize {
		packetSize = defaultPacketSize
	}
	maxPayload := packetSize - packetHeaderSize

	var packets [][]byte
	seq := base
	for {
		chunk := payload
		final := true
		if len(chunk) > maxPayload {
			chunk = payload[:maxPayload]
			final = false
		}

		status := statusNormal
		if final {
			status = statusEOM
		}
		hdr := packetHeader{
			kind:    kind,
			status:  status,
			length:  uint16(packetHeaderSize + len(chunk)),
			channel: channel,
			seq:     seq,
			window:  0,
		}
		pkt := make([]byte, packetHeaderSize+len(chunk))
		hdr.encode(pkt)
		copy(pkt[packetHeaderSize:], chunk)
		packets = append(packets, pkt)

		if final {
			break
		}
		payload = payload[maxPayload:]
		seq++ // wraps at 256 because seq is uint8
	}
	return packets
}

// reassembler accumulates packet payloads belonging to one logical message
// and enforces "Reassembly" checks.
type reassembler struct {
	kind        packetKind
	channel     uint16
	started     bool
	nextSeq     uint8
	sawEOM      bool
	buf         []byte
}

func newReassembler() *reassembler { return &reassembler{} }

// accept feeds one packet's header+payload into the reassembler. It
// returns a FramingFault (connection-fatal) on any violation: kind/channel
// mismatch, non-contiguous sequence, or more than one end-of-message packet.
func (r *reassembler) accept(h packetHeader, payload []byte) error {
	if r.sawEOM {
		return framingFault("received packet after end-of-message for channel %d", h.channel)
	}
	if !r.started {
		r.kind = h.kind
		r.channel = h.channel
		r.nextSeq = h.seq
		r.started = true
	} else {
		if h.kind != r.kind {
			return framingFault("packet kind changed mid-message: %s -> %s", r.kind, h.kind)
		}
		if h.channel != r.channel {
			return framingFault("packet channel changed mid-message: %d -> %d", r.channel, h.channel)
		}
		if h.seq != r.nextSeq {
			return framingFault("non-contiguous packet sequence: expected %d, got %d", r.nextSeq, h.seq)
		}
	}
	r.buf = append(r.buf, payload...)
	r.nextSeq++ // wraps modulo 256 automatically (uint8)
	if h.isEOM() {
		r.sawEOM = true
	}
	return nil
}

func (r *reassembler) done() bool { return r.sawEOM }

func (r *reassembler) message() []byte { return r.buf }
