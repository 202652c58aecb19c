package mssql

import (
	"encoding/binary"
	"io"

	"golang.org/x/text/encoding/unicode"
)

var bufUtf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// tdsBuffer is the transport-framing layer: it presents the byte stream of
// one logical message as a plain io.Reader on the read side (transparently
// crossing packet boundaries) and accumulates a logical message for the
// write side, splitting it into packets on Send. Its reader surface
// (byte/uint16/ReadFull/BeginRead) routes through packet.go's pure
// encode/decode functions instead of handling header bytes inline.
type tdsBuffer struct {
	transport io.ReadWriteCloser

	packetSize int // negotiated max packet size, grows via PacketSize EnvChange

	// read side
	rbuf []byte
	rpos int
	rasm *reassembler
	rHdr []byte // scratch for header read

	// write side
	wbuf    []byte
	wKind   packetKind
	wChan   uint16
	wSeqBse uint8
}

func newTdsBuffer(transport io.ReadWriteCloser, packetSize int) *tdsBuffer {
	if packetSize < minPacketSize {
		packetSize = defaultPacketSize
	}
	return &tdsBuffer{
		transport: transport,
		packetSize: packetSize,
		rHdr:       make([]byte, packetHeaderSize),
	}
}

// ResizeBuffer applies a negotiated PacketSize EnvChange.
func (b *tdsBuffer) ResizeBuffer(size int) {
	if size < minPacketSize {
		size = minPacketSize
	}
	if size > maxPacketSize {
		size = maxPacketSize
	}
	b.packetSize = size
}

// BeginRead starts reading a new logical message and returns its packet
// kind (the kind of the first packet). Subsequent Read/byte/uint16/etc.
// calls transparently reassemble across packet boundaries until the
// end-of-message packet is consumed.
func (b *tdsBuffer) BeginRead() (packetKind, error) {
	b.rasm = newReassembler()
	b.rbuf = nil
	b.rpos = 0
	if err := b.readNextPacket(); err != nil {
		return 0, err
	}
	return b.rasm.kind, nil
}

func (b *tdsBuffer) readNextPacket() error {
	if _, err := io.ReadFull(b.transport, b.rHdr); err != nil {
		return transportFault(err, "reading packet header")
	}
	hdr, err := decodePacketHeader(b.rHdr, b.packetSize)
	if err != nil {
		return err
	}
	payload := make([]byte, hdr.payloadLen())
	if len(payload) > 0 {
		if _, err := io.ReadFull(b.transport, payload); err != nil {
			return transportFault(err, "reading packet payload")
		}
	}
	if err := b.rasm.accept(hdr, payload); err != nil {
		return err
	}
	b.rbuf = append(b.rbuf, payload...)
	return nil
}

// fill ensures at least n unread bytes are buffered, pulling further
// packets of the same logical message as needed.
func (b *tdsBuffer) fill(n int) error {
	for len(b.rbuf)-b.rpos < n {
		if b.rasm.done() {
			return io.ErrUnexpectedEOF
		}
		if err := b.readNextPacket(); err != nil {
			return err
		}
	}
	return nil
}

// Read implements io.Reader, pulling more packets as needed. It returns
// io.EOF only once the end-of-message packet has been fully consumed; a
// failure to read the next packet mid-message is returned as that error.
func (b *tdsBuffer) Read(p []byte) (int, error) {
	if err := b.fill(1); err != nil {
		if err == io.ErrUnexpectedEOF && b.rasm.done() {
			return 0, io.EOF
		}
		return 0, err
	}
	n := copy(p, b.rbuf[b.rpos:])
	b.rpos += n
	return n, nil
}

// ReadFull reads exactly len(buf) bytes or panics with a FramingFault.
func (b *tdsBuffer) ReadFull(buf []byte) {
	if err := b.fill(len(buf)); err != nil {
		panic(framingFault("short read: wanted %d bytes: %v", len(buf), err))
	}
	copy(buf, b.rbuf[b.rpos:b.rpos+len(buf)])
	b.rpos += len(buf)
}

func (b *tdsBuffer) byte() uint8 {
	var buf [1]byte
	b.ReadFull(buf[:])
	return buf[0]
}

func (b *tdsBuffer) uint16() uint16 {
	var buf [2]byte
	b.ReadFull(buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (b *tdsBuffer) uint32() uint32 {
	var buf [4]byte
	b.ReadFull(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (b *tdsBuffer) uint64() uint64 {
	var buf [8]byte
	b.ReadFull(buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (b *tdsBuffer) int32() int32 { return int32(b.uint32()) }
func (b *tdsBuffer) int64() int64 { return int64(b.uint64()) }

// BVarChar reads a byte-length-prefixed UTF-16LE string (B_VARCHAR).
func (b *tdsBuffer) BVarChar() string {
	size := int(b.byte())
	return b.readUcs2(size)
}

// UsVarChar reads a uint16-length-prefixed UTF-16LE string (US_VARCHAR).
func (b *tdsBuffer) UsVarChar() string {
	size := int(b.uint16())
	return b.readUcs2(size)
}

// sqlIdentifier reads a B_VARCHAR used as a table/identifier name; it has
// the same wire shape but its own accessor to match call sites that only
// care about discarding it (e.g. TEXT/NTEXT/IMAGE table name in ColMetaData).
func (b *tdsBuffer) sqlIdentifier() string { return b.BVarChar() }

func (b *tdsBuffer) readUcs2(chars int) string {
	raw := make([]byte, chars*2)
	b.ReadFull(raw)
	s, err := ucs22str(raw)
	if err != nil {
		panic(protocolFault("invalid UTF-16LE string: %v", err))
	}
	return s
}

// ucs22str decodes UTF-16LE bytes, the wire encoding for every TDS string
// field.
func ucs22str(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	out, err := bufUtf16Decoder.Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// str2ucs2 encodes a Go string as UTF-16LE bytes, used for Login7 fields
// and password obfuscation.
func str2ucs2(s string) []byte {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, _ := encoder.Bytes([]byte(s))
	return out
}

// --- write side ---

// BeginPacket starts accumulating a new outbound logical message.
func (b *tdsBuffer) BeginPacket(kind packetKind, channel uint16) {
	b.wKind = kind
	b.wChan = channel
	b.wbuf = b.wbuf[:0]
}

func (b *tdsBuffer) Write(p []byte) (int, error) {
	b.wbuf = append(b.wbuf, p...)
	return len(p), nil
}

func (b *tdsBuffer) writeByte(v byte) { b.wbuf = append(b.wbuf, v) }

func (b *tdsBuffer) writeUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.wbuf = append(b.wbuf, tmp[:]...)
}

func (b *tdsBuffer) writeUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.wbuf = append(b.wbuf, tmp[:]...)
}

// FinishPacket splits the accumulated payload into packets (packet.go's
// encode contract) and writes them to the transport.
func (b *tdsBuffer) FinishPacket() error {
	packets := splitIntoPackets(b.wKind, b.wChan, b.wSeqBse, b.wbuf, b.packetSize)
	for _, pkt := range packets {
		if _, err := b.transport.Write(pkt); err != nil {
			return transportFault(err, "writing packet")
		}
	}
	b.wbuf = b.wbuf[:0]
	return nil
}

// sendAttention implements cancellation: an empty Attention
// packet, status=end-of-message, on the current channel.
func sendAttention(b *tdsBuffer) error {
	pkt := make([]byte, packetHeaderSize)
	hdr := packetHeader{kind: packAttention, status: statusEOM, length: packetHeaderSize, channel: b.wChan}
	hdr.encode(pkt)
	if _, err := b.transport.Write(pkt); err != nil {
		return transportFault(err, "sending attention")
	}
	return nil
}
