package mssql

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Framing round-trip: for any logical payload P and any valid
// max-packet-size M>=512, encoding then decoding at the receiver yields
// exactly P with exactly one end-of-message flag.
func TestFramingRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 500, 4096 - packetHeaderSize, 10000, 70000}
	packetSizes := []int{minPacketSize, 1024, defaultPacketSize, maxPacketSize}

	for _, psize := range packetSizes {
		for _, n := range sizes {
			payload := bytes.Repeat([]byte{0xAB}, n)
			for i := range payload {
				payload[i] = byte(i)
			}

			packets := splitIntoPackets(packSQLBatch, 7, 0, payload, psize)
			require.NotEmpty(t, packets)

			r := newReassembler()
			eomCount := 0
			for _, pkt := range packets {
				hdr, err := decodePacketHeader(pkt, psize)
				require.NoError(t, err)
				require.NoError(t, r.accept(hdr, pkt[packetHeaderSize:]))
				if hdr.isEOM() {
					eomCount++
				}
			}
			assert.Equal(t, 1, eomCount, "exactly one end-of-message flag (psize=%d n=%d)", psize, n)
			assert.True(t, r.done())
			assert.Equal(t, payload, r.message(), "psize=%d n=%d", psize, n)
		}
	}
}

// Sequence modularity: packet sequence numbers in a logical
// message form a contiguous increasing run modulo 256 starting at the
// caller's base.
func TestSequenceModularity(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 100*1000) // forces many packets at min size
	base := uint8(250)                              // chosen so the run wraps past 255 -> 0
	packets := splitIntoPackets(packSQLBatch, 1, base, payload, minPacketSize)
	require.Greater(t, len(packets), 6, "need enough packets to observe a wraparound")

	wantSeq := base
	sawWrap := false
	for i, pkt := range packets {
		hdr, err := decodePacketHeader(pkt, minPacketSize)
		require.NoError(t, err)
		assert.Equal(t, wantSeq, hdr.seq, "packet %d", i)
		if wantSeq == 255 {
			sawWrap = true
		}
		wantSeq++ // wraps automatically: uint8 arithmetic
	}
	assert.True(t, sawWrap, "test should exercise the modulo-256 wraparound")

	r := newReassembler()
	for _, pkt := range packets {
		hdr, err := decodePacketHeader(pkt, minPacketSize)
		require.NoError(t, err)
		require.NoError(t, r.accept(hdr, pkt[packetHeaderSize:]))
	}
	assert.True(t, r.done())
	assert.Equal(t, payload, r.message())
}

// Reassembly must reject a non-contiguous sequence, a kind/channel change
// mid-message, and more than one end-of-message packet.
func TestReassemblerRejectsViolations(t *testing.T) {
	mkPacket := func(kind packetKind, channel uint16, seq uint8, eom bool, payload []byte) []byte {
		status := statusNormal
		if eom {
			status = statusEOM
		}
		hdr := packetHeader{kind: kind, status: status, length: uint16(packetHeaderSize + len(payload)), channel: channel, seq: seq}
		pkt := make([]byte, packetHeaderSize+len(payload))
		hdr.encode(pkt)
		copy(pkt[packetHeaderSize:], payload)
		return pkt
	}

	t.Run("non-contiguous sequence", func(t *testing.T) {
		r := newReassembler()
		p0 := mkPacket(packReply, 1, 0, false, []byte("a"))
		p2 := mkPacket(packReply, 1, 2, true, []byte("b")) // should be seq=1
		hdr0, err := decodePacketHeader(p0, 0)
		require.NoError(t, err)
		require.NoError(t, r.accept(hdr0, p0[packetHeaderSize:]))
		hdr2, err := decodePacketHeader(p2, 0)
		require.NoError(t, err)
		assert.Error(t, r.accept(hdr2, p2[packetHeaderSize:]))
	})

	t.Run("channel change mid-message", func(t *testing.T) {
		r := newReassembler()
		p0 := mkPacket(packReply, 1, 0, false, []byte("a"))
		p1 := mkPacket(packReply, 2, 1, true, []byte("b"))
		hdr0, _ := decodePacketHeader(p0, 0)
		require.NoError(t, r.accept(hdr0, p0[packetHeaderSize:]))
		hdr1, _ := decodePacketHeader(p1, 0)
		assert.Error(t, r.accept(hdr1, p1[packetHeaderSize:]))
	})

	t.Run("packet after end-of-message", func(t *testing.T) {
		r := newReassembler()
		p0 := mkPacket(packReply, 1, 0, true, []byte("a"))
		p1 := mkPacket(packReply, 1, 1, true, []byte("b"))
		hdr0, _ := decodePacketHeader(p0, 0)
		require.NoError(t, r.accept(hdr0, p0[packetHeaderSize:]))
		hdr1, _ := decodePacketHeader(p1, 0)
		assert.Error(t, r.accept(hdr1, p1[packetHeaderSize:]))
	})
}

// Framing reassembly of two inbound Response packets split across packet
// boundaries.
func TestFramingReassemblyAcrossPackets(t *testing.T) {
	p1 := make([]byte, packetHeaderSize+3800)
	hdr1 := packetHeader{kind: packReply, status: statusNormal, length: uint16(len(p1)), channel: 50, seq: 1}
	hdr1.encode(p1)
	for i := range p1[packetHeaderSize:] {
		p1[packetHeaderSize+i] = byte(i)
	}

	p2 := make([]byte, packetHeaderSize+1000)
	hdr2 := packetHeader{kind: packReply, status: statusEOM, length: uint16(len(p2)), channel: 50, seq: 2}
	hdr2.encode(p2)
	for i := range p2[packetHeaderSize:] {
		p2[packetHeaderSize+i] = byte(0xFF - i%256)
	}

	r := newReassembler()
	h1, err := decodePacketHeader(p1, 0)
	require.NoError(t, err)
	require.NoError(t, r.accept(h1, p1[packetHeaderSize:]))
	assert.False(t, r.done())

	h2, err := decodePacketHeader(p2, 0)
	require.NoError(t, err)
	require.NoError(t, r.accept(h2, p2[packetHeaderSize:]))
	assert.True(t, r.done())

	want := append(append([]byte{}, p1[packetHeaderSize:]...), p2[packetHeaderSize:]...)
	assert.Len(t, r.message(), 4800)
	assert.Equal(t, want, r.message())
}

func TestDecodePacketHeaderRejectsBadInput(t *testing.T) {
	_, err := decodePacketHeader([]byte{1, 2, 3}, 0)
	assert.Error(t, err, "too short")

	short := make([]byte, packetHeaderSize)
	hdr := packetHeader{kind: packReply, length: 3, channel: 0}
	hdr.encode(short)
	_, err = decodePacketHeader(short, 0)
	assert.Error(t, err, "length below header size")

	big := make([]byte, packetHeaderSize)
	hdr2 := packetHeader{kind: packReply, length: 20000, channel: 0}
	hdr2.encode(big)
	_, err = decodePacketHeader(big, 4096)
	assert.Error(t, err, "length above negotiated maximum")
}
