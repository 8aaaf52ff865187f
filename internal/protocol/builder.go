package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeHeader builds the 8-byte packet header for the current protocol version.
func EncodeHeader(length uint32, t PacketType, checksum uint16) [HeaderSize]byte {
	var h [HeaderSize]byte
	binary.BigEndian.PutUint32(h[0:4], length)
	h[4] = Version
	h[5] = byte(t)
	binary.BigEndian.PutUint16(h[6:8], checksum)
	return h
}

// EncodeSequence returns the 2-byte big-endian sequence prefix of a chunk.
func EncodeSequence(seq uint16) [SequenceSize]byte {
	var b [SequenceSize]byte
	binary.BigEndian.PutUint16(b[:], seq)
	return b
}

// BuildControl returns a complete zero-payload control packet (ACK, NACK).
func BuildControl(t PacketType) []byte {
	h := EncodeHeader(0, t, 0)
	return h[:]
}

// BuildHandshake returns the handshake packet a device sends to open a session.
func BuildHandshake() []byte {
	h := EncodeHeader(uint32(len(Magic)), PktHandshake, Checksum(Magic[:]))
	pkt := make([]byte, 0, HeaderSize+len(Magic))
	pkt = append(pkt, h[:]...)
	pkt = append(pkt, Magic[:]...)
	return pkt
}

// BuildChunk frames one chunk: header, sequence number, then chunk data. The
// header length and checksum cover the chunk data only.
func BuildChunk(seq uint16, data []byte, last bool) ([]byte, error) {
	if len(data) > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrChunkTooLarge, len(data), MaxChunkSize)
	}

	t := PktData
	if last {
		t = PktDataEnd
	}

	h := EncodeHeader(uint32(len(data)), t, Checksum(data))
	s := EncodeSequence(seq)

	pkt := make([]byte, 0, HeaderSize+SequenceSize+len(data))
	pkt = append(pkt, h[:]...)
	pkt = append(pkt, s[:]...)
	pkt = append(pkt, data...)
	return pkt, nil
}

// Chunks splits payload into slices of at most MaxChunkSize bytes. An empty
// payload yields no chunks.
func Chunks(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	n := (len(payload) + MaxChunkSize - 1) / MaxChunkSize
	out := make([][]byte, 0, n)
	for off := 0; off < len(payload); off += MaxChunkSize {
		end := off + MaxChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[off:end])
	}
	return out
}
