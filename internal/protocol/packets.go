// Package protocol implements the wire codec for the device audio protocol
// spoken between satellite devices and the appliance. Every packet starts
// with a fixed 8-byte big-endian header followed by an optional payload.
package protocol

import "fmt"

// Version is the protocol version carried in every header. Packets with any
// other version are rejected.
const Version byte = 0x01

// HeaderSize is the size of the fixed packet header in bytes.
const HeaderSize = 8

// SequenceSize is the size of the sequence number that precedes chunk data.
const SequenceSize = 2

// Limits shared by both ends of the transport.
const (
	MaxChunkSize    = 8192             // bytes of chunk data per DATA packet
	MaxTotalSize    = 10 * 1024 * 1024 // assembled payload ceiling
	MaxSendAttempts = 5                // attempts per outgoing chunk
)

// Magic is the handshake payload both ends must agree on.
var Magic = [4]byte{0xA5, 0x5A, 0xB2, 0x2B}

// PacketType identifies the purpose of a packet.
type PacketType byte

const (
	PktHandshake PacketType = 0x01 // Magic bytes exchange
	PktData      PacketType = 0x02 // Chunk of payload, more to follow
	PktDataEnd   PacketType = 0x03 // Final chunk of payload
	PktAck       PacketType = 0x04 // Positive acknowledgement
	PktNack      PacketType = 0x05 // Negative acknowledgement
	PktRetry     PacketType = 0x06 // Reserved
)

var packetTypeNames = map[PacketType]string{
	PktHandshake: "HANDSHAKE",
	PktData:      "DATA",
	PktDataEnd:   "DATA_END",
	PktAck:       "ACK",
	PktNack:      "NACK",
	PktRetry:     "RETRY",
}

// String returns the wire name of the packet type.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
}

// IsChunk reports whether packets of this type carry a sequence number and chunk data.
func (t PacketType) IsChunk() bool {
	return t == PktData || t == PktDataEnd
}

// Header is a decoded packet header.
type Header struct {
	Length   uint32
	Version  byte
	Type     PacketType
	Checksum uint16
}
