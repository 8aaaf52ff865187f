package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DecodeHeader parses an 8-byte header. A version other than Version is a
// protocol error; the packet type is not validated here.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, NewError(KindProtocol, "decode header",
			fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(b)))
	}

	h := Header{
		Length:   binary.BigEndian.Uint32(b[0:4]),
		Version:  b[4],
		Type:     PacketType(b[5]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}

	if h.Version != Version {
		return h, NewError(KindProtocol, "decode header",
			fmt.Errorf("%w: 0x%02X (expected 0x%02X)", ErrBadVersion, h.Version, Version))
	}

	return h, nil
}

// DecodeSequence parses the 2-byte sequence prefix of a chunk.
func DecodeSequence(b []byte) (uint16, error) {
	if len(b) != SequenceSize {
		return 0, NewError(KindProtocol, "decode sequence",
			fmt.Errorf("%w: sequence needs %d bytes, got %d", ErrBadLength, SequenceSize, len(b)))
	}
	return binary.BigEndian.Uint16(b), nil
}

// VerifyHandshake checks a handshake header and its magic payload.
func VerifyHandshake(h Header, magic []byte) error {
	if h.Type != PktHandshake {
		return NewError(KindProtocol, "handshake",
			fmt.Errorf("%w: %s", ErrBadPacketType, h.Type))
	}
	if h.Length != uint32(len(Magic)) {
		return NewError(KindProtocol, "handshake",
			fmt.Errorf("%w: %d", ErrBadLength, h.Length))
	}
	if got := Checksum(magic); got != h.Checksum {
		return NewError(KindChecksum, "handshake",
			fmt.Errorf("%w: got 0x%04X, header 0x%04X", ErrChecksumMismatch, got, h.Checksum))
	}
	if !bytes.Equal(magic, Magic[:]) {
		return NewError(KindProtocol, "handshake",
			fmt.Errorf("%w: % X", ErrBadMagic, magic))
	}
	return nil
}

// VerifyChunk checks chunk data against the header checksum.
func VerifyChunk(h Header, data []byte) error {
	if got := Checksum(data); got != h.Checksum {
		return NewError(KindChecksum, "verify chunk",
			fmt.Errorf("%w: got 0x%04X, header 0x%04X", ErrChecksumMismatch, got, h.Checksum))
	}
	return nil
}
