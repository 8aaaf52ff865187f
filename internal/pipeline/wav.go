// Package pipeline provides the processors that run on the consumer side of
// the handoff slot, and the WAV handling shared by them.
package pipeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// WAVHeaderSize is the size of a canonical RIFF/PCM header.
	WAVHeaderSize = 44

	DeviceSampleRate       = 16000
	DeviceMaxRecordSeconds = 30

	// ResponseLimit is the largest WAV the device can buffer for playback.
	ResponseLimit = DeviceSampleRate * DeviceMaxRecordSeconds * 2

	// maxPCMBytes bounds the PCM payload accepted from a device.
	maxPCMBytes = ResponseLimit + 1024

	formatPCM = 1
)

var (
	ErrNotWAV   = errors.New("pipeline: not a RIFF/WAVE stream")
	ErrNotPCM   = errors.New("pipeline: WAV is not PCM encoded")
	ErrTooShort = errors.New("pipeline: WAV shorter than its header")
	ErrTooLarge = errors.New("pipeline: WAV data unreasonably large")
)

// WAVHeader is the decoded canonical 44-byte header. All fields are
// little-endian on the wire.
type WAVHeader struct {
	RIFFSize      uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// ParseWAVHeader decodes the first 44 bytes of b.
func ParseWAVHeader(b []byte) (WAVHeader, error) {
	if len(b) < WAVHeaderSize {
		return WAVHeader{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	if !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return WAVHeader{}, ErrNotWAV
	}

	le := binary.LittleEndian
	return WAVHeader{
		RIFFSize:      le.Uint32(b[4:8]),
		AudioFormat:   le.Uint16(b[20:22]),
		Channels:      le.Uint16(b[22:24]),
		SampleRate:    le.Uint32(b[24:28]),
		ByteRate:      le.Uint32(b[28:32]),
		BlockAlign:    le.Uint16(b[32:34]),
		BitsPerSample: le.Uint16(b[34:36]),
		DataSize:      le.Uint32(b[40:44]),
	}, nil
}

// Encode renders h as a canonical header.
func (h WAVHeader) Encode() [WAVHeaderSize]byte {
	var b [WAVHeaderSize]byte
	le := binary.LittleEndian

	copy(b[0:4], "RIFF")
	le.PutUint32(b[4:8], h.RIFFSize)
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	le.PutUint32(b[16:20], 16)
	le.PutUint16(b[20:22], h.AudioFormat)
	le.PutUint16(b[22:24], h.Channels)
	le.PutUint32(b[24:28], h.SampleRate)
	le.PutUint32(b[28:32], h.ByteRate)
	le.PutUint16(b[32:34], h.BlockAlign)
	le.PutUint16(b[34:36], h.BitsPerSample)
	copy(b[36:40], "data")
	le.PutUint32(b[40:44], h.DataSize)
	return b
}

// NewWAV wraps raw PCM samples in a canonical header.
func NewWAV(pcm []byte, sampleRate uint32, channels, bitsPerSample uint16) []byte {
	blockAlign := channels * bitsPerSample / 8
	h := WAVHeader{
		RIFFSize:      uint32(WAVHeaderSize - 8 + len(pcm)),
		AudioFormat:   formatPCM,
		Channels:      channels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: bitsPerSample,
		DataSize:      uint32(len(pcm)),
	}
	enc := h.Encode()

	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, enc[:]...)
	return append(out, pcm...)
}

// PCM is the audio payload of a device recording.
type PCM struct {
	Data          []byte
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
}

// Compatible reports whether the format is the mono 16-bit PCM the speech
// pipeline consumes.
func (p *PCM) Compatible() bool {
	return p.Channels == 1 && p.BitsPerSample == 16
}

// Duration returns the playback length of the samples.
func (p *PCM) Duration() time.Duration {
	bytesPerSec := int64(p.SampleRate) * int64(p.Channels) * int64(p.BitsPerSample/8)
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(int64(len(p.Data)) * int64(time.Second) / bytesPerSec)
}

// ExtractPCM validates a WAV buffer from a device and returns its samples. A
// header claiming more data than present is clamped to what arrived.
func ExtractPCM(wav []byte) (*PCM, error) {
	h, err := ParseWAVHeader(wav)
	if err != nil {
		return nil, err
	}
	if h.AudioFormat != formatPCM {
		return nil, fmt.Errorf("%w: format %d", ErrNotPCM, h.AudioFormat)
	}

	size := int(h.DataSize)
	if avail := len(wav) - WAVHeaderSize; size > avail {
		size = avail
	}
	if size > maxPCMBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, size, maxPCMBytes)
	}

	return &PCM{
		Data:          wav[WAVHeaderSize : WAVHeaderSize+size],
		SampleRate:    h.SampleRate,
		Channels:      h.Channels,
		BitsPerSample: h.BitsPerSample,
	}, nil
}

// TruncateWAV shortens wav so the whole buffer is at most limit bytes, cutting
// on a 2-byte sample boundary and patching both size fields. It returns the
// input unchanged and false when it already fits.
func TruncateWAV(wav []byte, limit int) ([]byte, bool, error) {
	if len(wav) < WAVHeaderSize {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrTooShort, len(wav))
	}
	if limit < WAVHeaderSize {
		return nil, false, fmt.Errorf("pipeline: limit %d smaller than WAV header", limit)
	}
	if len(wav) <= limit {
		return wav, false, nil
	}

	h, err := ParseWAVHeader(wav)
	if err != nil {
		return nil, false, err
	}

	data := (limit - WAVHeaderSize) / 2 * 2
	h.RIFFSize = uint32(WAVHeaderSize - 8 + data)
	h.DataSize = uint32(data)
	enc := h.Encode()

	out := make([]byte, WAVHeaderSize+data)
	copy(out, wav[:WAVHeaderSize])
	// Only the size fields change; anything else in the source header is kept.
	copy(out[4:8], enc[4:8])
	copy(out[40:44], enc[40:44])
	copy(out[WAVHeaderSize:], wav[WAVHeaderSize:WAVHeaderSize+data])
	return out, true, nil
}
