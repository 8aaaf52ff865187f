package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satlink-project/satlink/internal/handoff"
)

func TestParseWAVHeader(t *testing.T) {
	wav := NewWAV(make([]byte, 3200), 16000, 1, 16)
	require.Len(t, wav, WAVHeaderSize+3200)

	h, err := ParseWAVHeader(wav)
	require.NoError(t, err)
	assert.Equal(t, uint32(36+3200), h.RIFFSize)
	assert.Equal(t, uint16(1), h.AudioFormat)
	assert.Equal(t, uint16(1), h.Channels)
	assert.Equal(t, uint32(16000), h.SampleRate)
	assert.Equal(t, uint32(32000), h.ByteRate)
	assert.Equal(t, uint16(2), h.BlockAlign)
	assert.Equal(t, uint16(16), h.BitsPerSample)
	assert.Equal(t, uint32(3200), h.DataSize)

	// little-endian on the wire
	assert.Equal(t, []byte{0x80, 0x3E, 0x00, 0x00}, wav[24:28])
}

func TestParseWAVHeaderRejects(t *testing.T) {
	_, err := ParseWAVHeader([]byte("RIFF"))
	assert.ErrorIs(t, err, ErrTooShort)

	bad := NewWAV(nil, 16000, 1, 16)
	copy(bad[8:12], "AVI ")
	_, err = ParseWAVHeader(bad)
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestExtractPCM(t *testing.T) {
	samples := bytes.Repeat([]byte{1, 2}, 16000) // one second
	pcm, err := ExtractPCM(NewWAV(samples, 16000, 1, 16))
	require.NoError(t, err)
	assert.True(t, pcm.Compatible())
	assert.Equal(t, time.Second, pcm.Duration())
	assert.Equal(t, samples, pcm.Data)

	stereo, err := ExtractPCM(NewWAV(samples, 16000, 2, 16))
	require.NoError(t, err)
	assert.False(t, stereo.Compatible())
}

func TestExtractPCMClampsDataSize(t *testing.T) {
	wav := NewWAV(make([]byte, 100), 16000, 1, 16)
	binary.LittleEndian.PutUint32(wav[40:44], 5000)

	pcm, err := ExtractPCM(wav)
	require.NoError(t, err)
	assert.Len(t, pcm.Data, 100)
}

func TestExtractPCMRejectsNonPCM(t *testing.T) {
	wav := NewWAV(make([]byte, 10), 16000, 1, 16)
	binary.LittleEndian.PutUint16(wav[20:22], 3) // IEEE float
	_, err := ExtractPCM(wav)
	assert.ErrorIs(t, err, ErrNotPCM)
}

func TestExtractPCMRejectsHugeData(t *testing.T) {
	wav := NewWAV(make([]byte, maxPCMBytes+2), 16000, 1, 16)
	_, err := ExtractPCM(wav)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestTruncateWAV(t *testing.T) {
	wav := NewWAV(bytes.Repeat([]byte{7}, 1001), 16000, 1, 16)

	out, cut, err := TruncateWAV(wav, WAVHeaderSize+101)
	require.NoError(t, err)
	assert.True(t, cut)
	assert.Len(t, out, WAVHeaderSize+100, "cut on a sample boundary")

	h, err := ParseWAVHeader(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), h.DataSize)
	assert.Equal(t, uint32(36+100), h.RIFFSize)
	assert.Equal(t, uint32(16000), h.SampleRate)
	assert.Equal(t, wav[WAVHeaderSize:WAVHeaderSize+100], out[WAVHeaderSize:])

	same, cut, err := TruncateWAV(wav, len(wav))
	require.NoError(t, err)
	assert.False(t, cut)
	assert.Equal(t, wav, same)

	_, _, err = TruncateWAV(wav, 10)
	assert.Error(t, err)
}

func TestLimitTruncatesWAVResponses(t *testing.T) {
	big := NewWAV(make([]byte, ResponseLimit), 16000, 1, 16)
	p := Limit(handoff.ProcessorFunc(func(context.Context, []byte, string) ([]byte, error) {
		return big, nil
	}), ResponseLimit)

	out, err := p.Process(context.Background(), nil, "peer")
	require.NoError(t, err)
	assert.Len(t, out, ResponseLimit)
}

func TestLimitRejectsOversizedRaw(t *testing.T) {
	p := Limit(handoff.ProcessorFunc(func(context.Context, []byte, string) ([]byte, error) {
		return make([]byte, 200), nil
	}), 100)

	_, err := p.Process(context.Background(), nil, "peer")
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestLimitPassesErrors(t *testing.T) {
	boom := errors.New("tts failed")
	p := Limit(handoff.ProcessorFunc(func(context.Context, []byte, string) ([]byte, error) {
		return nil, boom
	}), 100)
	_, err := p.Process(context.Background(), nil, "peer")
	assert.ErrorIs(t, err, boom)
}

func TestInspectEchoChain(t *testing.T) {
	p := Inspect(Echo())
	for _, in := range [][]byte{NewWAV([]byte{1, 2, 3, 4}, 16000, 1, 16), []byte("not audio")} {
		out, err := p.Process(context.Background(), in, "peer")
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	out, err := Command("sh", "-c", `printf "%s:" "$SATLINK_PEER"; cat`).
		Process(context.Background(), []byte("audio"), "10.0.0.7:5000")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:5000:audio", string(out))

	_, err = Command("sh", "-c", "echo nope >&2; exit 3").Process(context.Background(), nil, "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with 3")
	assert.Contains(t, err.Error(), "nope")

	_, err = Command("sh", "-c", "true").Process(context.Background(), []byte{1}, "p")
	assert.ErrorContains(t, err, "no output")
}
