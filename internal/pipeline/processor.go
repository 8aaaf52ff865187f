package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/handoff"
)

// Echo answers every request with the audio it received.
func Echo() handoff.Processor {
	return handoff.ProcessorFunc(func(_ context.Context, audio []byte, peer string) ([]byte, error) {
		log.Debug().
			Str("component", "pipeline").
			Str("peer", peer).
			Int("bytes", len(audio)).
			Msg("echo")
		return audio, nil
	})
}

// Inspect logs the format of incoming device audio before passing it to next.
// Audio that is not a WAV stream is passed through with a warning.
func Inspect(next handoff.Processor) handoff.Processor {
	return handoff.ProcessorFunc(func(ctx context.Context, audio []byte, peer string) ([]byte, error) {
		logger := log.With().Str("component", "pipeline").Str("peer", peer).Logger()

		pcm, err := ExtractPCM(audio)
		switch {
		case err != nil:
			logger.Warn().Err(err).Int("bytes", len(audio)).Msg("input is not usable WAV")
		case !pcm.Compatible():
			logger.Warn().
				Uint16("channels", pcm.Channels).
				Uint16("bits", pcm.BitsPerSample).
				Msg("input format not pipeline-compatible (need mono 16-bit)")
		default:
			logger.Info().
				Uint32("rate", pcm.SampleRate).
				Dur("duration", pcm.Duration()).
				Int("pcm_bytes", len(pcm.Data)).
				Msg("input audio")
		}

		return next.Process(ctx, audio, peer)
	})
}

// Limit truncates WAV results from next to at most limit bytes. Results that
// are not WAV and exceed the limit are rejected, since the device cannot play
// a partial stream of unknown framing.
func Limit(next handoff.Processor, limit int) handoff.Processor {
	return handoff.ProcessorFunc(func(ctx context.Context, audio []byte, peer string) ([]byte, error) {
		out, err := next.Process(ctx, audio, peer)
		if err != nil || len(out) <= limit {
			return out, err
		}

		truncated, cut, terr := TruncateWAV(out, limit)
		if terr != nil {
			return nil, fmt.Errorf("response of %d bytes exceeds limit %d: %w", len(out), limit, terr)
		}
		if cut {
			log.Warn().
				Str("component", "pipeline").
				Str("peer", peer).
				Int("from", len(out)).
				Int("to", len(truncated)).
				Msg("response truncated to device limit")
		}
		return truncated, nil
	})
}

// Command runs an external program per request, writing the audio to its
// stdin and returning its stdout. A non-zero exit or empty output fails the
// request.
func Command(name string, args ...string) handoff.Processor {
	return handoff.ProcessorFunc(func(ctx context.Context, audio []byte, peer string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = bytes.NewReader(audio)
		cmd.Env = append(cmd.Environ(), "SATLINK_PEER="+peer)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		start := time.Now()
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, fmt.Errorf("%s exited with %d: %s", name, exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
			}
			return nil, fmt.Errorf("failed to run %s: %w", name, err)
		}
		if stdout.Len() == 0 {
			return nil, fmt.Errorf("%s produced no output", name)
		}

		log.Debug().
			Str("component", "pipeline").
			Str("command", name).
			Int("bytes", stdout.Len()).
			Dur("took", time.Since(start)).
			Msg("command complete")
		return stdout.Bytes(), nil
	})
}
