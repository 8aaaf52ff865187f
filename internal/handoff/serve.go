package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor turns received audio into response audio.
type Processor interface {
	Process(ctx context.Context, audio []byte, peer string) ([]byte, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, audio []byte, peer string) ([]byte, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, audio []byte, peer string) ([]byte, error) {
	return f(ctx, audio, peer)
}

// Serve runs the consumer side of the slot until ctx is cancelled or the slot
// is closed. It is meant to run on its own goroutine. A panicking processor
// fails the current request instead of taking the loop down.
func Serve(ctx context.Context, s *Slot, p Processor) error {
	logger := log.With().Str("component", "pipeline").Logger()
	logger.Info().Msg("processing loop started")

	for {
		req, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				logger.Info().Msg("processing loop stopped")
				return nil
			}
			return err
		}

		start := time.Now()
		result, perr := process(ctx, p, req)

		l := logger.With().
			Uint64("request", req.ID).
			Str("peer", req.Peer).
			Int("in_bytes", len(req.Audio)).
			Int("out_bytes", len(result)).
			Dur("took", time.Since(start)).
			Logger()
		if perr != nil {
			l.Error().Err(perr).Msg("processing failed")
		} else {
			l.Info().Msg("processing complete")
		}

		if err := s.Complete(req.ID, result, perr); err != nil {
			l.Warn().Err(err).Msg("result not delivered")
		}
	}
}

func process(ctx context.Context, p Processor, req *Request) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.Process(ctx, req.Audio, req.Peer)
}
