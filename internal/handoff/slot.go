// Package handoff implements the single-slot rendezvous between the network
// side, which receives audio from a device, and the processing pipeline,
// which runs on its own goroutine and produces the response audio.
//
// At most one request is outstanding at any time. A Submit while another
// request is in flight is rejected with ErrBusy rather than queued.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy    = errors.New("handoff: slot already holds a request")
	ErrClosed  = errors.New("handoff: slot closed")
	ErrTimeout = errors.New("handoff: processing timed out")
	ErrDefunct = errors.New("handoff: result for a request that is no longer waiting")
)

// Request is one unit of work placed in the slot by the network side.
type Request struct {
	ID          uint64
	Peer        string
	Audio       []byte
	SubmittedAt time.Time
}

type outcome struct {
	data []byte
	err  error
}

type pending struct {
	req       *Request
	done      chan outcome
	taken     bool
	completed bool
	defunct   bool
}

// Stats are cumulative slot counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	TimedOut  int64 `json:"timed_out"`
	Discarded int64 `json:"discarded"`
	Busy      bool  `json:"busy"`
}

// Slot is the single-slot mailbox. The zero value is not usable; use NewSlot.
type Slot struct {
	mu      sync.Mutex
	timeout time.Duration
	nextID  uint64
	current *pending
	closed  bool
	stats   Stats

	queue   chan *pending
	closeCh chan struct{}
	logger  zerolog.Logger
}

// NewSlot creates a slot. A timeout of zero waits for the pipeline indefinitely.
func NewSlot(timeout time.Duration) *Slot {
	return &Slot{
		timeout: timeout,
		queue:   make(chan *pending, 1),
		closeCh: make(chan struct{}),
		logger:  log.With().Str("component", "handoff").Logger(),
	}
}

// Timeout returns the configured processing timeout.
func (s *Slot) Timeout() time.Duration {
	return s.timeout
}

// Submit places audio in the slot and blocks until the pipeline completes it,
// the timeout elapses, ctx is cancelled, or the slot is closed. Ownership of
// audio passes to the pipeline; the returned buffer belongs to the caller.
func (s *Slot) Submit(ctx context.Context, peer string, audio []byte) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.current != nil {
		s.stats.Rejected++
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.nextID++
	p := &pending{
		req: &Request{
			ID:          s.nextID,
			Peer:        peer,
			Audio:       audio,
			SubmittedAt: time.Now(),
		},
		done: make(chan outcome, 1),
	}
	s.current = p
	s.stats.Submitted++
	// Capacity one and a single outstanding request: never blocks.
	s.queue <- p
	s.mu.Unlock()

	s.logger.Debug().
		Uint64("request", p.req.ID).
		Str("peer", peer).
		Int("bytes", len(audio)).
		Msg("request submitted")

	var timer <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case out := <-p.done:
		s.mu.Lock()
		if s.current == p {
			s.current = nil
		}
		s.stats.Completed++
		s.mu.Unlock()
		return out.data, out.err
	case <-timer:
		if out, ok := s.abandon(p, "timeout"); ok {
			return out.data, out.err
		}
		s.mu.Lock()
		s.stats.TimedOut++
		s.mu.Unlock()
		return nil, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	case <-ctx.Done():
		if out, ok := s.abandon(p, "cancelled"); ok {
			return out.data, out.err
		}
		return nil, ctx.Err()
	case <-s.closeCh:
		if out, ok := s.abandon(p, "closed"); ok {
			return out.data, out.err
		}
		return nil, ErrClosed
	}
}

// abandon marks p defunct, frees the slot and withdraws p if the pipeline
// has not picked it up yet. A result that Complete accepted before the lock
// was taken is returned with ok set; Complete already reported it delivered,
// so it must reach the caller.
func (s *Slot) abandon(p *pending, reason string) (outcome, bool) {
	s.mu.Lock()
	if s.current == p {
		s.current = nil
	}
	if p.completed {
		s.stats.Completed++
		s.mu.Unlock()
		s.logger.Debug().
			Uint64("request", p.req.ID).
			Str("reason", reason).
			Msg("result arrived as the request was abandoned, delivering it")
		return <-p.done, true
	}
	p.defunct = true
	taken := p.taken
	if !taken {
		select {
		case <-s.queue:
		default:
		}
	}
	s.mu.Unlock()

	s.logger.Warn().
		Uint64("request", p.req.ID).
		Str("peer", p.req.Peer).
		Str("reason", reason).
		Bool("taken", taken).
		Msg("request abandoned by network side")
	return outcome{}, false
}

// Next blocks until a request is available to the pipeline.
func (s *Slot) Next(ctx context.Context) (*Request, error) {
	for {
		select {
		case p := <-s.queue:
			s.mu.Lock()
			if p.defunct {
				s.mu.Unlock()
				continue
			}
			p.taken = true
			s.mu.Unlock()
			return p.req, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closeCh:
			return nil, ErrClosed
		}
	}
}

// Complete hands the pipeline's result for request id back to the waiting
// network side. A result for a request that timed out or was cancelled is
// dropped and ErrDefunct is returned.
func (s *Slot) Complete(id uint64, result []byte, err error) error {
	s.mu.Lock()
	p := s.current
	if p == nil || p.req.ID != id || p.defunct || p.completed {
		s.stats.Discarded++
		s.mu.Unlock()
		s.logger.Warn().
			Uint64("request", id).
			Int("bytes", len(result)).
			Msg("discarding result for defunct request")
		return ErrDefunct
	}
	p.completed = true
	// Buffered for exactly this one send; filling it under the lock means
	// abandon always finds the result once it sees completed.
	p.done <- outcome{data: result, err: err}
	s.mu.Unlock()
	return nil
}

// Busy reports whether a request is outstanding.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Stats returns a snapshot of the slot counters.
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Busy = s.current != nil
	return st
}

// Close releases every waiter with ErrClosed. It is safe to call more than once.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeCh)
}
