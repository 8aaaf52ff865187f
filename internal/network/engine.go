package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/protocol"
)

// ErrNacked is returned for a send attempt the peer answered with NACK.
var ErrNacked = errors.New("peer rejected chunk")

var errEmptyResult = errors.New("processing produced no audio")

// progressEvery is how many chunks pass between send progress log lines.
const progressEvery = 16

// Submitter hands assembled audio to the processing side and blocks for the
// response. *handoff.Slot implements it.
type Submitter interface {
	Submit(ctx context.Context, peer string, audio []byte) ([]byte, error)
}

// Config holds the engine's timing and limit parameters.
type Config struct {
	// SocketTimeout bounds every exact read and write.
	SocketTimeout time.Duration
	// AckTimeout bounds the wait for the reply to one sent chunk.
	AckTimeout time.Duration
	// HandshakeSettle is slept before and after the handshake ACK.
	HandshakeSettle time.Duration
	// SendSettle is slept after draining and before the first response chunk.
	SendSettle time.Duration
	// DrainWindow and DrainMax bound the discard of stale inbound bytes before
	// sending and before a retransmission that follows an ACK timeout.
	DrainWindow time.Duration
	DrainMax    int

	MaxSendAttempts   int
	MaxSequenceErrors int
	MaxPackets        int
	Backoff           Backoff

	// EchoOnFailure answers with the received audio when processing fails
	// instead of aborting the connection.
	EchoOnFailure bool
}

// DefaultConfig returns the timings the device firmware expects.
func DefaultConfig() Config {
	return Config{
		SocketTimeout:     30 * time.Second,
		AckTimeout:        2 * time.Second,
		HandshakeSettle:   50 * time.Millisecond,
		SendSettle:        100 * time.Millisecond,
		DrainWindow:       50 * time.Millisecond,
		DrainMax:          100 << 10,
		MaxSendAttempts:   protocol.MaxSendAttempts,
		MaxSequenceErrors: 10,
		MaxPackets:        10000,
		Backoff:           DefaultBackoff(),
	}
}

// Engine runs the per-connection protocol: handshake, receive, process, send.
// One Engine serves connections sequentially; it holds no per-connection state.
type Engine struct {
	cfg       Config
	processor Submitter
	bus       *events.Bus
	sleep     sleepFunc
}

// NewEngine creates an Engine. A nil processor echoes received audio back; a
// nil bus disables lifecycle events.
func NewEngine(cfg Config, processor Submitter, bus *events.Bus) *Engine {
	if cfg.MaxSendAttempts < 1 {
		cfg.MaxSendAttempts = protocol.MaxSendAttempts
	}
	return &Engine{
		cfg:       cfg,
		processor: processor,
		bus:       bus,
		sleep:     sleepContext,
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Serve drives sess to completion. Cancelling ctx closes the connection so
// blocked I/O returns. The returned error is nil only if the response was
// fully acknowledged.
func (e *Engine) Serve(ctx context.Context, sess *Session) error {
	stop := context.AfterFunc(ctx, func() { sess.Conn.Close() })
	defer stop()

	logger := sess.Logger()
	logger.Info().Msg("connection accepted")
	e.emit(ctx, events.EventConnectionOpened, events.ConnectionPayload{
		SessionID: sess.ID,
		Peer:      sess.Peer,
	})

	err := e.run(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			err = protocol.NewError(protocol.KindTransport, "serve",
				fmt.Errorf("aborted by shutdown: %w", err))
		}
		sess.Fail(err)
		logger.Error().
			Err(err).
			Str("kind", protocol.KindOf(err).String()).
			Msg("connection failed")
	} else {
		sess.Transition(StateClosed)
		logger.Info().
			Int("received", sess.BytesReceived()).
			Int("sent", sess.BytesSent()).
			Dur("took", time.Since(sess.StartedAt)).
			Msg("connection complete")
	}

	e.emit(ctx, events.EventConnectionClosed, summarize(sess, err))
	return err
}

func (e *Engine) run(ctx context.Context, sess *Session) error {
	if err := e.Handshake(ctx, sess); err != nil {
		return err
	}
	e.emit(ctx, events.EventHandshakeOK, events.ConnectionPayload{
		SessionID: sess.ID,
		Peer:      sess.Peer,
	})

	sess.Transition(StateReceiving)
	start := time.Now()
	audio, chunks, err := e.Receive(ctx, sess)
	if err != nil {
		return err
	}
	sess.Logger().Info().
		Int("bytes", len(audio)).
		Int("chunks", chunks).
		Msg("audio received")
	e.emit(ctx, events.EventAudioReceived, events.TransferPayload{
		SessionID: sess.ID,
		Peer:      sess.Peer,
		Bytes:     len(audio),
		Chunks:    chunks,
		Duration:  time.Since(start),
	})

	sess.Transition(StateProcessing)
	resp, err := e.Process(ctx, sess, audio)
	if err != nil {
		return err
	}

	sess.Transition(StateSending)
	start = time.Now()
	sent, err := e.Send(ctx, sess, resp)
	if err != nil {
		return err
	}
	e.emit(ctx, events.EventResponseSent, events.TransferPayload{
		SessionID: sess.ID,
		Peer:      sess.Peer,
		Bytes:     len(resp),
		Chunks:    sent,
		Duration:  time.Since(start),
	})
	return nil
}

// Handshake reads and verifies the device handshake, then acknowledges it
// between two settle delays and resets both sequence counters.
func (e *Engine) Handshake(ctx context.Context, sess *Session) error {
	conn := sess.Conn

	h, err := conn.ReadHeader(0)
	if err != nil {
		return err
	}
	if h.Type != protocol.PktHandshake || h.Length != uint32(len(protocol.Magic)) {
		// Reject on the header alone; the payload length cannot be trusted.
		return protocol.VerifyHandshake(h, nil)
	}

	magic, err := conn.ReadExact(len(protocol.Magic))
	if err != nil {
		return err
	}
	if err := protocol.VerifyHandshake(h, magic); err != nil {
		return err
	}

	sess.ResetSequences()

	if err := e.sleep(ctx, e.cfg.HandshakeSettle); err != nil {
		return protocol.NewError(protocol.KindTransport, "handshake", err)
	}
	if err := conn.SendAck(); err != nil {
		return err
	}
	if err := e.sleep(ctx, e.cfg.HandshakeSettle); err != nil {
		return protocol.NewError(protocol.KindTransport, "handshake", err)
	}

	sess.Logger().Debug().Msg("handshake complete")
	return nil
}

// Receive assembles chunks from the peer until a DATA_END chunk is accepted.
// Checksum and sequence failures are answered with NACK and the loop waits
// for the retransmission; everything else aborts the transfer.
func (e *Engine) Receive(ctx context.Context, sess *Session) ([]byte, int, error) {
	conn := sess.Conn
	logger := sess.Logger()
	asm := protocol.NewAssembler(protocol.MaxTotalSize)
	mismatches := 0

	for packets := 0; ; packets++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, protocol.NewError(protocol.KindTransport, "receive", err)
		}
		if e.cfg.MaxPackets > 0 && packets >= e.cfg.MaxPackets {
			return nil, 0, protocol.NewError(protocol.KindProtocol, "receive",
				fmt.Errorf("%w: %d", protocol.ErrTooManyPackets, packets))
		}

		h, err := conn.ReadHeader(0)
		if err != nil {
			if protocol.KindOf(err) == protocol.KindProtocol {
				e.rejectBestEffort(sess)
			}
			return nil, 0, err
		}

		switch {
		case !h.Type.IsChunk():
			e.rejectBestEffort(sess)
			return nil, 0, protocol.NewError(protocol.KindProtocol, "receive",
				fmt.Errorf("%w: %s", protocol.ErrBadPacketType, h.Type))
		case h.Length > protocol.MaxChunkSize:
			e.rejectBestEffort(sess)
			return nil, 0, protocol.NewError(protocol.KindProtocol, "receive",
				fmt.Errorf("%w: %d bytes", protocol.ErrChunkTooLarge, h.Length))
		case !asm.Fits(int(h.Length)):
			e.rejectBestEffort(sess)
			return nil, 0, protocol.NewError(protocol.KindProtocol, "receive",
				fmt.Errorf("%w: %d + %d bytes", protocol.ErrTotalTooLarge, asm.Len(), h.Length))
		}

		raw, err := conn.ReadExact(protocol.SequenceSize)
		if err != nil {
			return nil, 0, err
		}
		seq, err := protocol.DecodeSequence(raw)
		if err != nil {
			return nil, 0, err
		}

		var (
			data     []byte
			rejected error
		)
		if seq != sess.RecvSeq {
			// Keep the stream framed before asking for the retransmission.
			if err := conn.Discard(int(h.Length)); err != nil {
				return nil, 0, err
			}
			mismatches++
			rejected = protocol.NewError(protocol.KindSequence, "receive",
				fmt.Errorf("%w: got %d, want %d", protocol.ErrSequenceMismatch, seq, sess.RecvSeq))
		} else {
			if data, err = conn.ReadExact(int(h.Length)); err != nil {
				return nil, 0, err
			}
			rejected = protocol.VerifyChunk(h, data)
		}

		if rejected != nil {
			if !protocol.Recoverable(rejected) {
				e.rejectBestEffort(sess)
				return nil, 0, rejected
			}
			logger.Warn().
				Err(rejected).
				Uint16("seq", seq).
				Int("consecutive_mismatches", mismatches).
				Msg("chunk rejected, awaiting retransmission")
			if err := conn.SendNack(); err != nil {
				return nil, 0, err
			}
			if e.cfg.MaxSequenceErrors > 0 && mismatches >= e.cfg.MaxSequenceErrors {
				return nil, 0, protocol.NewError(protocol.KindProtocol, "receive",
					fmt.Errorf("%w: %d consecutive", protocol.ErrSequenceMismatch, mismatches))
			}
			continue
		}
		mismatches = 0

		if err := asm.Append(data); err != nil {
			e.rejectBestEffort(sess)
			return nil, 0, err
		}
		if err := conn.SendAck(); err != nil {
			return nil, 0, err
		}
		sess.RecvSeq++
		sess.addReceived(len(data))

		if h.Type == protocol.PktDataEnd {
			return asm.Bytes(), asm.Chunks(), nil
		}
	}
}

// Process hands audio to the processor and returns the response. Without a
// processor the audio is echoed.
func (e *Engine) Process(ctx context.Context, sess *Session, audio []byte) ([]byte, error) {
	if e.processor == nil {
		return audio, nil
	}

	in := audio
	if e.cfg.EchoOnFailure {
		in = bytes.Clone(audio)
	}

	start := time.Now()
	out, err := e.processor.Submit(ctx, sess.Peer, in)
	if err == nil && len(out) > 0 {
		sess.Logger().Info().
			Int("bytes", len(out)).
			Dur("took", time.Since(start)).
			Msg("processing complete")
		return out, nil
	}
	if err == nil {
		err = errEmptyResult
	}

	e.emit(ctx, events.EventProcessingFailed, events.ProcessingFailedPayload{
		SessionID: sess.ID,
		Peer:      sess.Peer,
		Error:     err.Error(),
		Echoed:    e.cfg.EchoOnFailure,
	})

	if e.cfg.EchoOnFailure {
		sess.Logger().Warn().Err(err).Msg("processing failed, echoing received audio")
		return audio, nil
	}
	return nil, protocol.NewError(protocol.KindProcessing, "process", err)
}

// Send transmits data as acknowledged chunks, the last one typed DATA_END.
// It returns the number of chunks acknowledged.
func (e *Engine) Send(ctx context.Context, sess *Session, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, protocol.NewError(protocol.KindProcessing, "send", errEmptyResult)
	}
	if len(data) > protocol.MaxTotalSize {
		return 0, protocol.NewError(protocol.KindProtocol, "send",
			fmt.Errorf("%w: %d bytes", protocol.ErrTotalTooLarge, len(data)))
	}

	logger := sess.Logger()
	if n := sess.Conn.Drain(e.cfg.DrainWindow, e.cfg.DrainMax); n > 0 {
		logger.Warn().Int("bytes", n).Msg("discarded stale bytes before sending")
	}
	if err := e.sleep(ctx, e.cfg.SendSettle); err != nil {
		return 0, protocol.NewError(protocol.KindTransport, "send", err)
	}

	chunks := protocol.Chunks(data)
	for i, chunk := range chunks {
		pkt, err := protocol.BuildChunk(sess.SendSeq, chunk, i == len(chunks)-1)
		if err != nil {
			return i, err
		}
		if err := e.sendWithRetry(ctx, sess, pkt); err != nil {
			return i, err
		}
		sess.SendSeq++
		sess.addSent(len(chunk))

		if (i+1)%progressEvery == 0 {
			logger.Debug().
				Int("chunk", i+1).
				Int("of", len(chunks)).
				Int("bytes", sess.BytesSent()).
				Msg("send progress")
		}
	}

	logger.Info().
		Int("bytes", len(data)).
		Int("chunks", len(chunks)).
		Msg("response sent")
	return len(chunks), nil
}

func (e *Engine) sendWithRetry(ctx context.Context, sess *Session, pkt []byte) error {
	seq := sess.SendSeq
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxSendAttempts; attempt++ {
		lastErr = e.sendOnce(sess, pkt)
		if lastErr == nil {
			if attempt > 1 {
				sess.Logger().Info().Uint16("seq", seq).Int("attempt", attempt).Msg("chunk acknowledged after retry")
			}
			return nil
		}

		delay := e.cfg.Backoff.Delay(attempt)
		sess.Logger().Warn().
			Err(lastErr).
			Uint16("seq", seq).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("chunk not acknowledged")

		if err := e.sleep(ctx, delay); err != nil {
			return protocol.NewError(protocol.KindTransport, "send", err)
		}
		// A reply that missed the deadline, whole or partial, is still in
		// flight and would be read as the answer to the retransmission.
		if protocol.KindOf(lastErr) == protocol.KindTimeout {
			if n := sess.Conn.Drain(e.cfg.DrainWindow, e.cfg.DrainMax); n > 0 {
				sess.Logger().Warn().Int("bytes", n).Uint16("seq", seq).Msg("discarded late reply before retransmitting")
			}
		}
	}

	return protocol.NewError(protocol.KindTransport, "send",
		fmt.Errorf("%w: chunk %d after %d attempts: %w",
			protocol.ErrRetriesExhausted, seq, e.cfg.MaxSendAttempts, lastErr))
}

func (e *Engine) sendOnce(sess *Session, pkt []byte) error {
	if err := sess.Conn.WriteExact(pkt); err != nil {
		return err
	}
	h, err := sess.Conn.ReadHeader(e.cfg.AckTimeout)
	if err != nil {
		return err
	}
	switch h.Type {
	case protocol.PktAck:
		return nil
	case protocol.PktNack:
		return ErrNacked
	default:
		return protocol.NewError(protocol.KindProtocol, "await ack",
			fmt.Errorf("%w: %s", protocol.ErrBadPacketType, h.Type))
	}
}

// rejectBestEffort sends a NACK ahead of a fatal abort. Its own failure is
// irrelevant because the connection is being dropped anyway.
func (e *Engine) rejectBestEffort(sess *Session) {
	if err := sess.Conn.SendNack(); err != nil {
		sess.Logger().Debug().Err(err).Msg("nack before abort not delivered")
	}
}

func (e *Engine) emit(ctx context.Context, t events.EventType, payload interface{}) {
	e.bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:    t,
		Source:  "engine",
		Payload: payload,
	})
}

func summarize(sess *Session, err error) events.SessionSummary {
	s := events.SessionSummary{
		SessionID:     sess.ID,
		Peer:          sess.Peer,
		Outcome:       events.OutcomeCompleted,
		BytesReceived: sess.BytesReceived(),
		BytesSent:     sess.BytesSent(),
		StartedAt:     sess.StartedAt,
		EndedAt:       time.Now(),
	}
	if err != nil {
		s.Outcome = events.OutcomeFailed
		s.ErrorKind = protocol.KindOf(err).String()
		s.Error = err.Error()
	}
	return s
}
