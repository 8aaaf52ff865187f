package network

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/handoff"
	"github.com/satlink-project/satlink/internal/protocol"
)

type submitFunc func(ctx context.Context, peer string, audio []byte) ([]byte, error)

func (f submitFunc) Submit(ctx context.Context, peer string, audio []byte) ([]byte, error) {
	return f(ctx, peer, audio)
}

func newTestEngine(cfg Config, p Submitter) (*Engine, *sleepRecorder) {
	e := NewEngine(cfg, p, nil)
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	return e, rec
}

func TestServeEchoRoundTrip(t *testing.T) {
	cfg := testConfig()
	e, rec := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	var reply []byte
	done := runDevice(func() error {
		if err := dev.handshake(); err != nil {
			return err
		}
		if err := dev.sendAll([]byte("hello")); err != nil {
			return err
		}
		var err error
		reply, err = dev.receive()
		return err
	})

	require.NoError(t, e.Serve(context.Background(), sess))
	require.NoError(t, waitDevice(t, done))

	assert.Equal(t, []byte("hello"), reply)
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, uint16(1), sess.RecvSeq)
	assert.Equal(t, uint16(1), sess.SendSeq)
	assert.Equal(t, 5, sess.BytesReceived())
	assert.Equal(t, 5, sess.BytesSent())

	// handshake settles around the ACK, then the pre-send settle
	assert.Equal(t, []time.Duration{
		50 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond,
	}, rec.recorded())
}

func TestServeMultiChunkThroughHandoff(t *testing.T) {
	cfg := testConfig()
	slot := handoff.NewSlot(time.Second)
	defer slot.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handoff.Serve(ctx, slot, handoff.ProcessorFunc(func(_ context.Context, audio []byte, _ string) ([]byte, error) {
		out := bytes.ToUpper(audio)
		return append(out, out...), nil
	}))

	e, _ := newTestEngine(cfg, slot)
	sess, dev := pipeSession(t, cfg)

	audio := bytes.Repeat([]byte("abc"), protocol.MaxChunkSize) // three chunks
	var reply []byte
	done := runDevice(func() error {
		if err := dev.handshake(); err != nil {
			return err
		}
		if err := dev.sendAll(audio); err != nil {
			return err
		}
		var err error
		reply, err = dev.receive()
		return err
	})

	require.NoError(t, e.Serve(ctx, sess))
	require.NoError(t, waitDevice(t, done))

	upper := bytes.ToUpper(audio)
	assert.Equal(t, append(upper, upper...), reply)
	assert.Equal(t, uint16(3), sess.RecvSeq)
	assert.Equal(t, uint16(6), sess.SendSeq)
	assert.False(t, slot.Busy())
}

func TestHandshakeRejectsCorruptMagic(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	pkt := protocol.BuildHandshake()
	pkt[protocol.HeaderSize+2] ^= 0x01
	done := runDevice(func() error { return dev.write(pkt) })

	// the corrupted magic no longer matches the header checksum; the kind
	// says so, but a bad handshake still ends the connection
	err := e.Serve(context.Background(), sess)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrChecksumMismatch)
	assert.Equal(t, protocol.KindChecksum, protocol.KindOf(err))
	assert.Equal(t, StateFailed, sess.State())
	require.NoError(t, waitDevice(t, done))
}

func TestHandshakeRejectsWrongType(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	h := protocol.EncodeHeader(4, protocol.PktData, 0)
	done := runDevice(func() error { return dev.write(h[:]) })

	err := e.Handshake(context.Background(), sess)
	assert.ErrorIs(t, err, protocol.ErrBadPacketType)
	require.NoError(t, waitDevice(t, done))
}

func TestHandshakeResetsSequences(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)
	sess.SendSeq, sess.RecvSeq = 9, 4

	done := runDevice(dev.handshake)
	require.NoError(t, e.Handshake(context.Background(), sess))
	require.NoError(t, waitDevice(t, done))
	assert.Zero(t, sess.SendSeq)
	assert.Zero(t, sess.RecvSeq)
}

func TestReceiveOversizedChunkNacksWithoutReading(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		// header only: the engine must not wait for a payload
		h := protocol.EncodeHeader(protocol.MaxChunkSize+1, protocol.PktData, 0)
		if err := dev.write(h[:]); err != nil {
			return err
		}
		return dev.expect(protocol.PktNack)
	})

	_, _, err := e.Receive(context.Background(), sess)
	assert.ErrorIs(t, err, protocol.ErrChunkTooLarge)
	assert.Equal(t, protocol.KindProtocol, protocol.KindOf(err))
	require.NoError(t, waitDevice(t, done))
}

func TestReceiveRejectsVersionMismatch(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		h := protocol.EncodeHeader(1, protocol.PktData, 0)
		h[4] = 0x02
		if err := dev.write(h[:]); err != nil {
			return err
		}
		return dev.expect(protocol.PktNack)
	})

	_, _, err := e.Receive(context.Background(), sess)
	assert.ErrorIs(t, err, protocol.ErrBadVersion)
	require.NoError(t, waitDevice(t, done))
}

func TestReceiveSequenceMismatchRecovers(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		typ, err := dev.sendChunk(5, []byte("stale"), false)
		if err != nil {
			return err
		}
		if typ != protocol.PktNack {
			return errors.New("expected NACK for out-of-order chunk")
		}
		typ, err = dev.sendChunk(0, []byte("hello"), true)
		if err != nil {
			return err
		}
		if typ != protocol.PktAck {
			return errors.New("expected ACK for retransmission")
		}
		return nil
	})

	audio, chunks, err := e.Receive(context.Background(), sess)
	require.NoError(t, err)
	require.NoError(t, waitDevice(t, done))
	assert.Equal(t, []byte("hello"), audio)
	assert.Equal(t, 1, chunks)
	assert.Equal(t, uint16(1), sess.RecvSeq)
}

func TestReceiveChecksumMismatchRecovers(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		bad, _ := protocol.BuildChunk(0, []byte("hello"), true)
		bad[len(bad)-1] ^= 0xFF
		if err := dev.write(bad); err != nil {
			return err
		}
		if err := dev.expect(protocol.PktNack); err != nil {
			return err
		}
		typ, err := dev.sendChunk(0, []byte("hello"), true)
		if err != nil {
			return err
		}
		if typ != protocol.PktAck {
			return errors.New("expected ACK")
		}
		return nil
	})

	audio, _, err := e.Receive(context.Background(), sess)
	require.NoError(t, err)
	require.NoError(t, waitDevice(t, done))
	assert.Equal(t, []byte("hello"), audio)
}

func TestReceiveEmptyDataEnd(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		if err := dev.handshake(); err != nil {
			return err
		}
		typ, err := dev.sendChunk(0, []byte("hello"), false)
		if err != nil {
			return err
		}
		if typ != protocol.PktAck {
			return errors.New("expected ACK for DATA")
		}
		typ, err = dev.sendChunk(1, nil, true)
		if err != nil {
			return err
		}
		if typ != protocol.PktAck {
			return errors.New("expected ACK for empty DATA_END")
		}
		return nil
	})

	require.NoError(t, e.Handshake(context.Background(), sess))
	audio, chunks, err := e.Receive(context.Background(), sess)
	require.NoError(t, err)
	require.NoError(t, waitDevice(t, done))
	assert.Equal(t, []byte("hello"), audio)
	assert.Equal(t, 2, chunks)
	assert.Equal(t, uint16(2), sess.RecvSeq)
	assert.Equal(t, 5, sess.BytesReceived())
}

func TestReceiveGivesUpAfterConsecutiveMismatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSequenceErrors = 3
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		for i := 0; i < 3; i++ {
			typ, err := dev.sendChunk(7, []byte{1, 2}, false)
			if err != nil {
				return err
			}
			if typ != protocol.PktNack {
				return errors.New("expected NACK")
			}
		}
		return nil
	})

	_, _, err := e.Receive(context.Background(), sess)
	assert.ErrorIs(t, err, protocol.ErrSequenceMismatch)
	assert.Equal(t, protocol.KindProtocol, protocol.KindOf(err))
	require.NoError(t, waitDevice(t, done))
}

func TestReceivePacketCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPackets = 2
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		for i := 0; i < 2; i++ {
			if _, err := dev.sendChunk(uint16(i), []byte{byte(i)}, false); err != nil {
				return err
			}
		}
		return nil
	})

	_, _, err := e.Receive(context.Background(), sess)
	assert.ErrorIs(t, err, protocol.ErrTooManyPackets)
	require.NoError(t, waitDevice(t, done))
}

func TestReceivePeerClosed(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	dev.conn.Close()
	_, _, err := e.Receive(context.Background(), sess)
	assert.ErrorIs(t, err, protocol.ErrPeerClosed)
	assert.Equal(t, protocol.KindTransport, protocol.KindOf(err))
}

func TestSendRetriesWithBackoffThenFails(t *testing.T) {
	cfg := testConfig()
	e, rec := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		for i := 0; i < protocol.MaxSendAttempts; i++ {
			h, seq, _, err := dev.readChunk()
			if err != nil {
				return err
			}
			if seq != 0 || h.Type != protocol.PktDataEnd {
				return errors.New("retry must resend the same chunk")
			}
			if err := dev.write(protocol.BuildControl(protocol.PktNack)); err != nil {
				return err
			}
		}
		return nil
	})

	_, err := e.Send(context.Background(), sess, []byte("response"))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrNacked)
	require.NoError(t, waitDevice(t, done))

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, // settle
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}, rec.recorded())
	assert.Zero(t, sess.SendSeq)
}

func TestSendRecoversAfterNack(t *testing.T) {
	cfg := testConfig()
	e, rec := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	payload := bytes.Repeat([]byte{0x42}, protocol.MaxChunkSize+100)
	var got []byte
	done := runDevice(func() error {
		for i := 0; i < 2; i++ {
			if _, _, _, err := dev.readChunk(); err != nil {
				return err
			}
			if err := dev.write(protocol.BuildControl(protocol.PktNack)); err != nil {
				return err
			}
		}
		var err error
		got, err = dev.receive()
		return err
	})

	n, err := e.Send(context.Background(), sess, payload)
	require.NoError(t, err)
	require.NoError(t, waitDevice(t, done))

	assert.Equal(t, 2, n)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint16(2), sess.SendSeq)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond,
	}, rec.recorded())
}

func TestSendAckTimeoutIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.MaxSendAttempts = 2
	e, rec := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		for i := 0; i < 2; i++ {
			if _, _, _, err := dev.readChunk(); err != nil {
				return err
			}
		}
		return nil
	})

	_, err := e.Send(context.Background(), sess, []byte{1})
	assert.ErrorIs(t, err, protocol.ErrRetriesExhausted)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	require.NoError(t, waitDevice(t, done))
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond,
	}, rec.recorded())
}

func TestSendDiscardsLateReplyBeforeRetransmitting(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.DrainWindow = 150 * time.Millisecond
	cfg.MaxSendAttempts = 2
	e, rec := newTestEngine(cfg, nil)
	sess, dev := pipeSession(t, cfg)

	done := runDevice(func() error {
		if _, _, _, err := dev.readChunk(); err != nil {
			return err
		}
		// the ACK straddles the deadline: three bytes in time, the rest late
		ack := protocol.BuildControl(protocol.PktAck)
		if err := dev.write(ack[:3]); err != nil {
			return err
		}
		time.Sleep(60 * time.Millisecond)
		if err := dev.write(ack[3:]); err != nil {
			return err
		}

		_, seq, data, err := dev.readChunk()
		if err != nil {
			return err
		}
		if seq != 0 || string(data) != "late" {
			return errors.New("retransmission must repeat the chunk")
		}
		return dev.write(protocol.BuildControl(protocol.PktAck))
	})

	n, err := e.Send(context.Background(), sess, []byte("late"))
	require.NoError(t, err)
	require.NoError(t, waitDevice(t, done))
	assert.Equal(t, 1, n)
	assert.Equal(t, uint16(1), sess.SendSeq)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 100 * time.Millisecond,
	}, rec.recorded())
}

func TestSendRejectsEmpty(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, nil)
	sess, _ := pipeSession(t, cfg)

	_, err := e.Send(context.Background(), sess, nil)
	assert.Equal(t, protocol.KindProcessing, protocol.KindOf(err))
}

func TestProcessFailureAborts(t *testing.T) {
	cfg := testConfig()
	boom := errors.New("pipeline down")
	e, _ := newTestEngine(cfg, submitFunc(func(context.Context, string, []byte) ([]byte, error) {
		return nil, boom
	}))
	sess, _ := pipeSession(t, cfg)

	_, err := e.Process(context.Background(), sess, []byte("audio"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, protocol.KindProcessing, protocol.KindOf(err))
}

func TestProcessEmptyResultAborts(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, submitFunc(func(context.Context, string, []byte) ([]byte, error) {
		return nil, nil
	}))
	sess, _ := pipeSession(t, cfg)

	_, err := e.Process(context.Background(), sess, []byte("audio"))
	assert.ErrorIs(t, err, errEmptyResult)
}

func TestProcessEchoFallback(t *testing.T) {
	cfg := testConfig()
	cfg.EchoOnFailure = true

	bus := events.NewBus()
	defer bus.Stop()
	failed := make(chan events.ProcessingFailedPayload, 1)
	bus.Subscribe(events.EventProcessingFailed, "test", func(_ context.Context, ev events.Event) error {
		failed <- ev.Payload.(events.ProcessingFailedPayload)
		return nil
	})

	e := NewEngine(cfg, submitFunc(func(_ context.Context, _ string, audio []byte) ([]byte, error) {
		audio[0] = 'X' // the pipeline owns its copy
		return nil, handoff.ErrTimeout
	}), bus)
	sess, _ := pipeSession(t, cfg)

	out, err := e.Process(context.Background(), sess, []byte("audio"))
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), out)

	select {
	case p := <-failed:
		assert.True(t, p.Echoed)
		assert.Equal(t, sess.ID, p.SessionID)
	case <-time.After(time.Second):
		t.Fatal("processing_failed not emitted")
	}
}

func TestServeCancelClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.SocketTimeout = 0
	e, _ := newTestEngine(cfg, nil)
	sess, _ := pipeSession(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Serve(ctx, sess) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "aborted by shutdown")
		assert.True(t, sess.Conn.IsClosed())
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeEmitsSessionSummary(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus()
	defer bus.Stop()

	closed := make(chan events.SessionSummary, 1)
	bus.Subscribe(events.EventConnectionClosed, "test", func(_ context.Context, ev events.Event) error {
		closed <- ev.Payload.(events.SessionSummary)
		return nil
	})

	e := NewEngine(cfg, nil, bus)
	e.sleep = (&sleepRecorder{}).sleep
	sess, dev := pipeSession(t, cfg)

	dev.conn.Close()
	require.Error(t, e.Serve(context.Background(), sess))

	select {
	case s := <-closed:
		assert.Equal(t, events.OutcomeFailed, s.Outcome)
		assert.Equal(t, "transport", s.ErrorKind)
		assert.Equal(t, sess.ID, s.SessionID)
	case <-time.After(time.Second):
		t.Fatal("connection_closed not emitted")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{100, 200, 400, 800, 1600, 2000, 2000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
}
