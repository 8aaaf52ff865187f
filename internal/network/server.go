package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/protocol"
)

// acceptRetryDelay is the pause after a transient accept error.
const acceptRetryDelay = 100 * time.Millisecond

// Stats are cumulative listener counters.
type Stats struct {
	Accepted      int64 `json:"accepted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	BytesReceived int64 `json:"bytes_received"`
	BytesSent     int64 `json:"bytes_sent"`
	// Wire counters include headers, sequence numbers, retransmissions and
	// drained bytes; the Bytes fields above count audio only.
	WireBytesIn   int64     `json:"wire_bytes_in"`
	WireBytesOut  int64     `json:"wire_bytes_out"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
}

// Server owns the device listening socket. It accepts one connection at a
// time and runs the Engine on it to completion before accepting the next.
type Server struct {
	addr   string
	engine *Engine
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stats    Stats
	active   *Session

	accepted  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewServer creates a stopped server that will listen on addr (host:port).
func NewServer(addr string, engine *Engine, bus *events.Bus) *Server {
	return &Server{
		addr:   addr,
		engine: engine,
		bus:    bus,
		logger: log.With().Str("component", "server").Logger(),
	}
}

// Start binds the listener and starts the accept loop. It returns once the
// loop goroutine is running. Calling Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Str("addr", s.listener.Addr().String()).Msg("server already running")
		return nil
	}
	if s.listener != nil {
		// The previous accept loop exited on its own; release what it left.
		s.cancel()
		_ = s.listener.Close()
		s.listener = nil
		s.wg.Wait()
	}

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.running = true
	s.stats.StartedAt = time.Now()

	ready := make(chan struct{})
	s.wg.Add(1)
	go s.acceptLoop(ctx, ln, ready)
	<-ready

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("device listener started")
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventServerStarted,
		Source:  "server",
		Payload: events.ServerPayload{Addr: ln.Addr().String()},
	})
	return nil
}

// Stop closes the listener, aborts the connection in flight and waits for the
// accept loop to exit. It is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	ln, cancel := s.listener, s.cancel
	if ln == nil {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.running = false
	s.listener = nil
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn().Err(err).Msg("error closing listener")
	}
	s.wg.Wait()

	s.logger.Info().Msg("device listener stopped")
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventServerStopped,
		Source:  "server",
		Payload: events.ServerPayload{Addr: ln.Addr().String()},
	})
}

// IsRunning reports whether the accept loop is active.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Crashed reports whether the accept loop exited without Stop being called.
// Start recovers from this state.
func (s *Server) Crashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && s.listener != nil
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	st.Accepted = s.accepted.Load()
	st.Completed = s.completed.Load()
	st.Failed = s.failed.Load()
	return st
}

// Active returns the session currently being served.
func (s *Server) Active() (Info, bool) {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return Info{}, false
	}
	return sess.Snapshot(), true
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, ready chan<- struct{}) {
	defer s.wg.Done()
	close(ready)

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				if ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("listener closed unexpectedly")
					s.mu.Lock()
					s.running = false
					s.mu.Unlock()
				}
				return
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			if sleepContext(ctx, acceptRetryDelay) != nil {
				return
			}
			continue
		}

		s.handle(ctx, raw)

		if ctx.Err() != nil {
			return
		}
	}
}

// handle serves one connection. A failure or panic here is confined to the
// connection.
func (s *Server) handle(ctx context.Context, raw net.Conn) {
	conn := NewConnection(raw, s.engine.Config().SocketTimeout)
	sess := NewSession(conn)
	s.accepted.Add(1)

	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("session", sess.ID).
				Interface("panic", r).
				Msg("connection handler panicked")
			s.record(sess, fmt.Errorf("handler panicked: %v", r))
		}
		conn.Close()
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	err := s.engine.Serve(ctx, sess)
	s.record(sess, err)
}

func (s *Server) record(sess *Session, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.BytesReceived += int64(sess.BytesReceived())
	s.stats.BytesSent += int64(sess.BytesSent())
	s.stats.WireBytesIn += sess.Conn.BytesIn()
	s.stats.WireBytesOut += sess.Conn.BytesOut()
	if err == nil {
		s.completed.Add(1)
		return
	}
	s.failed.Add(1)
	s.stats.LastError = err.Error()
	s.stats.LastErrorKind = protocol.KindOf(err).String()
}
