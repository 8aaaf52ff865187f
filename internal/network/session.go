package network

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the protocol state of one device connection.
type State int

const (
	StateAwaitingHandshake State = iota
	StateReceiving
	StateProcessing
	StateSending
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateAwaitingHandshake: "awaiting_handshake",
	StateReceiving:         "receiving",
	StateProcessing:        "processing",
	StateSending:           "sending",
	StateClosed:            "closed",
	StateFailed:            "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Session holds the state of one accepted connection. It is created at accept
// time and discarded when the connection closes. Sequence counters are owned
// by the engine goroutine serving the session.
type Session struct {
	ID        string
	Peer      string
	Conn      *Connection
	StartedAt time.Time

	// SendSeq is the sequence number of the next outgoing chunk; RecvSeq the
	// one expected next from the peer. Both wrap at 65535.
	SendSeq uint16
	RecvSeq uint16

	mu       sync.Mutex
	state    State
	received int
	sent     int
	err      error

	logger zerolog.Logger
}

// NewSession creates a session for conn in StateAwaitingHandshake.
func NewSession(conn *Connection) *Session {
	id := uuid.NewString()
	peer := conn.RemoteAddr().String()
	return &Session{
		ID:        id,
		Peer:      peer,
		Conn:      conn,
		StartedAt: time.Now(),
		state:     StateAwaitingHandshake,
		logger: log.With().
			Str("component", "session").
			Str("session", id).
			Str("peer", peer).
			Logger(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next. Terminal states are absorbing.
func (s *Session) Transition(next State) {
	s.mu.Lock()
	prev := s.state
	if prev.Terminal() || prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("state transition")
}

// Fail moves the session to StateFailed and records err.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Transition(StateFailed)
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ResetSequences zeroes both counters; called after every handshake.
func (s *Session) ResetSequences() {
	s.SendSeq = 0
	s.RecvSeq = 0
}

func (s *Session) addReceived(n int) {
	s.mu.Lock()
	s.received += n
	s.mu.Unlock()
}

func (s *Session) addSent(n int) {
	s.mu.Lock()
	s.sent += n
	s.mu.Unlock()
}

// BytesReceived returns the audio bytes assembled from the peer.
func (s *Session) BytesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// BytesSent returns the response bytes acknowledged by the peer.
func (s *Session) BytesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zerolog.Logger {
	return &s.logger
}

// Info is a read-only snapshot used by status surfaces.
type Info struct {
	ID            string    `json:"id"`
	Peer          string    `json:"peer"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	BytesReceived int       `json:"bytes_received"`
	BytesSent     int       `json:"bytes_sent"`
	// LastActivity is the last successful socket read or write.
	LastActivity time.Time `json:"last_activity"`
}

// Snapshot returns an Info for s.
func (s *Session) Snapshot() Info {
	var last time.Time
	if s.Conn != nil {
		last = s.Conn.LastActivity()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.ID,
		Peer:          s.Peer,
		State:         s.state.String(),
		StartedAt:     s.StartedAt,
		BytesReceived: s.received,
		BytesSent:     s.sent,
		LastActivity:  last,
	}
}
