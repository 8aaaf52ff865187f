// Package events defines the event types published on the satlink event bus.
package events

import "time"

// EventType identifies an event published through the Bus.
type EventType string

const (
	// Listener lifecycle
	EventServerStarted EventType = "server_started"
	EventServerStopped EventType = "server_stopped"

	// Connection lifecycle
	EventConnectionOpened EventType = "connection_opened"
	EventHandshakeOK      EventType = "handshake_ok"
	EventAudioReceived    EventType = "audio_received"
	EventResponseSent     EventType = "response_sent"
	EventConnectionClosed EventType = "connection_closed"

	// Processing
	EventProcessingFailed EventType = "processing_failed"

	// System
	EventHeartbeat     EventType = "heartbeat"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Outcome is the final state of a device connection.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Event is a single message on the bus.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// ServerPayload accompanies listener start/stop events.
type ServerPayload struct {
	Addr string `json:"addr"`
}

// ConnectionPayload accompanies connection_opened and handshake_ok.
type ConnectionPayload struct {
	SessionID string `json:"session_id"`
	Peer      string `json:"peer"`
}

// TransferPayload accompanies audio_received and response_sent.
type TransferPayload struct {
	SessionID string        `json:"session_id"`
	Peer      string        `json:"peer"`
	Bytes     int           `json:"bytes"`
	Chunks    int           `json:"chunks"`
	Duration  time.Duration `json:"duration_ns"`
}

// SessionSummary is emitted once per connection when it ends.
type SessionSummary struct {
	SessionID     string    `json:"session_id"`
	Peer          string    `json:"peer"`
	Outcome       Outcome   `json:"outcome"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	BytesReceived int       `json:"bytes_received"`
	BytesSent     int       `json:"bytes_sent"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// Duration returns how long the connection was open.
func (s SessionSummary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// ProcessingFailedPayload describes a failed or timed out pipeline call.
type ProcessingFailedPayload struct {
	SessionID string `json:"session_id"`
	Peer      string `json:"peer"`
	Error     string `json:"error"`
	Echoed    bool   `json:"echoed"`
}

// HeartbeatPayload is a periodic snapshot of the service.
type HeartbeatPayload struct {
	Running       bool    `json:"running"`
	Busy          bool    `json:"busy"`
	Connections   int64   `json:"connections"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ConfigChangedPayload names a configuration key that was updated at runtime.
type ConfigChangedPayload struct {
	Key   string
	Value interface{}
}
