package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/events"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// Alert levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// SessionRecord is one finished device connection.
type SessionRecord struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Peer          string    `json:"peer"`
	Outcome       string    `json:"outcome"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	BytesReceived int       `json:"bytes_received"`
	BytesSent     int       `json:"bytes_sent"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	DurationMs    int64     `json:"duration_ms"`
}

// Summary aggregates session history.
type Summary struct {
	Total         int64            `json:"total"`
	Completed     int64            `json:"completed"`
	Failed        int64            `json:"failed"`
	BytesReceived int64            `json:"bytes_received"`
	BytesSent     int64            `json:"bytes_sent"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	ByErrorKind   map[string]int64 `json:"by_error_kind"`
}

// Alert is an operator-facing notice, e.g. a processing failure.
type Alert struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the session history and alert store.
type Store struct {
	db     *Database
	logger zerolog.Logger
}

// NewStore migrates the schema and returns a Store.
func NewStore(ctx context.Context, d *Database) (*Store, error) {
	s := &Store{
		db:     d,
		logger: log.With().Str("component", "history").Logger(),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return s, nil
}

// Times are stored as unix milliseconds.
func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			peer TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			bytes_received INTEGER NOT NULL DEFAULT 0,
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_outcome ON sessions(outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged)`,
	}

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	s.logger.Debug().Str("path", s.db.Path()).Msg("database schema migrated")
	return nil
}

// RecordSession stores the summary of a finished connection.
func (s *Store) RecordSession(ctx context.Context, sum events.SessionSummary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (session_id, peer, outcome, error_kind, error, bytes_received, bytes_sent, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, sum.Peer, string(sum.Outcome), sum.ErrorKind, sum.Error,
		sum.BytesReceived, sum.BytesSent, sum.StartedAt.UnixMilli(), sum.EndedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sum.SessionID, err)
	}
	return nil
}

const sessionColumns = `id, session_id, peer, outcome, error_kind, error, bytes_received, bytes_sent, started_at, ended_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var (
		r            SessionRecord
		started, end int64
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Peer, &r.Outcome, &r.ErrorKind, &r.Error,
		&r.BytesReceived, &r.BytesSent, &started, &end); err != nil {
		return r, err
	}
	r.StartedAt = time.UnixMilli(started)
	r.EndedAt = time.UnixMilli(end)
	r.DurationMs = end - started
	return r, nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY ended_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Session returns one session by its UUID.
func (s *Store) Session(ctx context.Context, sessionID string) (*SessionRecord, error) {
	r, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &r, nil
}

// Summarize aggregates sessions that ended at or after since.
func (s *Store) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	sum := &Summary{ByErrorKind: make(map[string]int64)}

	var avg sql.NullFloat64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(outcome = 'completed'), 0),
		       COALESCE(SUM(outcome = 'failed'), 0),
		       COALESCE(SUM(bytes_received), 0),
		       COALESCE(SUM(bytes_sent), 0),
		       AVG(ended_at - started_at)
		FROM sessions WHERE ended_at >= ?`, since.UnixMilli()).
		Scan(&sum.Total, &sum.Completed, &sum.Failed, &sum.BytesReceived, &sum.BytesSent, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize sessions: %w", err)
	}
	sum.AvgDurationMs = avg.Float64

	rows, err := s.db.Query(ctx, `
		SELECT error_kind, COUNT(*) FROM sessions
		WHERE ended_at >= ? AND outcome = 'failed'
		GROUP BY error_kind`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to group failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		sum.ByErrorKind[kind] = n
	}
	return sum, rows.Err()
}

// PruneSessions deletes sessions that ended before cutoff.
func (s *Store) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE ended_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// CreateAlert records a new alert.
func (s *Store) CreateAlert(ctx context.Context, alertType, level, message string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO alerts (type, level, message, created_at) VALUES (?, ?, ?, ?)",
		alertType, level, message, time.Now().UnixMilli())
	return err
}

// UnacknowledgedAlerts returns open alerts, newest first.
func (s *Store) UnacknowledgedAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, type, level, message, acknowledged, created_at FROM alerts WHERE acknowledged = 0 ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var (
			a       Alert
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Level, &a.Message, &a.Acknowledged, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(created)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert as acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) error {
	res, err := s.db.Exec(ctx, "UPDATE alerts SET acknowledged = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanOldAlerts removes acknowledged alerts created before cutoff.
func (s *Store) CleanOldAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(ctx,
		"DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Attach subscribes the store to transport events so every finished
// connection is recorded and processing failures raise an alert.
func (s *Store) Attach(bus *events.Bus) {
	bus.Subscribe(events.EventConnectionClosed, "history", func(ctx context.Context, ev events.Event) error {
		sum, ok := ev.Payload.(events.SessionSummary)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		return s.RecordSession(ctx, sum)
	})

	bus.Subscribe(events.EventProcessingFailed, "history", func(ctx context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.ProcessingFailedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		level := LevelError
		if p.Echoed {
			level = LevelWarning
		}
		return s.CreateAlert(ctx, "processing", level, fmt.Sprintf("%s: %s", p.Peer, p.Error))
	})
}
