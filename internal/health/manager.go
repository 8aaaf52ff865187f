// Package health runs periodic checks on the device listener and the host,
// raising alerts and publishing heartbeats.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/network"
	"github.com/satlink-project/satlink/internal/util"
)

// Alert types raised by the manager.
const (
	AlertListener = "listener"
	AlertSession  = "session"
	AlertDisk     = "disk"
)

// Listener is the device listener as seen by the health checks.
type Listener interface {
	IsRunning() bool
	Crashed() bool
	Start() error
	Active() (network.Info, bool)
	Stats() network.Stats
}

// AlertSink stores alerts.
type AlertSink interface {
	CreateAlert(ctx context.Context, alertType, level, message string) error
}

// Options configures the check intervals and thresholds.
type Options struct {
	CheckInterval     time.Duration
	HeartbeatInterval time.Duration
	// StuckAfter is how long one connection may stay active before it is
	// reported.
	StuckAfter time.Duration
	// IdleAfter, when set, only reports connections whose socket has also
	// been silent this long, so a slow but moving transfer is left alone.
	IdleAfter time.Duration
	// DiskPath is the filesystem checked for free space.
	DiskPath string
}

// Manager runs the health checks.
type Manager struct {
	listener Listener
	alerts   AlertSink
	bus      *events.Bus
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	flagged   string // session already reported as stuck
	diskLevel string

	diskUsage func(path string) (*util.DiskUsage, error)
	cpuUsage  func() (float64, error)
	memUsage  func() (*util.MemoryUsage, error)
	now       func() time.Time
}

// NewManager creates a health manager. alerts may be nil, in which case
// problems are only logged.
func NewManager(listener Listener, alerts AlertSink, bus *events.Bus, opts Options) *Manager {
	return &Manager{
		listener:  listener,
		alerts:    alerts,
		bus:       bus,
		opts:      opts,
		logger:    log.With().Str("component", "health").Logger(),
		diskUsage: util.GetDiskUsage,
		cpuUsage:  util.GetCPUUsage,
		memUsage:  util.GetMemoryUsage,
		now:       time.Now,
	}
}

// Start runs the checks and the heartbeat until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup

	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"checks", m.opts.CheckInterval, m.RunChecks},
		{"heartbeat", m.opts.HeartbeatInterval, m.Heartbeat},
	}

	for _, l := range loops {
		if l.interval <= 0 {
			m.logger.Debug().Str("loop", l.name).Msg("disabled")
			continue
		}
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(l.interval)
			defer ticker.Stop()

			l.fn(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					l.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Msg("health check manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// RunChecks runs every check once.
func (m *Manager) RunChecks(ctx context.Context) {
	m.checkListener(ctx)
	m.checkStuckSession(ctx)
	m.checkDisk(ctx)
}

// checkListener restarts a listener whose accept loop died.
func (m *Manager) checkListener(ctx context.Context) {
	if !m.listener.Crashed() {
		return
	}

	m.logger.Warn().Msg("device listener is down, restarting")
	if err := m.listener.Start(); err != nil {
		m.raise(ctx, AlertListener, "error", fmt.Sprintf("device listener down, restart failed: %v", err))
		return
	}
	m.raise(ctx, AlertListener, "warning", "device listener went down and was restarted")
}

func (m *Manager) checkStuckSession(ctx context.Context) {
	if m.opts.StuckAfter <= 0 {
		return
	}
	info, ok := m.listener.Active()
	if !ok {
		return
	}
	now := m.now()
	age := now.Sub(info.StartedAt)
	if age < m.opts.StuckAfter {
		return
	}
	last := info.LastActivity
	if last.IsZero() {
		last = info.StartedAt
	}
	idle := now.Sub(last)
	if m.opts.IdleAfter > 0 && idle < m.opts.IdleAfter {
		return
	}

	m.mu.Lock()
	seen := m.flagged == info.ID
	m.flagged = info.ID
	m.mu.Unlock()
	if seen {
		return
	}

	m.raise(ctx, AlertSession, "warning", fmt.Sprintf(
		"connection from %s has been %s for %s, idle %s",
		info.Peer, info.State, age.Truncate(time.Second), idle.Truncate(time.Second)))
}

// checkDisk alerts when the store's filesystem crosses 90% or 95%. Each
// level is reported once until usage drops below it.
func (m *Manager) checkDisk(ctx context.Context) {
	if m.opts.DiskPath == "" {
		return
	}
	usage, err := m.diskUsage(m.opts.DiskPath)
	if err != nil {
		m.logger.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	var level string
	switch {
	case usage.UsedPercent >= 95:
		level = "error"
	case usage.UsedPercent >= 90:
		level = "warning"
	}

	m.mu.Lock()
	changed := level != m.diskLevel
	m.diskLevel = level
	m.mu.Unlock()

	if level == "" || !changed {
		return
	}
	m.raise(ctx, AlertDisk, level, fmt.Sprintf("disk usage at %.1f%% (%d MB free of %d MB)",
		usage.UsedPercent, usage.Free, usage.Total))
}

func (m *Manager) raise(ctx context.Context, alertType, level, message string) {
	m.logger.Warn().Str("alert", alertType).Str("level", level).Msg(message)
	if m.alerts == nil {
		return
	}
	if err := m.alerts.CreateAlert(ctx, alertType, level, message); err != nil {
		m.logger.Error().Err(err).Msg("failed to store alert")
	}
}

// Heartbeat emits a status snapshot on the bus.
func (m *Manager) Heartbeat(ctx context.Context) {
	_, busy := m.listener.Active()
	payload := events.HeartbeatPayload{
		Running:     m.listener.IsRunning(),
		Busy:        busy,
		Connections: m.listener.Stats().Accepted,
	}
	if cpu, err := m.cpuUsage(); err == nil {
		payload.CPUPercent = cpu
	}
	if mem, err := m.memUsage(); err == nil {
		payload.MemoryPercent = mem.UsedPercent
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "health",
		Payload: payload,
	})
}
