package cli

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satlink-project/satlink/internal/config"
	"github.com/satlink-project/satlink/internal/db"
	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/network"
)

type stubController struct {
	running bool
	active  *network.Info
}

func (s *stubController) Start() error    { s.running = true; return nil }
func (s *stubController) Stop()           { s.running = false }
func (s *stubController) IsRunning() bool { return s.running }
func (s *stubController) Addr() net.Addr {
	if !s.running {
		return nil
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 5000}
}
func (s *stubController) Stats() network.Stats {
	return network.Stats{Accepted: 4, Completed: 3, Failed: 1, BytesReceived: 2048, LastError: "checksum mismatch", LastErrorKind: "protocol"}
}
func (s *stubController) Active() (network.Info, bool) {
	if s.active == nil {
		return network.Info{}, false
	}
	return *s.active, true
}

type stubHistory struct {
	acked []int64
}

func (h *stubHistory) RecentSessions(context.Context, int) ([]db.SessionRecord, error) {
	return []db.SessionRecord{{
		SessionID: "0123456789abcdef", Peer: "10.0.0.5:3000", Outcome: "failed",
		ErrorKind: "timeout", EndedAt: time.Now(), DurationMs: 1500, BytesReceived: 3 << 20,
	}}, nil
}

func (h *stubHistory) UnacknowledgedAlerts(context.Context) ([]db.Alert, error) {
	return []db.Alert{{ID: 3, Level: "warning", Type: "processing", Message: "echoed"}}, nil
}

func (h *stubHistory) AcknowledgeAlert(_ context.Context, id int64) error {
	h.acked = append(h.acked, id)
	return nil
}

func newTestCLI(t *testing.T, history History) (*CLI, *stubController, *bytes.Buffer, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	ctrl := &stubController{running: true}
	out := &bytes.Buffer{}
	return New(config.DefaultConfig(), bus, ctrl, history, strings.NewReader(""), out), ctrl, out, bus
}

func TestStatus(t *testing.T) {
	c, ctrl, out, _ := newTestCLI(t, nil)
	ctx := context.Background()

	c.Execute(ctx, "status")
	assert.Contains(t, out.String(), "LISTENING")
	assert.Contains(t, out.String(), "idle")

	out.Reset()
	ctrl.active = &network.Info{ID: "abcdef0123456789", Peer: "10.0.0.5:3000", State: "processing", StartedAt: time.Now()}
	c.Execute(ctx, "s")
	assert.Contains(t, out.String(), "abcdef01")
	assert.Contains(t, out.String(), "processing")
}

func TestStatsAndSessions(t *testing.T) {
	c, _, out, _ := newTestCLI(t, &stubHistory{})
	ctx := context.Background()

	c.Execute(ctx, "stats")
	assert.Contains(t, out.String(), "[protocol] checksum mismatch")
	assert.Contains(t, out.String(), "2.0 KiB")

	out.Reset()
	c.Execute(ctx, "sessions 5")
	assert.Contains(t, out.String(), "failed (timeout)")
	assert.Contains(t, out.String(), "3.0 MiB")
	assert.Contains(t, out.String(), "1.5s")

	out.Reset()
	c.Execute(ctx, "sessions x")
	assert.Contains(t, out.String(), "Error: invalid count")
}

func TestNoHistory(t *testing.T) {
	c, _, out, _ := newTestCLI(t, nil)
	c.Execute(context.Background(), "alerts")
	assert.Contains(t, out.String(), "not available")
}

func TestAlertsAndAck(t *testing.T) {
	h := &stubHistory{}
	c, _, out, _ := newTestCLI(t, h)
	ctx := context.Background()

	c.Execute(ctx, "alerts")
	assert.Contains(t, out.String(), "WARNING")

	c.Execute(ctx, "ack 3")
	assert.Equal(t, []int64{3}, h.acked)

	out.Reset()
	c.Execute(ctx, "ack")
	assert.Contains(t, out.String(), "usage: ack")
}

func TestStartStop(t *testing.T) {
	c, ctrl, out, _ := newTestCLI(t, nil)
	ctx := context.Background()

	c.Execute(ctx, "start")
	assert.Contains(t, out.String(), "already running")

	c.Execute(ctx, "stop")
	assert.False(t, ctrl.running)

	out.Reset()
	c.Execute(ctx, "start")
	assert.True(t, ctrl.running)
	assert.Contains(t, out.String(), "Listening on 0.0.0.0:5000")
}

func TestSet(t *testing.T) {
	c, _, out, _ := newTestCLI(t, nil)
	ctx := context.Background()

	c.Execute(ctx, "set network.echo_on_failure true")
	assert.True(t, c.cfg.GetNetwork().EchoOnFailure)

	c.Execute(ctx, "set network.port 6000")
	assert.Equal(t, 6000, c.cfg.GetNetwork().Port)

	c.Execute(ctx, "set pipeline.mode command")
	assert.Contains(t, out.String(), "command is required")
	assert.Equal(t, config.PipelineEcho, c.cfg.GetPipeline().Mode)

	out.Reset()
	c.Execute(ctx, "set port 1")
	assert.Contains(t, out.String(), "section.key")
}

func TestQuitEmitsShutdown(t *testing.T) {
	c, _, _, bus := newTestCLI(t, nil)
	got := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		got <- struct{}{}
		return nil
	})

	assert.True(t, c.Execute(context.Background(), "quit"))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not emitted")
	}

	assert.False(t, c.Execute(context.Background(), "   "))
}

func TestStartLoopEndsOnEOF(t *testing.T) {
	bus := events.NewBus()
	defer bus.Stop()
	out := &bytes.Buffer{}
	c := New(config.DefaultConfig(), bus, &stubController{}, nil, strings.NewReader("help\nbogus\n"), out)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop at end of input")
	}
	require.Contains(t, out.String(), "Show this help message")
	assert.Contains(t, out.String(), "Unknown command: 'bogus'")
}
