package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/protocol"
)

func startTestServer(t *testing.T, bus *events.Bus) *Server {
	t.Helper()
	cfg := testConfig()
	cfg.HandshakeSettle = time.Millisecond
	cfg.SendSettle = time.Millisecond
	srv := NewServer("127.0.0.1:0", NewEngine(cfg, nil, bus), bus)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func dialDevice(t *testing.T, srv *Server) *device {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &device{conn: conn}
}

func TestServerStartStop(t *testing.T) {
	srv := startTestServer(t, nil)
	assert.True(t, srv.IsRunning())
	require.NotNil(t, srv.Addr())

	// second start is a no-op on the same address
	addr := srv.Addr().String()
	require.NoError(t, srv.Start())
	assert.Equal(t, addr, srv.Addr().String())

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not unblock accept")
	}

	assert.False(t, srv.IsRunning())
	assert.Nil(t, srv.Addr())
	srv.Stop()

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServerRestart(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Stop()
	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())

	dev := dialDevice(t, srv)
	require.NoError(t, dev.handshake())
}

func TestServerRoundTrip(t *testing.T) {
	bus := events.NewBus()
	defer bus.Stop()
	closed := make(chan events.SessionSummary, 1)
	bus.Subscribe(events.EventConnectionClosed, "test", func(_ context.Context, ev events.Event) error {
		closed <- ev.Payload.(events.SessionSummary)
		return nil
	})

	srv := startTestServer(t, bus)
	dev := dialDevice(t, srv)

	require.NoError(t, dev.handshake())
	require.NoError(t, dev.sendAll([]byte("hello")))
	reply, err := dev.receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)

	select {
	case s := <-closed:
		assert.Equal(t, events.OutcomeCompleted, s.Outcome)
		assert.Equal(t, 5, s.BytesReceived)
		assert.Equal(t, 5, s.BytesSent)
	case <-time.After(2 * time.Second):
		t.Fatal("connection_closed not emitted")
	}

	require.Eventually(t, func() bool { return srv.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	st := srv.Stats()
	assert.Equal(t, int64(1), st.Accepted)
	assert.Equal(t, int64(5), st.BytesReceived)
	assert.Greater(t, st.WireBytesIn, st.BytesReceived, "wire count includes framing")
	assert.Greater(t, st.WireBytesOut, st.BytesSent)
}

func TestServerSurvivesBadConnection(t *testing.T) {
	srv := startTestServer(t, nil)

	bad := dialDevice(t, srv)
	h := protocol.EncodeHeader(4, protocol.PktHandshake, 0)
	h[4] = 0x09
	require.NoError(t, bad.write(h[:]))
	_, err := bad.readHeader()
	assert.Error(t, err, "a failed handshake gets no reply")

	good := dialDevice(t, srv)
	require.NoError(t, good.handshake())
	require.NoError(t, good.sendAll([]byte{1, 2, 3}))
	reply, err := good.receive()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, reply)

	require.Eventually(t, func() bool { return srv.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "protocol", srv.Stats().LastErrorKind)
	assert.True(t, srv.IsRunning())
}

func TestServerStopAbortsActiveConnection(t *testing.T) {
	srv := startTestServer(t, nil)
	dev := dialDevice(t, srv)
	require.NoError(t, dev.handshake())

	require.Eventually(t, func() bool {
		info, ok := srv.Active()
		return ok && info.State == StateReceiving.String()
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on an active connection")
	}

	_, ok := srv.Active()
	assert.False(t, ok)
	assert.Equal(t, int64(1), srv.Stats().Failed)
}

func TestServerStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(ln.Addr().String(), NewEngine(testConfig(), nil, nil), nil)
	err = srv.Start()
	if err == nil {
		// SO_REUSEADDR may permit the bind on some platforms
		srv.Stop()
		t.Skip("platform allowed rebinding a listening port")
	}
	assert.False(t, srv.IsRunning())
}

func TestServerRecoversFromCrashedListener(t *testing.T) {
	srv := startTestServer(t, nil)
	assert.False(t, srv.Crashed())

	srv.mu.Lock()
	ln := srv.listener
	srv.mu.Unlock()
	require.NoError(t, ln.Close())

	require.Eventually(t, srv.Crashed, 2*time.Second, 10*time.Millisecond)
	assert.False(t, srv.IsRunning())

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.False(t, srv.Crashed())
}
