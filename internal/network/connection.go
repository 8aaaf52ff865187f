// Package network implements the device-facing TCP transport: exact-length
// socket I/O, the per-connection protocol engine and the accept loop.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/protocol"
)

// Connection wraps a device socket. Every read and write is exact-length and
// every failure is classified into a protocol.ErrorKind.
type Connection struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	logger  zerolog.Logger

	lastActivity time.Time
	bytesIn      int64
	bytesOut     int64

	closed bool
}

// NewConnection wraps conn. timeout bounds each ReadExact and WriteExact; zero
// disables deadlines.
func NewConnection(conn net.Conn, timeout time.Duration) *Connection {
	return &Connection{
		conn:         conn,
		timeout:      timeout,
		lastActivity: time.Now(),
		logger: log.With().
			Str("component", "connection").
			Str("peer", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ReadExact reads exactly n bytes using the socket timeout.
func (c *Connection) ReadExact(n int) ([]byte, error) {
	return c.ReadExactWithin(n, c.timeout)
}

// ReadExactWithin reads exactly n bytes, failing if they do not all arrive
// within timeout. It never returns short data.
func (c *Connection) ReadExactWithin(n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}

	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	got := 0
	for got < n {
		m, err := c.conn.Read(buf[got:])
		got += m
		if err != nil {
			if got == n {
				break
			}
			return nil, classifyRead(err, got, n)
		}
	}

	c.touch(int64(n), 0)
	return buf, nil
}

// WriteExact writes all of b or fails.
func (c *Connection) WriteExact(b []byte) error {
	if c.IsClosed() {
		return protocol.NewError(protocol.KindTransport, "write", net.ErrClosed)
	}

	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}

	sent := 0
	for sent < len(b) {
		m, err := c.conn.Write(b[sent:])
		sent += m
		if err != nil {
			return classifyWrite(err)
		}
		if m == 0 {
			return protocol.NewError(protocol.KindTransport, "write", io.ErrShortWrite)
		}
	}

	c.touch(0, int64(len(b)))
	return nil
}

// ReadHeader reads and decodes one packet header within timeout. A zero
// timeout uses the socket timeout.
func (c *Connection) ReadHeader(timeout time.Duration) (protocol.Header, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	raw, err := c.ReadExactWithin(protocol.HeaderSize, timeout)
	if err != nil {
		return protocol.Header{}, err
	}
	return protocol.DecodeHeader(raw)
}

// SendAck writes a zero-payload ACK.
func (c *Connection) SendAck() error {
	return c.WriteExact(protocol.BuildControl(protocol.PktAck))
}

// SendNack writes a zero-payload NACK.
func (c *Connection) SendNack() error {
	return c.WriteExact(protocol.BuildControl(protocol.PktNack))
}

// Discard reads and drops exactly n bytes.
func (c *Connection) Discard(n int) error {
	_, err := c.ReadExact(n)
	return err
}

// Drain discards whatever the peer has already sent, waiting at most window
// for more and reading no more than max bytes. It returns the number of bytes
// dropped. Errors end the drain silently; the next exact read reports them.
func (c *Connection) Drain(window time.Duration, max int) int {
	if window <= 0 || max <= 0 {
		return 0
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(window))
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	drained := 0
	for drained < max {
		want := len(buf)
		if max-drained < want {
			want = max - drained
		}
		n, err := c.conn.Read(buf[:want])
		drained += n
		if err != nil || n == 0 {
			break
		}
	}

	if drained > 0 {
		c.touch(int64(drained), 0)
		c.logger.Debug().Int("bytes", drained).Msg("drained stale bytes")
	}
	return drained
}

func (c *Connection) touch(in, out int64) {
	c.mu.Lock()
	c.bytesIn += in
	c.bytesOut += out
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Close closes the socket. It is safe to call from another goroutine to
// unblock pending I/O, and safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// BytesIn returns the total bytes read, framing and drained bytes included.
func (c *Connection) BytesIn() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn
}

// BytesOut returns the total bytes written, framing and retransmissions
// included.
func (c *Connection) BytesOut() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesOut
}

// LastActivity returns the time of the last successful read or write.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func classifyRead(err error, got, want int) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return protocol.NewError(protocol.KindTransport, "read",
			fmt.Errorf("%w after %d of %d bytes", protocol.ErrPeerClosed, got, want))
	case isTimeout(err):
		return protocol.NewError(protocol.KindTimeout, "read",
			fmt.Errorf("%w after %d of %d bytes", protocol.ErrTimeout, got, want))
	case errors.Is(err, syscall.ECONNRESET):
		return protocol.NewError(protocol.KindTransport, "read",
			fmt.Errorf("%w: %v", protocol.ErrPeerClosed, err))
	default:
		return protocol.NewError(protocol.KindTransport, "read", err)
	}
}

func classifyWrite(err error) error {
	switch {
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrClosedPipe):
		return protocol.NewError(protocol.KindTransport, "write",
			fmt.Errorf("%w: %v", protocol.ErrBrokenPipe, err))
	case isTimeout(err):
		return protocol.NewError(protocol.KindTimeout, "write",
			fmt.Errorf("%w: %v", protocol.ErrTimeout, err))
	default:
		return protocol.NewError(protocol.KindTransport, "write", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
