package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/satlink-project/satlink/internal/protocol"
)

// device is the peer side of a test connection, speaking the wire protocol
// by hand.
type device struct {
	conn net.Conn
}

func (d *device) write(b []byte) error {
	_ = d.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := d.conn.Write(b)
	return err
}

func (d *device) readHeader() (protocol.Header, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(d.conn, buf); err != nil {
		return protocol.Header{}, err
	}
	return protocol.DecodeHeader(buf)
}

func (d *device) expect(t protocol.PacketType) error {
	h, err := d.readHeader()
	if err != nil {
		return err
	}
	if h.Type != t {
		return fmt.Errorf("got %s, want %s", h.Type, t)
	}
	return nil
}

func (d *device) handshake() error {
	if err := d.write(protocol.BuildHandshake()); err != nil {
		return err
	}
	return d.expect(protocol.PktAck)
}

// sendChunk writes one chunk and returns the packet type of the reply.
func (d *device) sendChunk(seq uint16, data []byte, last bool) (protocol.PacketType, error) {
	pkt, err := protocol.BuildChunk(seq, data, last)
	if err != nil {
		return 0, err
	}
	if err := d.write(pkt); err != nil {
		return 0, err
	}
	h, err := d.readHeader()
	if err != nil {
		return 0, err
	}
	return h.Type, nil
}

// readChunk reads one chunk frame without replying.
func (d *device) readChunk() (protocol.Header, uint16, []byte, error) {
	h, err := d.readHeader()
	if err != nil {
		return h, 0, nil, err
	}
	rest := make([]byte, protocol.SequenceSize+int(h.Length))
	if _, err := io.ReadFull(d.conn, rest); err != nil {
		return h, 0, nil, err
	}
	seq, _ := protocol.DecodeSequence(rest[:protocol.SequenceSize])
	return h, seq, rest[protocol.SequenceSize:], nil
}

// receive acknowledges every chunk until DATA_END and returns the payload.
func (d *device) receive() ([]byte, error) {
	var out []byte
	for {
		h, _, data, err := d.readChunk()
		if err != nil {
			return out, err
		}
		out = append(out, data...)
		if err := d.write(protocol.BuildControl(protocol.PktAck)); err != nil {
			return out, err
		}
		if h.Type == protocol.PktDataEnd {
			return out, nil
		}
	}
}

// sendAll splits payload into chunks and sends them, requiring an ACK for each.
func (d *device) sendAll(payload []byte) error {
	chunks := protocol.Chunks(payload)
	for i, c := range chunks {
		typ, err := d.sendChunk(uint16(i), c, i == len(chunks)-1)
		if err != nil {
			return err
		}
		if typ != protocol.PktAck {
			return fmt.Errorf("chunk %d: got %s", i, typ)
		}
	}
	return nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SocketTimeout = 2 * time.Second
	cfg.AckTimeout = 500 * time.Millisecond
	cfg.DrainWindow = 0
	return cfg
}

// pipeSession returns an engine-side session and a device over net.Pipe.
func pipeSession(t *testing.T, cfg Config) (*Session, *device) {
	t.Helper()
	a, b := net.Pipe()
	conn := NewConnection(a, cfg.SocketTimeout)
	t.Cleanup(func() {
		conn.Close()
		b.Close()
	})
	return NewSession(conn), &device{conn: b}
}

// runDevice runs script on its own goroutine and returns a channel with its
// result.
func runDevice(script func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- script() }()
	return ch
}

func waitDevice(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("device script did not finish")
		return nil
	}
}
