// Package client is the device side of the transport: it opens a session,
// uploads one recording and waits for the response audio. It is used by the
// send command and to exercise a running server end to end.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/network"
	"github.com/satlink-project/satlink/internal/protocol"
)

// Config controls a Client.
type Config struct {
	Addr        string
	DialTimeout time.Duration
	// Transfer carries the chunking timings. The settle delays and the
	// pre-send drain only matter on the server and are zero by default.
	Transfer network.Config
}

// DefaultConfig returns a Config for addr. The socket timeout is long enough
// to cover the server's processing time before the first response chunk.
func DefaultConfig(addr string) Config {
	t := network.DefaultConfig()
	t.SocketTimeout = 60 * time.Second
	t.HandshakeSettle = 0
	t.SendSettle = 0
	t.DrainWindow = 0
	return Config{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
		Transfer:    t,
	}
}

// Client performs transactions against a satlink server.
type Client struct {
	cfg    Config
	engine *network.Engine
	logger zerolog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		engine: network.NewEngine(cfg.Transfer, nil, nil),
		logger: log.With().Str("component", "client").Str("server", cfg.Addr).Logger(),
	}
}

// Result is the outcome of one transaction.
type Result struct {
	Audio    []byte
	Sent     int
	Received int
	Took     time.Duration
}

// Transact uploads audio and returns the server's response.
func (c *Client) Transact(ctx context.Context, audio []byte) (*Result, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("nothing to send")
	}
	start := time.Now()

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.Addr, err)
	}

	conn := network.NewConnection(raw, c.cfg.Transfer.SocketTimeout)
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess := network.NewSession(conn)
	if err := c.handshake(sess); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	c.logger.Debug().Str("session", sess.ID).Msg("handshake acknowledged")

	sent, err := c.engine.Send(ctx, sess, audio)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	resp, chunks, err := c.engine.Receive(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}

	res := &Result{
		Audio:    resp,
		Sent:     sent,
		Received: chunks,
		Took:     time.Since(start),
	}
	c.logger.Info().
		Int("sent_bytes", len(audio)).
		Int("recv_bytes", len(resp)).
		Dur("took", res.Took).
		Msg("transaction complete")
	return res, nil
}

func (c *Client) handshake(sess *network.Session) error {
	if err := sess.Conn.WriteExact(protocol.BuildHandshake()); err != nil {
		return err
	}
	h, err := sess.Conn.ReadHeader(0)
	if err != nil {
		return err
	}
	if h.Type != protocol.PktAck {
		return protocol.NewError(protocol.KindProtocol, "handshake",
			fmt.Errorf("%w: %s", protocol.ErrBadPacketType, h.Type))
	}
	sess.ResetSequences()
	sess.Transition(network.StateSending)
	return nil
}
