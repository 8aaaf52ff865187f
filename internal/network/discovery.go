package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/protocol"
	"github.com/satlink-project/satlink/internal/util"
)

// DiscoveryResponder answers device discovery probes on UDP so satellites
// can find the device listener without a configured address.
type DiscoveryResponder struct {
	addr     string
	announce protocol.Announcement
	conn     net.PacketConn
	ready    chan struct{}
}

// NewDiscoveryResponder creates a responder bound to addr that announces a.
func NewDiscoveryResponder(addr string, a protocol.Announcement) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		announce: a,
		ready:    make(chan struct{}),
	}
}

// Start serves probes until ctx is cancelled.
func (d *DiscoveryResponder) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", d.addr)
	if err != nil {
		return fmt.Errorf("failed to start discovery responder on %s: %w", d.addr, err)
	}
	d.conn = pc
	close(d.ready)

	logger := util.ComponentLogger("discovery")
	logger.Info().Str("addr", pc.LocalAddr().String()).Msg("discovery responder started")

	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	reply := protocol.BuildDiscoveryReply(d.announce)
	buf := make([]byte, 64)
	for {
		n, remote, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("discovery responder stopped")
				return nil
			}
			logger.Error().Err(err).Msg("UDP read error")
			continue
		}

		if !protocol.IsDiscoveryProbe(buf[:n]) {
			continue
		}
		if _, err := pc.WriteTo(reply, remote); err != nil {
			logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to send discovery reply")
			continue
		}
		logger.Debug().Str("remote", remote.String()).Msg("answered discovery probe")
	}
}

// Addr returns the bound address once Start has bound, else nil.
func (d *DiscoveryResponder) Addr() net.Addr {
	select {
	case <-d.ready:
		return d.conn.LocalAddr()
	default:
		return nil
	}
}

// Ready is closed once the responder is bound.
func (d *DiscoveryResponder) Ready() <-chan struct{} {
	return d.ready
}

// Discover sends a probe to target (a broadcast or unicast host:port) and
// returns the device listener address from the first reply. The host of the
// address is the replying peer.
func Discover(ctx context.Context, target string, timeout time.Duration) (string, protocol.Announcement, error) {
	raddr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return "", protocol.Announcement{}, fmt.Errorf("invalid discovery target %q: %w", target, err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return "", protocol.Announcement{}, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()
	enableBroadcast(conn)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.WriteToUDP(protocol.BuildDiscoveryProbe(), raddr); err != nil {
		return "", protocol.Announcement{}, fmt.Errorf("failed to send discovery probe: %w", err)
	}

	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return "", protocol.Announcement{}, fmt.Errorf("no discovery reply from %s: %w", target, err)
		}
		a, err := protocol.ParseDiscoveryReply(buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("from", from.String()).Msg("ignoring datagram")
			continue
		}
		return net.JoinHostPort(from.IP.String(), strconv.Itoa(int(a.Port))), a, nil
	}
}
