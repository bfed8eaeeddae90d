// Package transport carries advertisement datagrams between statically
// configured peers. Delivery is best effort: a failed send is reported to the
// caller and simply retried with the next advertisement.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	reuseport "github.com/libp2p/go-reuseport"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/errors"
)

const UDP = "udp4"

// Packet is one received datagram.
type Packet struct {
	Payload  []byte
	From     string
	Received time.Time
}

// Peer is a unicast destination.
type Peer struct {
	ID      string
	Address string
}

type UDPTransport struct {
	listen string
	peers  []udpPeer
	logger *zap.Logger

	mu   sync.Mutex
	conn net.PacketConn
}

type udpPeer struct {
	id   string
	addr *net.UDPAddr
}

// NewUDP resolves every peer address. Resolution failures are configuration
// errors: a node must not start with a partial peer set.
func NewUDP(listen string, peers []Peer, logger *zap.Logger) (*UDPTransport, error) {
	t := &UDPTransport{
		listen: listen,
		logger: logger.Named("transport"),
	}

	for _, p := range peers {
		addr, err := net.ResolveUDPAddr(UDP, p.Address)
		if err != nil {
			return nil, errors.Attr(
				errors.Wrapf(err, errors.KindConfiguration, "resolve peer %s", p.ID),
				"peer", p.ID)
		}
		t.peers = append(t.peers, udpPeer{id: p.ID, addr: addr})
	}

	return t, nil
}

// Listen binds the socket. It is separate from Serve so that a bind failure
// surfaces at startup.
func (t *UDPTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	pc, err := reuseport.ListenPacket(UDP, t.listen)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfiguration, "listen udp %s", t.listen)
	}
	t.conn = pc

	t.logger.Info("UDP transport listening",
		zap.String("address", pc.LocalAddr().String()),
		zap.Int("peers", len(t.peers)))
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *UDPTransport) packetConn() net.PacketConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Serve reads datagrams into packets until ctx is done or the socket is
// closed.
func (t *UDPTransport) Serve(ctx context.Context, packets chan<- Packet) error {
	if err := t.Listen(); err != nil {
		return err
	}
	pc := t.packetConn()

	stop := context.AfterFunc(ctx, func() {
		_ = pc.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 2048)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Warn("cannot read from socket", zap.Error(err))
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case packets <- Packet{Payload: payload, From: addr.String(), Received: time.Now()}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Send writes payload to every peer. Per-peer failures are joined into one
// KindTransientNetwork error; the caller is expected to log and move on.
func (t *UDPTransport) Send(payload []byte) error {
	pc := t.packetConn()
	if pc == nil {
		return errors.New(errors.KindTransientNetwork, "transport is not listening")
	}

	var errs []error
	for _, p := range t.peers {
		if _, err := pc.WriteTo(payload, p.addr); err != nil {
			errs = append(errs, fmt.Errorf("peer %s (%s): %w", p.id, p.addr, err))
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), errors.KindTransientNetwork, "send advertisement")
	}
	return nil
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
