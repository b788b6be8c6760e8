package server

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Sender sends one datagram to a fixed peer.
type Sender interface {
	Send(b []byte) error
}

// Conn is the datagram transport a transfer runs over.
type Conn interface {
	Sender
	// Receive waits at most timeout for the next datagram from the peer.
	// It returns an error wrapping ErrTimeout when nothing arrived.
	Receive(timeout time.Duration) ([]byte, error)
}

// udpSender writes to addr through the shared listening socket.
type udpSender struct {
	conn net.PacketConn
	addr net.Addr
}

func (s *udpSender) Send(b []byte) error {
	if _, err := s.conn.WriteTo(b, s.addr); err != nil {
		return errors.Wrapf(ErrTransport, "write to %s: %v", s.addr, err)
	}
	return nil
}

// peerConn is the Conn of one transfer. Datagrams from the peer are pushed
// into inbox by the listener; the transfer never reads the socket itself.
type peerConn struct {
	udpSender
	ctx   context.Context
	inbox chan []byte
}

const inboxSize = 8

func newPeerConn(ctx context.Context, conn net.PacketConn, addr net.Addr) *peerConn {
	return &peerConn{
		udpSender: udpSender{conn: conn, addr: addr},
		ctx:       ctx,
		inbox:     make(chan []byte, inboxSize),
	}
}

func (c *peerConn) Receive(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return nil, errors.Wrapf(c.ctx.Err(), "receive from %s interrupted", c.addr)
	case b := <-c.inbox:
		return b, nil
	case <-timer.C:
		return nil, errors.Wrapf(ErrTimeout, "nothing from %s in %s", c.addr, timeout)
	}
}

// deliver queues b for the transfer. It reports false when the inbox is full
// and b was dropped; the peer will retransmit.
func (c *peerConn) deliver(b []byte) bool {
	select {
	case c.inbox <- b:
		return true
	default:
		return false
	}
}
