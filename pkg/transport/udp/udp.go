// Package udp implements a real Transport over UDP datagrams, for the CLI
// binaries. Each Transport is bound to exactly one remote address,
// matching MTFTP's two-peer model.
package udp

import (
	"fmt"
	"net"

	"github.com/samsamfire/gomtftp/pkg/transport"
)

func init() {
	transport.Register("udp", New)
}

// Transport wraps a net.PacketConn and a fixed remote address.
type Transport struct {
	conn   net.PacketConn
	remote net.Addr
	recv   chan []byte
	done   chan struct{}
	owned  bool
}

// New dials a UDP transport to channel (host:port), used as the client
// side of a connection. The transport owns its socket and closes it.
func New(channel string) (transport.Transport, error) {
	remote, err := net.ResolveUDPAddr("udp", channel)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %w", channel, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("udp: listen: %w", err)
	}
	t := newTransport(conn, remote, true)
	return t, nil
}

// Bind listens on localAddr (e.g. ":6900") and waits for the first
// datagram to arrive, locking the transport onto that sender's address —
// the server-side counterpart to New, since MTFTP serves at most one
// active session per endpoint at a time.
func Bind(localAddr string) (*Transport, error) {
	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: bind %q: %w", localAddr, err)
	}
	buf := make([]byte, maxDatagramSize)
	n, remote, err := conn.ReadFrom(buf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("udp: waiting for first datagram: %w", err)
	}
	t := newTransport(conn, remote, true)
	first := make([]byte, n)
	copy(first, buf[:n])
	t.recv <- first
	return t, nil
}

const maxDatagramSize = 512

func newTransport(conn net.PacketConn, remote net.Addr, owned bool) *Transport {
	t := &Transport{
		conn:   conn,
		remote: remote,
		recv:   make(chan []byte, 64),
		done:   make(chan struct{}),
		owned:  owned,
	}
	go t.readLoop()
	return t
}

func (t *Transport) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			close(t.recv)
			return
		}
		if addr.String() != t.remote.String() {
			continue // ignore traffic from anyone but the bound peer
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case t.recv <- cp:
		case <-t.done:
			return
		}
	}
}

// Send writes buf to the bound remote address.
func (t *Transport) Send(buf []byte) error {
	_, err := t.conn.WriteTo(buf, t.remote)
	return err
}

// Recv returns the inbound datagram channel.
func (t *Transport) Recv() <-chan []byte {
	return t.recv
}

// Close releases the underlying socket.
func (t *Transport) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	if t.owned {
		return t.conn.Close()
	}
	return nil
}
