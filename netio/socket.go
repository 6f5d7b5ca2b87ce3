// Package netio is the thin shim over the standard library's UDP socket
// that stands in for the spec's opaque send(bytes, peer) / recv() ->
// (bytes, peer) datagram interface. It owns no protocol logic: callers
// decide what to send and how to interpret what comes back.
package netio

import (
	"fmt"
	"net"
	"time"

	"github.com/YaoZengzeng/rdt/packet"
)

const maxDatagram = packet.HeaderSize + packet.MaxData

// SenderConn is a connected UDP socket talking to a single, already-known
// peer — the sender's view of the channel, matching the spec's simplex,
// single-peer transfer model.
type SenderConn struct {
	conn *net.UDPConn
}

// DialSender resolves host:port and opens a connected UDP socket to it.
func DialSender(host string, port int) (*SenderConn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &SenderConn{conn: conn}, nil
}

// Send writes buf in a single datagram.
func (s *SenderConn) Send(buf []byte) error {
	_, err := s.conn.Write(buf)
	return err
}

// Recv waits up to timeout for one datagram. A timeout is reported as
// (nil, nil), not an error, so callers can tell "nothing arrived"
// apart from a real socket failure.
func (s *SenderConn) Recv(timeout time.Duration) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagram)
	n, err := s.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// Close releases the underlying socket.
func (s *SenderConn) Close() error {
	return s.conn.Close()
}

// ReceiverConn is an unconnected UDP socket bound to a local port, able to
// hear from any peer. It does not filter by source address, and the
// receiver above it does not either: every datagram is processed and each
// reply goes to the address its datagram came from.
type ReceiverConn struct {
	conn *net.UDPConn
}

// ListenReceiver binds a UDP socket on the given local port.
func ListenReceiver(port int) (*ReceiverConn, error) {
	laddr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	return &ReceiverConn{conn: conn}, nil
}

// LocalAddr returns the address the receiver is bound to, letting callers
// discover an ephemeral port assigned by requesting port 0.
func (r *ReceiverConn) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Recv blocks until a datagram arrives, per the receiver's single-threaded
// blocking-read loop (spec §5): there is no bounded wait here, only at the
// sender.
func (r *ReceiverConn) Recv() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, maxDatagram)
	n, addr, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// Send writes buf to addr in a single datagram.
func (r *ReceiverConn) Send(buf []byte, addr *net.UDPAddr) error {
	_, err := r.conn.WriteToUDP(buf, addr)
	return err
}

// Close releases the underlying socket.
func (r *ReceiverConn) Close() error {
	return r.conn.Close()
}
