// Package rrecv implements the receiver half of the reliable-data-transfer
// protocol: handshake response, checksum validation, out-of-order
// buffering up to a flow-control ceiling, in-order delivery to a file
// sink, and FIN/ACK teardown.
package rrecv

import (
	"net"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/YaoZengzeng/rdt/buffer"
	"github.com/YaoZengzeng/rdt/netio"
	"github.com/YaoZengzeng/rdt/packet"
	"github.com/YaoZengzeng/rdt/tmutex"
)

// socket is the opaque recv()->(bytes,peer) / send(bytes,peer) interface
// the spec treats the datagram service as; *netio.ReceiverConn implements
// it, and tests substitute a fake to drive reordering and flow control
// without a real network.
type socket interface {
	Recv() ([]byte, *net.UDPAddr, error)
	Send(buf []byte, addr *net.UDPAddr) error
	LocalAddr() *net.UDPAddr
	Close() error
}

// Config holds the receiver's invocation parameters (spec §6).
type Config struct {
	Port      int
	FilePath  string
	RcvWindow int
}

// Receiver holds the state of one connection (spec §3): it persists for
// the lifetime of a single transfer and is discarded after the FIN.
type Receiver struct {
	log  *logrus.Entry
	conn socket
	cfg  Config
	sink *os.File

	expected  uint32
	buffer    map[uint32]buffer.View
	connected bool

	// closeOnce guards cleanup against Shutdown (invoked from a signal
	// handler, see cmd/rdt-recv) racing Run's own end-of-loop close.
	closeOnce tmutex.Mutex
}

// New binds the listening port and creates the output file. Either
// failure is fatal per spec §6 ("non-zero on bind or file-open failure").
func New(log *logrus.Logger, cfg Config) (*Receiver, error) {
	if cfg.RcvWindow <= 0 {
		cfg.RcvWindow = 20
	}
	conn, err := netio.ListenReceiver(cfg.Port)
	if err != nil {
		return nil, errors.Wrap(err, "bind")
	}
	sink, err := os.Create(cfg.FilePath)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open output file")
	}
	return newReceiver(log, conn, sink, cfg), nil
}

func newReceiver(log *logrus.Logger, conn socket, sink *os.File, cfg Config) *Receiver {
	r := &Receiver{
		log:      log.WithField("role", "receiver"),
		conn:     conn,
		cfg:      cfg,
		sink:     sink,
		expected: 1,
		buffer:   make(map[uint32]buffer.View),
	}
	r.closeOnce.Init()
	return r
}

// LocalAddr returns the address the receiver is bound to.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr()
}

// Shutdown aborts a Run in progress by closing the socket, which unblocks
// the pending Recv with an error. Safe to call concurrently with Run, and
// safe to call more than once.
func (r *Receiver) Shutdown() error {
	return r.close()
}

// Run processes datagrams to completion (spec §4.5), one per loop pass,
// until a FIN is honoured, then releases the socket and file.
func (r *Receiver) Run() error {
	for {
		buf, addr, err := r.conn.Recv()
		if err != nil {
			r.close()
			return errors.Wrap(err, "recv")
		}
		if r.handlePacket(buf, addr) {
			break
		}
	}
	if err := r.close(); err != nil {
		r.log.WithError(err).Warn("cleanup encountered errors")
	}
	return nil
}

// handlePacket processes one datagram and reports whether the connection
// is now finished (FIN honoured).
func (r *Receiver) handlePacket(buf []byte, addr *net.UDPAddr) bool {
	if !packet.Verify(buf) {
		r.log.WithField("event", "checksum_mismatch").Debug("dropped")
		return false
	}
	p, err := packet.Decode(buf)
	if err != nil {
		r.log.WithField("event", "malformed").Debug("dropped")
		return false
	}

	switch {
	case p.HasFlag(packet.FlagSYN):
		r.handleSyn(p, addr)
		return false

	case p.HasFlag(packet.FlagACK) && !p.HasFlag(packet.FlagSYN) && p.Length == 0 && !r.connected:
		r.connected = true
		r.log.WithField("event", "handshake").Info("connection established")
		return false

	case p.HasFlag(packet.FlagFIN):
		r.handleFin(p, addr)
		return true

	case r.connected && p.Length > 0:
		r.handleData(p, addr)
		return false
	}
	return false
}

func (r *Receiver) handleSyn(p *packet.Packet, addr *net.UDPAddr) {
	synAck, err := packet.Encode(&packet.Packet{Seq: 0, Ack: p.Seq + 1, Flags: packet.FlagSYN | packet.FlagACK})
	if err != nil {
		r.log.WithError(err).Error("encode syn+ack")
		return
	}
	if err := r.conn.Send(synAck, addr); err != nil {
		r.log.WithError(err).Warn("send syn+ack")
		return
	}
	r.log.WithField("event", "handshake").Info("syn received, syn+ack sent")
}

func (r *Receiver) handleFin(p *packet.Packet, addr *net.UDPAddr) {
	ack, err := packet.Encode(&packet.Packet{Ack: p.Seq + 1, Flags: packet.FlagACK})
	if err != nil {
		r.log.WithError(err).Error("encode teardown ack")
		return
	}
	if err := r.conn.Send(ack, addr); err != nil {
		r.log.WithError(err).Warn("send teardown ack")
	}
	r.log.WithField("event", "teardown").Info("fin received, ack sent, closing")
}

// handleData is the flow-controlled, reordering data path of spec §4.5.
func (r *Receiver) handleData(p *packet.Packet, addr *net.UDPAddr) {
	seq := p.Seq
	if seq >= r.expected+uint32(r.cfg.RcvWindow) {
		r.log.WithFields(logrus.Fields{"event": "flow_control_drop", "seq": seq}).Debug("dropped")
		return
	}

	ack, err := packet.Encode(&packet.Packet{Ack: seq, Flags: packet.FlagACK})
	if err != nil {
		r.log.WithError(err).Error("encode ack")
		return
	}
	if err := r.conn.Send(ack, addr); err != nil {
		r.log.WithError(err).Warn("send ack")
	}

	switch {
	case seq == r.expected:
		r.deliver(p.Data)
		r.expected++
		for {
			data, ok := r.buffer[r.expected]
			if !ok {
				break
			}
			r.deliver(data)
			delete(r.buffer, r.expected)
			r.expected++
		}
	case seq > r.expected:
		if _, exists := r.buffer[seq]; !exists {
			v := buffer.NewView(len(p.Data))
			copy(v, p.Data)
			r.buffer[seq] = v
		}
	default:
		// seq < expected: duplicate already delivered; the ACK above is
		// the only action required.
	}
}

func (r *Receiver) deliver(data []byte) {
	if _, err := r.sink.Write(data); err != nil {
		r.log.WithError(err).Error("write to sink")
	}
}

// close flushes and closes the output file and releases the socket,
// aggregating any failures from the two independent resources.
func (r *Receiver) close() error {
	if !r.closeOnce.TryLock() {
		return nil
	}
	var result *multierror.Error
	if err := r.sink.Sync(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "flush output file"))
	}
	if err := r.sink.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close output file"))
	}
	if err := r.conn.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close socket"))
	}
	return result.ErrorOrNil()
}
