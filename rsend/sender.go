// Package rsend implements the sender half of the reliable-data-transfer
// protocol: handshake, file segmentation, the sliding send window, Reno
// congestion control, timeout-driven retransmission, and teardown.
package rsend

import (
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/YaoZengzeng/rdt/congestion"
	"github.com/YaoZengzeng/rdt/netio"
	"github.com/YaoZengzeng/rdt/packet"
	"github.com/YaoZengzeng/rdt/tmutex"
)

// Timing constants from spec §4.2-§4.4 and §5.
const (
	handshakeWait = 2 * time.Second
	teardownWait  = 2 * time.Second
	ackPollWait   = 10 * time.Millisecond
	rtoTimeout    = 1 * time.Second
)

// ErrHandshakeFailed is returned when the sender's bounded wait for a
// valid SYN|ACK expires.
var ErrHandshakeFailed = errors.New("rdt: handshake failed")

// socket is the opaque send/recv interface the spec treats the datagram
// service as; *netio.SenderConn implements it, and tests substitute a
// fake to exercise window and Reno behaviour without a real network.
type socket interface {
	Send(buf []byte) error
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

// Config holds the sender's invocation parameters (spec §6).
type Config struct {
	Host      string
	Port      int
	FilePath  string
	LossRate  float64
	MaxWindow int
	DelayMs   int
}

// segment is one entry of the sender's flat, indexed packet array (spec
// §3): the packet's payload plus the bookkeeping needed to drive
// retransmission.
type segment struct {
	data     []byte
	sent     bool
	acked    bool
	sendTime time.Time
}

// Sender drives one file transfer. It is constructed fresh per transfer
// and discarded after teardown, per spec §3's lifecycle note — nothing
// here is process-wide state.
type Sender struct {
	log  *logrus.Entry
	conn socket
	cfg  Config

	packets []segment
	base    int
	next    int
	cc      *congestion.Controller
	rng     *rand.Rand

	// closeConn guards against Shutdown (invoked from a signal handler,
	// see cmd/rdt-send) racing Run's own teardown over the same socket.
	closeConn tmutex.Mutex
}

// New dials the peer and returns a Sender ready to Run. Config zero
// values for MaxWindow are replaced with the spec's default of 20.
func New(log *logrus.Logger, cfg Config) (*Sender, error) {
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = 20
	}
	conn, err := netio.DialSender(cfg.Host, cfg.Port)
	if err != nil {
		return nil, errors.Wrap(err, "dial peer")
	}
	return newSender(log, conn, cfg), nil
}

func newSender(log *logrus.Logger, conn socket, cfg Config) *Sender {
	s := &Sender{
		log:  log.WithField("role", "sender"),
		conn: conn,
		cfg:  cfg,
		cc:   congestion.New(),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.closeConn.Init()
	return s
}

// Shutdown closes the sender's socket, aborting a Run in progress. It is
// safe to call concurrently with Run, and safe to call more than once.
func (s *Sender) Shutdown() {
	if s.closeConn.TryLock() {
		s.conn.Close()
	}
}

// Run executes the full transfer: handshake, load, transfer loop,
// teardown. Its return value determines the process exit code (spec §6):
// non-nil only for handshake failure or a file-open failure.
func (s *Sender) Run() error {
	defer s.Shutdown()

	if err := s.handshake(); err != nil {
		return err
	}
	if err := s.loadFile(); err != nil {
		return errors.Wrap(err, "load file")
	}

	start := time.Now()
	s.transferLoop()
	s.logThroughput(start)

	s.teardown()
	return nil
}

// handshake performs the three-way handshake described in spec §4.2.
func (s *Sender) handshake() error {
	syn, err := packet.Encode(&packet.Packet{Seq: 0, Flags: packet.FlagSYN})
	if err != nil {
		return errors.Wrap(err, "encode syn")
	}
	if err := s.conn.Send(syn); err != nil {
		return errors.Wrap(err, "send syn")
	}
	s.log.WithField("event", "handshake").Info("syn sent")

	resp, err := s.conn.Recv(handshakeWait)
	if err != nil {
		return errors.Wrap(err, "recv syn-ack")
	}
	if resp == nil || !packet.Verify(resp) {
		return ErrHandshakeFailed
	}
	synAck, err := packet.Decode(resp)
	if err != nil || !synAck.HasFlag(packet.FlagSYN|packet.FlagACK) {
		return ErrHandshakeFailed
	}
	s.log.WithField("event", "handshake").Info("syn+ack received")

	ack, err := packet.Encode(&packet.Packet{Seq: 1, Ack: synAck.Seq + 1, Flags: packet.FlagACK})
	if err != nil {
		return errors.Wrap(err, "encode ack")
	}
	if err := s.conn.Send(ack); err != nil {
		return errors.Wrap(err, "send ack")
	}
	s.log.WithField("event", "handshake").Info("ack sent, connection established")
	return nil
}

// loadFile reads the input file into fixed MaxData-byte segments (spec
// §3: "packet, not a byte, is the unit of sequencing").
func (s *Sender) loadFile() error {
	f, err := os.Open(s.cfg.FilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += packet.MaxData {
		end := off + packet.MaxData
		if end > len(data) {
			end = len(data)
		}
		s.packets = append(s.packets, segment{data: data[off:end]})
	}
	s.log.WithFields(logrus.Fields{
		"event":      "file_loaded",
		"bytes":      len(data),
		"n_packets":  len(s.packets),
		"input_path": s.cfg.FilePath,
	}).Info("file loaded")
	return nil
}

// transferLoop is the sender's single cooperative loop (spec §4.3, §5):
// each pass fills the window, polls for at most one ACK, then checks the
// base timer.
func (s *Sender) transferLoop() {
	for s.base < len(s.packets) {
		s.fillWindow()
		s.pollAck()
		s.checkTimeout()
	}
}

func (s *Sender) effectiveWindow() int {
	w := int(math.Floor(s.cc.Cwnd))
	if w > s.cfg.MaxWindow {
		w = s.cfg.MaxWindow
	}
	if w < 0 {
		w = 0
	}
	return w
}

func (s *Sender) fillWindow() {
	w := s.effectiveWindow()
	for s.next < len(s.packets) && s.next < s.base+w {
		if !s.packets[s.next].sent {
			s.transmit(s.next)
		}
		s.next++
	}
}

// transmit sends (or, per the loss-injection knob, pretends to send)
// packets[i] as a data segment with seq = i+1. Loss and delay injection
// apply here and only here: handshake, FIN and control ACKs never call
// this path.
func (s *Sender) transmit(i int) {
	sp := &s.packets[i]
	seq := uint32(i + 1)

	if s.cfg.LossRate > 0 && s.rng.Float64() < s.cfg.LossRate {
		sp.sent = true
		sp.sendTime = time.Now()
		s.log.WithFields(logrus.Fields{"event": "loss_injected", "seq": seq}).Debug("simulated loss")
		return
	}

	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}

	buf, err := packet.Encode(&packet.Packet{Seq: seq, Data: sp.data})
	if err != nil {
		s.log.WithError(err).Error("encode data segment")
		return
	}
	if err := s.conn.Send(buf); err != nil {
		s.log.WithError(err).Warn("send data segment")
	}
	sp.sent = true
	sp.sendTime = time.Now()
	s.log.WithFields(logrus.Fields{"event": "send", "seq": seq}).Debug("sent")
}

// pollAck waits up to ackPollWait for one ACK and processes it.
func (s *Sender) pollAck() {
	buf, err := s.conn.Recv(ackPollWait)
	if err != nil {
		s.log.WithError(err).Warn("recv ack")
		return
	}
	if buf == nil {
		return
	}
	if !packet.Verify(buf) {
		return // ChecksumMismatch: dropped silently, spec §7
	}
	p, err := packet.Decode(buf)
	if err != nil {
		return // MalformedPacket: dropped silently, spec §7
	}
	if !p.HasFlag(packet.FlagACK) {
		return
	}
	s.handleAck(p.Ack)
}

// handleAck applies the selective-ACK semantics of spec §4.3.
func (s *Sender) handleAck(ackSeq uint32) {
	i := int(ackSeq) - 1
	if i < s.base || i >= len(s.packets) {
		return
	}

	isNewAck := !s.packets[i].acked
	if isNewAck {
		s.packets[i].acked = true
	}

	if isNewAck && i == s.base {
		for s.base < len(s.packets) && s.packets[s.base].acked {
			s.base++
		}
		s.cc.ApplyAck(true)
		return
	}

	// Either a never-before-acked out-of-order index (SACK-style ACK) or
	// a repeat of an already-acked index: both count as duplicate ACKs
	// against the controller.
	res := s.cc.ApplyAck(false)
	if res.Retransmit {
		s.log.WithFields(logrus.Fields{"event": "fast_retransmit", "seq": s.base + 1}).Info("fast retransmit")
		s.transmit(s.base)
	}
}

// checkTimeout fires the retransmission-timeout path of spec §4.3 if
// packets[base] has been outstanding longer than rtoTimeout.
func (s *Sender) checkTimeout() {
	if s.base >= len(s.packets) {
		return
	}
	sp := &s.packets[s.base]
	if !sp.sent || time.Since(sp.sendTime) <= rtoTimeout {
		return
	}
	s.log.WithFields(logrus.Fields{"event": "timeout", "seq": s.base + 1}).Info("retransmission timeout")
	res := s.cc.Apply(congestion.Timeout)
	if res.Retransmit {
		s.transmit(s.base)
	}
}

func (s *Sender) logThroughput(start time.Time) {
	var totalBytes int64
	for _, sp := range s.packets {
		totalBytes += int64(len(sp.data))
	}
	elapsed := time.Since(start)
	var mbps float64
	if elapsed > 0 {
		mbps = float64(totalBytes) / (1024 * 1024) / elapsed.Seconds()
	}
	s.log.WithFields(logrus.Fields{
		"event":           "transfer_complete",
		"bytes_sent":      totalBytes,
		"elapsed":         elapsed,
		"throughput_mb_s": mbps,
	}).Info("transfer complete")
}

// teardown sends the FIN and waits once for the teardown ACK (spec §4.4).
// The outcome of the wait never affects Run's return value.
func (s *Sender) teardown() {
	fin, err := packet.Encode(&packet.Packet{Seq: uint32(len(s.packets) + 1), Flags: packet.FlagFIN})
	if err != nil {
		s.log.WithError(err).Error("encode fin")
		return
	}
	if err := s.conn.Send(fin); err != nil {
		s.log.WithError(err).Warn("send fin")
		return
	}
	s.log.WithField("event", "teardown").Info("fin sent")

	resp, err := s.conn.Recv(teardownWait)
	if err != nil || resp == nil || !packet.Verify(resp) {
		return
	}
	p, err := packet.Decode(resp)
	if err != nil || !p.HasFlag(packet.FlagACK) {
		return
	}
	s.log.WithField("event", "teardown").Info("ack received, connection closed")
}
