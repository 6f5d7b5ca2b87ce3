package rrecv

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaoZengzeng/rdt/packet"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type sentMsg struct {
	buf  []byte
	addr *net.UDPAddr
}

type fakeSocket struct {
	outbound   []sentMsg
	closed     bool
	closeCalls int
}

func (f *fakeSocket) Recv() ([]byte, *net.UDPAddr, error) {
	panic("not used by these tests: handlePacket is driven directly")
}

func (f *fakeSocket) Send(buf []byte, addr *net.UDPAddr) error {
	f.outbound = append(f.outbound, sentMsg{append([]byte(nil), buf...), addr})
	return nil
}

func (f *fakeSocket) LocalAddr() *net.UDPAddr {
	return peer
}

func (f *fakeSocket) Close() error {
	f.closed = true
	f.closeCalls++
	return nil
}

var peer = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

func newTestReceiver(t *testing.T, rcvWindow int) (*Receiver, *fakeSocket, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.bin")
	sink, err := os.Create(path)
	require.NoError(t, err)
	fs := &fakeSocket{}
	r := newReceiver(testLogger(), fs, sink, Config{RcvWindow: rcvWindow})
	r.connected = true
	return r, fs, path
}

func dataPacket(seq uint32, payload string) []byte {
	buf, err := packet.Encode(&packet.Packet{Seq: seq, Data: []byte(payload)})
	if err != nil {
		panic(err)
	}
	return buf
}

func readBack(t *testing.T, r *Receiver, path string) string {
	t.Helper()
	require.NoError(t, r.sink.Sync())
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(got)
}

// TestOutOfOrderBurst reproduces spec.md §8 scenario 4.
func TestOutOfOrderBurst(t *testing.T) {
	r, fs, path := newTestReceiver(t, 5)

	for _, seq := range []uint32{2, 1, 4, 3, 5} {
		r.handlePacket(dataPacket(seq, string(rune('0'+seq))), peer)
	}

	assert.Len(t, fs.outbound, 5, "exactly one ack per in-window arrival")
	assert.EqualValues(t, 6, r.expected)
	assert.Empty(t, r.buffer)
	assert.Equal(t, "12345", readBack(t, r, path))
}

// TestFlowControlDrop reproduces spec.md §8 scenario 5.
func TestFlowControlDrop(t *testing.T) {
	r, fs, _ := newTestReceiver(t, 3)
	r.handlePacket(dataPacket(5, "x"), peer) // 5 >= 1+3, dropped silently
	assert.Empty(t, fs.outbound)
	assert.EqualValues(t, 1, r.expected)
	assert.Empty(t, r.buffer)
}

// TestCorruptedArrivalDropped reproduces spec.md §8 scenario 6.
func TestCorruptedArrivalDropped(t *testing.T) {
	r, fs, _ := newTestReceiver(t, 20)
	buf := dataPacket(1, "hello")
	buf[20] ^= 0xFF // flip a payload bit
	r.handlePacket(buf, peer)
	assert.Empty(t, fs.outbound)
	assert.EqualValues(t, 1, r.expected)
}

func TestDuplicateBelowExpectedStillAcksOnly(t *testing.T) {
	r, fs, path := newTestReceiver(t, 20)
	r.handlePacket(dataPacket(1, "a"), peer)
	require.Len(t, fs.outbound, 1)

	r.handlePacket(dataPacket(1, "a"), peer) // duplicate, already delivered
	assert.Len(t, fs.outbound, 2, "duplicates below expected still get re-acked")
	assert.Equal(t, "a", readBack(t, r, path), "duplicate must not be written twice")
}

func TestHandshakeAndTeardown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	sink, err := os.Create(path)
	require.NoError(t, err)
	fs := &fakeSocket{}
	r := newReceiver(testLogger(), fs, sink, Config{RcvWindow: 20})

	syn, _ := packet.Encode(&packet.Packet{Seq: 0, Flags: packet.FlagSYN})
	done := r.handlePacket(syn, peer)
	assert.False(t, done)
	assert.False(t, r.connected)
	require.Len(t, fs.outbound, 1)
	synAck, err := packet.Decode(fs.outbound[0].buf)
	require.NoError(t, err)
	assert.True(t, synAck.HasFlag(packet.FlagSYN|packet.FlagACK))
	assert.EqualValues(t, 1, synAck.Ack)

	pureAck, _ := packet.Encode(&packet.Packet{Seq: 1, Ack: 1, Flags: packet.FlagACK})
	done = r.handlePacket(pureAck, peer)
	assert.False(t, done)
	assert.True(t, r.connected)

	fin, _ := packet.Encode(&packet.Packet{Seq: 4, Flags: packet.FlagFIN})
	done = r.handlePacket(fin, peer)
	assert.True(t, done)
	require.Len(t, fs.outbound, 2)
	finAck, err := packet.Decode(fs.outbound[1].buf)
	require.NoError(t, err)
	assert.True(t, finAck.HasFlag(packet.FlagACK))
	assert.EqualValues(t, 5, finAck.Ack)
}

func TestShutdownClosesResourcesOnlyOnce(t *testing.T) {
	r, fs, _ := newTestReceiver(t, 20)
	require.NoError(t, r.Shutdown())
	require.NoError(t, r.Shutdown())
	assert.Equal(t, 1, fs.closeCalls)
}

func TestAtMostOneConnectionAccepted(t *testing.T) {
	r, fs, _ := newTestReceiver(t, 20)
	r.connected = false

	first, _ := packet.Encode(&packet.Packet{Seq: 1, Ack: 1, Flags: packet.FlagACK})
	r.handlePacket(first, peer)
	assert.True(t, r.connected)

	// A second pure ACK while already connected must not re-trigger the
	// handshake-completion branch or produce any reply.
	second, _ := packet.Encode(&packet.Packet{Seq: 1, Ack: 1, Flags: packet.FlagACK})
	r.handlePacket(second, peer)
	assert.Empty(t, fs.outbound)
}
