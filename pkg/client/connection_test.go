package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

// fakeServer is the listening half of a memory connection.
type fakeServer struct {
	t    *testing.T
	host *transport.MemoryHost
	peer transport.PeerID
}

func newFakeServer(t *testing.T) (*fakeServer, *transport.MemoryHost) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	host, err := network.Listen("server", 0)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })

	clientHost, err := network.Dial("server")
	require.NoError(t, err)

	ev, err := host.Service(time.Second)
	require.NoError(t, err)
	require.Equal(t, transport.EventConnect, ev.Type)

	return &fakeServer{t: t, host: host, peer: ev.Peer}, clientHost
}

func (f *fakeServer) send(p protocol.Packet) {
	f.t.Helper()
	frame, err := protocol.Serialize(p)
	require.NoError(f.t, err)
	require.NoError(f.t, f.host.Send(f.peer, protocol.ChannelReliable, frame, true))
}

func (f *fakeServer) receive() protocol.Packet {
	f.t.Helper()
	ev, err := f.host.Service(time.Second)
	require.NoError(f.t, err)
	require.Equal(f.t, transport.EventReceive, ev.Type)
	pkt, err := protocol.Deserialize(ev.Data)
	require.NoError(f.t, err)
	return pkt
}

func TestConnectWaitsForAssignment(t *testing.T) {
	server, clientHost := newFakeServer(t)
	id := protocol.NewIdentity()
	server.send(protocol.Packet{Identity: id})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, id, conn.Identity())
	assert.Equal(t, uint64(protocol.HeaderSize), conn.BytesReceived())
}

func TestConnectIgnoresFramesBeforeAssignment(t *testing.T) {
	server, clientHost := newFakeServer(t)
	id := protocol.NewIdentity()
	server.send(protocol.NewPacket(protocol.DefaultIdentity, []byte("noise")))
	server.send(protocol.Packet{Identity: id})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, id, conn.Identity())
}

func TestConnectRejected(t *testing.T) {
	server, clientHost := newFakeServer(t)
	require.NoError(t, server.host.Disconnect(server.peer))

	_, err := Connect(context.Background(), clientHost, time.Second)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestConnectTimeout(t *testing.T) {
	_, clientHost := newFakeServer(t)

	start := time.Now()
	_, err := Connect(context.Background(), clientHost, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrAssignmentTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollEchoesProbes(t *testing.T) {
	server, clientHost := newFakeServer(t)
	id := protocol.NewIdentity()
	server.send(protocol.Packet{Identity: id})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, conn.Handshaking())

	first := protocol.EncodeProbe(protocol.Probe{Sequence: 1, Total: 2, SentAt: time.Unix(0, 42)})
	last := protocol.EncodeProbe(protocol.Probe{Sequence: 2, Total: 2, SentAt: time.Unix(0, 43)})
	server.send(protocol.NewPacket(id, first))
	server.send(protocol.NewPacket(id, last))
	server.send(protocol.NewPacket(id, []byte("after")))

	pkt, ok, err := conn.Poll(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("after"), pkt.Payload)
	assert.Equal(t, 2, conn.ProbesAnswered())
	assert.False(t, conn.Handshaking())

	for _, want := range [][]byte{first, last} {
		echo := server.receive()
		assert.Equal(t, id, echo.Identity)
		assert.Equal(t, want, echo.Payload)
	}
}

func TestPollActivationNotice(t *testing.T) {
	server, clientHost := newFakeServer(t)
	id := protocol.NewIdentity()
	server.send(protocol.Packet{Identity: id})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	server.send(protocol.NewPacket(id, protocol.EncodeProbe(protocol.Probe{})))

	_, ok, err := conn.Poll(50 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, conn.Handshaking())
	assert.Equal(t, 0, conn.ProbesAnswered())

	// The notice is never echoed.
	ev, err := server.host.Service(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, transport.EventNone, ev.Type)
}

func TestPollDeliversLookalikePayloadsAfterHandshake(t *testing.T) {
	server, clientHost := newFakeServer(t)
	id := protocol.NewIdentity()
	server.send(protocol.Packet{Identity: id})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	server.send(protocol.NewPacket(id, protocol.EncodeProbe(protocol.Probe{Sequence: 1, Total: 1})))
	lookalike := protocol.EncodeProbe(protocol.Probe{Sequence: 1, Total: 1})
	server.send(protocol.NewPacket(id, lookalike))

	pkt, ok, err := conn.Poll(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lookalike, pkt.Payload)
	assert.Equal(t, 1, conn.ProbesAnswered())

	server.receive() // the real echo
	ev, err := server.host.Service(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, transport.EventNone, ev.Type)
}

func TestPollTimesOut(t *testing.T) {
	server, clientHost := newFakeServer(t)
	server.send(protocol.Packet{Identity: protocol.NewIdentity()})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, ok, err := conn.Poll(20 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendStampsIdentity(t *testing.T) {
	server, clientHost := newFakeServer(t)
	id := protocol.NewIdentity()
	server.send(protocol.Packet{Identity: id})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send([]byte("Hello World\x00"), true, protocol.ChannelReliable))

	pkt := server.receive()
	assert.Equal(t, id, pkt.Identity)
	assert.Equal(t, []byte("Hello World\x00"), pkt.Payload)
	assert.Equal(t, uint64(protocol.HeaderSize+12), conn.BytesSent())
}

func TestDisconnectedByServer(t *testing.T) {
	server, clientHost := newFakeServer(t)
	server.send(protocol.Packet{Identity: protocol.NewIdentity()})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, server.host.Disconnect(server.peer))

	_, _, err = conn.Poll(time.Second)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, conn.Send([]byte("x"), true, 0), ErrDisconnected)
}

func TestClose(t *testing.T) {
	server, clientHost := newFakeServer(t)
	server.send(protocol.Packet{Identity: protocol.NewIdentity()})

	conn, err := Connect(context.Background(), clientHost, time.Second)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send([]byte("x"), true, 0), ErrClosed)

	ev, err := server.host.Service(time.Second)
	require.NoError(t, err)
	assert.Equal(t, transport.EventDisconnect, ev.Type)
}
