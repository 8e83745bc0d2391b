package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/tickserver/pkg/client"
	"github.com/aeolun/tickserver/pkg/protocol"
)

// relay broadcasts every inbound message back to all sessions.
func relay(s *Server) TickFunc {
	return func(uint64) {
		for {
			m, ok := s.ReadNextInbound()
			if !ok {
				return
			}
			if err := s.Broadcast(m.Packet, true, protocol.ChannelReliable); err != nil {
				return
			}
		}
	}
}

// startWebSocketServer runs a relay server on a random local port and returns
// the URL clients should dial.
func startWebSocketServer(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := testConfig()
	cfg.TickRate = 100
	srv, err := Listen(cfg)
	require.NoError(t, err)

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx, relay(srv))
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv, fmt.Sprintf("ws://127.0.0.1:%s%s", port, cfg.Path)
}

// waitForEcho keeps sending payload until the relay sends it back. Frames sent
// before the handshake completes are discarded by the server.
func waitForEcho(t *testing.T, conn *client.Connection, payload []byte) protocol.Packet {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.Send(payload, true, protocol.ChannelReliable))
		pkt, ok, err := conn.Poll(100 * time.Millisecond)
		require.NoError(t, err)
		if ok && string(pkt.Payload) == string(payload) {
			return pkt
		}
	}
	t.Fatalf("no echo of %q", payload)
	return protocol.Packet{}
}

func TestIntegrationWebSocketHelloWorld(t *testing.T) {
	_, url := startWebSocketServer(t)

	conn, err := client.Dial(context.Background(), url, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	pkt := waitForEcho(t, conn, []byte("Hello World\x00"))
	assert.Equal(t, conn.Identity(), pkt.Identity)
	assert.Equal(t, 3, conn.ProbesAnswered())
}

func TestIntegrationWebSocketBroadcast(t *testing.T) {
	srv, url := startWebSocketServer(t)

	a, err := client.Dial(context.Background(), url, 5*time.Second)
	require.NoError(t, err)
	defer a.Close()
	b, err := client.Dial(context.Background(), url, 5*time.Second)
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.Identity(), b.Identity())

	waitForEcho(t, a, []byte("from a"))
	waitForEcho(t, b, []byte("from b"))

	// Both sessions are active now, so a's next message reaches b.
	require.NoError(t, a.Send([]byte("to everyone"), true, protocol.ChannelReliable))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pkt, ok, err := b.Poll(100 * time.Millisecond)
		require.NoError(t, err)
		if ok && string(pkt.Payload) == "to everyone" {
			assert.Equal(t, a.Identity(), pkt.Identity)
			assert.Len(t, srv.SessionSnapshot(), 2)
			return
		}
	}
	t.Fatal("b never received a's broadcast")
}

func TestIntegrationWebSocketShutdown(t *testing.T) {
	cfg := testConfig()
	srv, err := Listen(cfg)
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx, relay(srv)) }()

	conn, err := client.Dial(context.Background(), fmt.Sprintf("ws://127.0.0.1:%s%s", port, cfg.Path), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	waitForEcho(t, conn, []byte("ping"))

	cancel()
	require.NoError(t, <-done)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, _, err := conn.Poll(100 * time.Millisecond)
		if errors.Is(err, client.ErrDisconnected) {
			return
		}
	}
	t.Fatal("client was not disconnected on shutdown")
}
