// Package client is the peer side of the session engine: it waits for the
// identity assignment, answers handshake probes and stamps every outgoing
// frame with the assigned identity.
//
// Probes are only recognised between the assignment and the last probe of
// the handshake. After that every payload is handed to the caller untouched.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

var (
	ErrRejected          = errors.New("server closed the connection before assigning an identity")
	ErrAssignmentTimeout = errors.New("timed out waiting for identity assignment")
	ErrDisconnected      = errors.New("disconnected from server")
	ErrClosed            = errors.New("connection closed")
)

// servicePoll bounds each wait while Connect watches ctx.
const servicePoll = 50 * time.Millisecond

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Connection) { c.logger = logger }
}

// Connection is a client session on top of a transport host with exactly one
// peer, the server. It is not safe for concurrent use except for the traffic
// counters.
type Connection struct {
	host     transport.Host
	peer     transport.PeerID
	identity protocol.Identity
	logger   logrus.FieldLogger

	handshaking    bool
	probesAnswered int
	disconnected   bool

	closeOnce sync.Once
	closed    atomic.Bool

	// Traffic counters (frame bytes)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// Dial opens a WebSocket connection to url and waits for the assignment.
func Dial(ctx context.Context, url string, timeout time.Duration, opts ...Option) (*Connection, error) {
	host, err := transport.DialWebSocket(ctx, url, transport.DefaultWebSocketOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return Connect(ctx, host, timeout, opts...)
}

// Connect waits on host for the server's identity assignment. The
// connection takes ownership of host and closes it on failure.
func Connect(ctx context.Context, host transport.Host, timeout time.Duration, opts ...Option) (*Connection, error) {
	c := &Connection{
		host:   host,
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.awaitAssignment(ctx); err != nil {
		host.Close()
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"server":   host.Addr(),
		"identity": c.identity,
	}).Debug("Identity assigned")
	return c, nil
}

func (c *Connection) awaitAssignment(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrAssignmentTimeout
			}
			return err
		}

		ev, err := c.host.Service(servicePoll)
		if err != nil {
			return fmt.Errorf("service host: %w", err)
		}

		switch ev.Type {
		case transport.EventConnect:
			c.peer = ev.Peer
		case transport.EventDisconnect:
			return ErrRejected
		case transport.EventReceive:
			c.bytesReceived.Add(uint64(len(ev.Data)))
			pkt, err := protocol.Deserialize(ev.Data)
			if err != nil {
				c.logger.WithError(err).Debug("Ignoring malformed frame before assignment")
				continue
			}
			if !pkt.IsAssignment() {
				c.logger.WithField("bytes", len(ev.Data)).Debug("Ignoring frame before assignment")
				continue
			}
			c.peer = ev.Peer
			c.identity = pkt.Identity
			c.handshaking = true
			return nil
		}
	}
}

// Identity returns the identity the server assigned.
func (c *Connection) Identity() protocol.Identity {
	return c.identity
}

// Handshaking reports whether the last handshake probe is still to come.
func (c *Connection) Handshaking() bool {
	return c.handshaking
}

// ProbesAnswered returns how many handshake probes were echoed.
func (c *Connection) ProbesAnswered() int {
	return c.probesAnswered
}

// Send frames payload with the assigned identity and sends it to the server.
func (c *Connection) Send(payload []byte, reliable bool, channel uint8) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.disconnected {
		return ErrDisconnected
	}

	frame, err := protocol.Serialize(protocol.NewPacket(c.identity, payload))
	if err != nil {
		return err
	}
	if err := c.host.Send(c.peer, channel, frame, reliable); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	c.bytesSent.Add(uint64(len(frame)))
	return nil
}

// Poll waits up to timeout for the next application packet. While the
// handshake runs, probes are echoed on the way and never returned. The bool is
// false when nothing arrived in time.
func (c *Connection) Poll(timeout time.Duration) (protocol.Packet, bool, error) {
	if c.closed.Load() {
		return protocol.Packet{}, false, ErrClosed
	}
	if c.disconnected {
		return protocol.Packet{}, false, ErrDisconnected
	}

	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}

		ev, err := c.host.Service(wait)
		if err != nil {
			return protocol.Packet{}, false, fmt.Errorf("service host: %w", err)
		}

		switch ev.Type {
		case transport.EventNone:
			return protocol.Packet{}, false, nil
		case transport.EventDisconnect:
			c.disconnected = true
			return protocol.Packet{}, false, ErrDisconnected
		case transport.EventReceive:
			c.bytesReceived.Add(uint64(len(ev.Data)))
			pkt, err := protocol.Deserialize(ev.Data)
			if err != nil {
				c.logger.WithError(err).Debug("Ignoring malformed frame")
				continue
			}
			if c.handshaking {
				handled, err := c.handleProbe(ev, pkt)
				if err != nil {
					return protocol.Packet{}, false, err
				}
				if handled {
					continue
				}
			}
			return pkt, true, nil
		}

		if wait == 0 {
			return protocol.Packet{}, false, nil
		}
	}
}

// handleProbe answers a handshake probe. It reports false for anything that
// is not one.
func (c *Connection) handleProbe(ev transport.Event, pkt protocol.Packet) (bool, error) {
	if pkt.Identity != c.identity {
		return false, nil
	}
	probe, err := protocol.DecodeProbe(pkt.Payload)
	if err != nil {
		return false, nil
	}

	if probe.NeedsEcho() {
		if err := c.echo(ev); err != nil {
			return true, err
		}
	}
	if probe.Last() {
		c.handshaking = false
		c.logger.WithFields(logrus.Fields{
			"identity": c.identity,
			"probes":   c.probesAnswered,
		}).Debug("Handshake complete")
	}
	return true, nil
}

// echo returns a probe to the server unchanged.
func (c *Connection) echo(ev transport.Event) error {
	if err := c.host.Send(c.peer, ev.Channel, ev.Data, true); err != nil {
		return fmt.Errorf("echo probe: %w", err)
	}
	c.bytesSent.Add(uint64(len(ev.Data)))
	c.probesAnswered++
	return nil
}

// BytesSent returns the number of frame bytes sent.
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of frame bytes received.
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Close disconnects from the server and releases the host.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.host.Close()
	})
	return err
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
