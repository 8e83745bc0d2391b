// Package transport defines the host/peer/event primitive the session engine
// is built on, together with two implementations: a WebSocket host backed by
// gorilla/websocket and an in-process memory network.
//
// A Host owns its peers. Callers only ever hold a PeerID, an opaque key that
// is never reused by the same host, so a key that outlives its peer simply
// fails lookup with ErrUnknownPeer.
package transport

import (
	"errors"
	"time"
)

var (
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrHostClosed        = errors.New("host closed")
	ErrHostFull          = errors.New("host has no free peer slots")
	ErrAddressInUse      = errors.New("address already in use")
	ErrConnectionRefused = errors.New("connection refused")
)

// PeerID identifies a peer within a single Host. Zero is never assigned.
type PeerID uint64

// EventType is the kind of a transport event.
type EventType uint8

const (
	EventNone EventType = iota
	EventConnect
	EventReceive
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventConnect:
		return "connect"
	case EventReceive:
		return "receive"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is produced by Host.Service. Data is only set for EventReceive and is
// owned by the receiver.
type Event struct {
	Type       EventType
	Peer       PeerID
	RemoteAddr string
	Channel    uint8
	Data       []byte
}

// Host is a transport endpoint: a listening server or a dialed client.
//
// Events for a given peer are delivered in order: connect, receives,
// disconnect. Disconnecting a peer from the local side does not produce an
// EventDisconnect; only remote closes do.
type Host interface {
	// Service returns the next pending event, waiting up to timeout for one.
	// It returns an event of type EventNone when nothing arrived in time.
	Service(timeout time.Duration) (Event, error)

	// Send queues data for peer on channel. Hosts that only offer reliable
	// delivery treat unreliable sends as reliable.
	Send(peer PeerID, channel uint8, data []byte, reliable bool) error

	// Disconnect closes the connection to peer.
	Disconnect(peer PeerID) error

	// Addr returns the local address of the host.
	Addr() string

	// Close disconnects every peer and releases the host.
	Close() error
}

// waitTimer returns a channel that fires after timeout, and a stop func.
func waitTimer(timeout time.Duration) (<-chan time.Time, func()) {
	timer := time.NewTimer(timeout)
	return timer.C, func() { timer.Stop() }
}
