package server

import (
	"time"

	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

// State is the lifecycle stage of a connection.
type State uint8

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session binds an identity to a live transport peer. Peer is a key into the
// host's own peer table; the session never holds transport state itself.
type Session struct {
	Identity    protocol.Identity
	Peer        transport.PeerID
	RemoteAddr  string
	State       State
	ConnectedAt time.Time
	ActivatedAt time.Time

	latencySamples int
	latencySum     time.Duration
}

// AddLatencySample adds one probe round-trip to the running average.
func (s *Session) AddLatencySample(rtt time.Duration) {
	s.latencySamples++
	s.latencySum += rtt
}

// Latency returns the average round-trip time, or zero without samples.
func (s *Session) Latency() time.Duration {
	if s.latencySamples == 0 {
		return 0
	}
	return s.latencySum / time.Duration(s.latencySamples)
}

// LatencySamples returns how many round-trips the average is built from.
func (s *Session) LatencySamples() int {
	return s.latencySamples
}

// SessionInfo is a read-only copy of a session, safe to hand out of the tick
// goroutine.
type SessionInfo struct {
	Identity       protocol.Identity `json:"identity"`
	RemoteAddr     string            `json:"remote_addr"`
	State          string            `json:"state"`
	ConnectedAt    time.Time         `json:"connected_at"`
	ActivatedAt    time.Time         `json:"activated_at"`
	Latency        time.Duration     `json:"latency_ns"`
	LatencySamples int               `json:"latency_samples"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		Identity:       s.Identity,
		RemoteAddr:     s.RemoteAddr,
		State:          s.State.String(),
		ConnectedAt:    s.ConnectedAt,
		ActivatedAt:    s.ActivatedAt,
		Latency:        s.Latency(),
		LatencySamples: s.latencySamples,
	}
}
