package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrProbeMismatch    = errors.New("handshake echo does not match the assigned identity")
	ErrConnectionVetoed = errors.New("connection vetoed by connect callback")

	// errHandshakeFrameDropped marks a frame that is not part of the handshake.
	// The frame is discarded but the handshake continues.
	errHandshakeFrameDropped = errors.New("frame received before handshake completed")
)

// pendingHandshake is a connection between assignment and activation.
type pendingHandshake struct {
	session  *Session
	deadline time.Time

	probeSeq    uint64
	probeSentAt time.Time
	awaiting    bool
}

// handshaker runs the per-connection handshake: assign an identity, measure
// latency over a number of probe round-trips, then promote into the registry.
// Only the tick goroutine uses it.
type handshaker struct {
	host     transport.Host
	registry *Registry
	clock    Clock
	logger   logrus.FieldLogger
	metrics  *Metrics

	maxClients int
	probes     int
	timeout    time.Duration

	pending    map[transport.PeerID]*pendingHandshake
	identities map[protocol.Identity]transport.PeerID
}

func newHandshaker(host transport.Host, registry *Registry, clock Clock, cfg Config, logger logrus.FieldLogger, metrics *Metrics) *handshaker {
	return &handshaker{
		host:       host,
		registry:   registry,
		clock:      clock,
		logger:     logger.WithField("component", "handshake"),
		metrics:    metrics,
		maxClients: cfg.MaxClients,
		probes:     cfg.PingHandshakeAmount,
		timeout:    cfg.HandshakeTimeout,
		pending:    make(map[transport.PeerID]*pendingHandshake),
		identities: make(map[protocol.Identity]transport.PeerID),
	}
}

// hasCapacity counts in-flight handshakes as well as active sessions so a
// burst of connections cannot overshoot max_clients.
func (h *handshaker) hasCapacity() bool {
	return h.maxClients <= 0 || h.registry.Len()+len(h.pending) < h.maxClients
}

// newIdentity returns an identity not held by any live or pending session.
func (h *handshaker) newIdentity() protocol.Identity {
	for {
		id := protocol.NewIdentity()
		if _, err := h.registry.Lookup(id); err == nil {
			continue
		}
		if _, ok := h.identities[id]; ok {
			continue
		}
		return id
	}
}

// begin starts the handshake for a freshly connected peer. It returns the
// session when it is promoted right away (no probes configured). On error the
// caller disconnects the peer; no state is left behind.
func (h *handshaker) begin(peer transport.PeerID, remoteAddr string) (*Session, error) {
	if _, ok := h.pending[peer]; ok {
		return nil, fmt.Errorf("handshake for peer %d: %w", peer, ErrDuplicatePeer)
	}
	if !h.hasCapacity() {
		return nil, ErrRegistryFull
	}

	now := h.clock.Now()
	s := &Session{
		Identity:    h.newIdentity(),
		Peer:        peer,
		RemoteAddr:  remoteAddr,
		State:       StateConnecting,
		ConnectedAt: now,
	}

	// The assignment frame bypasses the outbound queue so it always
	// precedes any other traffic to this peer.
	frame, err := protocol.Serialize(protocol.Packet{Identity: s.Identity})
	if err != nil {
		return nil, err
	}
	if err := h.host.Send(peer, protocol.ChannelReliable, frame, true); err != nil {
		return nil, fmt.Errorf("send assignment: %w", err)
	}
	h.metrics.RecordFrameSent("assignment")

	s.State = StateHandshaking
	p := &pendingHandshake{session: s, deadline: now.Add(h.timeout)}

	if h.probes <= 0 {
		// The notice ends the client's handshake before any application
		// frame reaches it.
		if err := h.sendActivation(s); err != nil {
			return nil, err
		}
		if err := h.promote(p); err != nil {
			return nil, err
		}
		return s, nil
	}

	h.pending[peer] = p
	h.identities[s.Identity] = peer
	if err := h.sendProbe(p); err != nil {
		h.forget(peer)
		return nil, err
	}
	return nil, nil
}

func (h *handshaker) sendProbe(p *pendingHandshake) error {
	p.probeSeq++
	p.probeSentAt = h.clock.Now()
	p.awaiting = true

	frame, err := protocol.Serialize(protocol.Packet{
		Identity: p.session.Identity,
		Payload: protocol.EncodeProbe(protocol.Probe{
			Sequence: p.probeSeq,
			Total:    uint32(h.probes),
			SentAt:   p.probeSentAt,
		}),
	})
	if err != nil {
		return err
	}
	if err := h.host.Send(p.session.Peer, protocol.ChannelReliable, frame, true); err != nil {
		return fmt.Errorf("send probe %d: %w", p.probeSeq, err)
	}
	h.metrics.RecordFrameSent("probe")
	return nil
}

// sendActivation tells a client that its session is active without probing.
func (h *handshaker) sendActivation(s *Session) error {
	frame, err := protocol.Serialize(protocol.Packet{
		Identity: s.Identity,
		Payload:  protocol.EncodeProbe(protocol.Probe{SentAt: h.clock.Now()}),
	})
	if err != nil {
		return err
	}
	if err := h.host.Send(s.Peer, protocol.ChannelReliable, frame, true); err != nil {
		return fmt.Errorf("send activation: %w", err)
	}
	h.metrics.RecordFrameSent("activation")
	return nil
}

// receive handles a frame from a handshaking peer. A matching probe echo adds
// a latency sample and either sends the next probe or promotes the session,
// which is then returned.
func (h *handshaker) receive(peer transport.PeerID, pkt protocol.Packet) (*Session, error) {
	p, ok := h.pending[peer]
	if !ok {
		return nil, fmt.Errorf("handshake for peer %d: %w", peer, transport.ErrUnknownPeer)
	}

	// Anything but the echo of the outstanding probe is dropped, including
	// frames still stamped with the unassigned identity.
	probe, err := protocol.DecodeProbe(pkt.Payload)
	if err != nil || pkt.Identity.IsDefault() || !p.awaiting || probe.Sequence != p.probeSeq {
		return nil, errHandshakeFrameDropped
	}
	if pkt.Identity != p.session.Identity {
		h.forget(peer)
		return nil, fmt.Errorf("%w: claimed %s", ErrProbeMismatch, pkt.Identity)
	}

	rtt := h.clock.Now().Sub(p.probeSentAt)
	if rtt < 0 {
		rtt = 0
	}
	p.session.AddLatencySample(rtt)
	p.awaiting = false

	h.logger.WithFields(logrus.Fields{
		"peer":     peer,
		"identity": p.session.Identity,
		"sample":   p.session.LatencySamples(),
		"rtt":      rtt,
	}).Debug("Handshake probe answered")

	if p.session.LatencySamples() < h.probes {
		if err := h.sendProbe(p); err != nil {
			h.forget(peer)
			return nil, err
		}
		return nil, nil
	}

	h.forget(peer)
	if err := h.promote(p); err != nil {
		return nil, err
	}
	return p.session, nil
}

func (h *handshaker) promote(p *pendingHandshake) error {
	p.session.ActivatedAt = h.clock.Now()
	if err := h.registry.insert(p.session); err != nil {
		return fmt.Errorf("promote %s: %w", p.session.Identity, err)
	}
	h.metrics.RecordSessionCreated(p.session.Latency(), p.session.LatencySamples() > 0)
	return nil
}

// expire removes every handshake whose deadline has passed and returns them.
func (h *handshaker) expire(now time.Time) []*Session {
	var expired []*Session
	for peer, p := range h.pending {
		if now.Before(p.deadline) {
			continue
		}
		h.forget(peer)
		p.session.State = StateDisconnected
		expired = append(expired, p.session)
	}
	return expired
}

// abandon drops the handshake of peer, if any.
func (h *handshaker) abandon(peer transport.PeerID) (*Session, bool) {
	p, ok := h.pending[peer]
	if !ok {
		return nil, false
	}
	h.forget(peer)
	p.session.State = StateDisconnected
	return p.session, true
}

func (h *handshaker) forget(peer transport.PeerID) {
	if p, ok := h.pending[peer]; ok {
		delete(h.identities, p.session.Identity)
		delete(h.pending, peer)
	}
}

func (h *handshaker) isPending(peer transport.PeerID) bool {
	_, ok := h.pending[peer]
	return ok
}

func (h *handshaker) pendingCount() int {
	return len(h.pending)
}

// peers returns every pending peer.
func (h *handshaker) peers() []transport.PeerID {
	out := make([]transport.PeerID, 0, len(h.pending))
	for peer := range h.pending {
		out = append(out, peer)
	}
	return out
}

// rejectReason maps a handshake error to its metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrConnectionVetoed):
		return reasonVetoed
	case errors.Is(err, ErrRegistryFull):
		return reasonCapacity
	case errors.Is(err, ErrHandshakeTimeout):
		return reasonTimeout
	case errors.Is(err, ErrProbeMismatch):
		return reasonProbeMismatch
	default:
		return reasonSendError
	}
}
