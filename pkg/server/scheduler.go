package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

// run is the tick loop. Ticks are never skipped: a tick that starts late is
// reported and the next one is scheduled from its actual start.
func (s *Server) run(ctx context.Context) error {
	interval := s.cfg.TickInterval()
	logger := s.logger.WithField("component", "scheduler")

	s.running.Store(true)
	defer s.running.Store(false)

	logger.WithFields(logrus.Fields{
		"addr":      s.host.Addr(),
		"tick_rate": s.cfg.TickRate,
		"interval":  interval,
	}).Info("Tick loop started")

	var prevStart time.Time
	for {
		if ctx.Err() != nil {
			break
		}

		if !prevStart.IsZero() {
			elapsed := s.clock.Now().Sub(prevStart)
			if elapsed < interval {
				if err := s.clock.Sleep(ctx, interval-elapsed); err != nil {
					break
				}
			} else if behind := elapsed - interval; behind > 0 {
				logger.WithFields(logrus.Fields{
					"tick":   s.tick + 1,
					"behind": behind,
					"budget": interval,
				}).Warn("Tick started behind schedule")
				s.metrics.RecordOverrun(behind)
			}
		}

		prevStart = s.clock.Now()
		if err := s.step(ctx, prevStart); err != nil {
			s.shutdown()
			return err
		}
	}

	s.shutdown()
	logger.WithField("ticks", s.tick).Info("Tick loop stopped")
	return nil
}

// step runs one tick: expire handshakes, drain transport events, run the
// application, then flush everything it queued.
func (s *Server) step(ctx context.Context, start time.Time) error {
	s.tick++
	s.currentTick.Store(s.tick)

	_, span := s.tracer.Start(ctx, "tick", trace.WithAttributes(attribute.Int64("tick", int64(s.tick))))
	defer span.End()

	for _, sess := range s.handshakes.expire(start) {
		s.rejectPeer(sess.Peer, sess.RemoteAddr, sess.Identity, ErrHandshakeTimeout)
	}

	if err := s.drainEvents(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return err
	}

	s.tickFn(s.tick)

	s.metrics.RecordQueueDepths(s.inbound.len(), s.outbound.len())
	s.flush()
	s.publish()

	s.metrics.RecordTick(s.tick, s.clock.Now().Sub(start))
	return nil
}

func (s *Server) drainEvents() error {
	for {
		ev, err := s.host.Service(0)
		if err != nil {
			return fmt.Errorf("service host: %w", err)
		}

		switch ev.Type {
		case transport.EventNone:
			return nil
		case transport.EventConnect:
			s.handleConnect(ev)
		case transport.EventReceive:
			s.handleReceive(ev)
		case transport.EventDisconnect:
			s.handleDisconnect(ev)
		}
	}
}

func (s *Server) handleConnect(ev transport.Event) {
	if s.callbacks.onConnect != nil && !s.callbacks.onConnect(ev.RemoteAddr) {
		s.rejectPeer(ev.Peer, ev.RemoteAddr, "", ErrConnectionVetoed)
		return
	}

	sess, err := s.handshakes.begin(ev.Peer, ev.RemoteAddr)
	if err != nil {
		s.rejectPeer(ev.Peer, ev.RemoteAddr, "", err)
		return
	}
	if sess != nil {
		s.sessionOpened(sess)
	}
}

func (s *Server) handleReceive(ev transport.Event) {
	if int(ev.Channel) >= s.cfg.ChannelCount {
		s.dropInbound(ev, reasonInvalidChannel, nil)
		return
	}

	pkt, err := protocol.Deserialize(ev.Data)
	if err != nil {
		s.dropInbound(ev, reasonFraming, err)
		return
	}

	if s.handshakes.isPending(ev.Peer) {
		sess, err := s.handshakes.receive(ev.Peer, pkt)
		switch {
		case errors.Is(err, errHandshakeFrameDropped):
			s.dropInbound(ev, reasonHandshaking, nil)
		case err != nil:
			s.rejectPeer(ev.Peer, ev.RemoteAddr, pkt.Identity, err)
		case sess != nil:
			s.sessionOpened(sess)
		}
		return
	}

	// Frames still in flight from a peer that was just kicked, rejected or
	// expired.
	if _, ok := s.registry.LookupPeer(ev.Peer); !ok {
		s.dropInbound(ev, reasonUnknownPeer, nil)
		return
	}

	// A mismatched frame is dropped but never costs the peer its connection,
	// otherwise a third party could get a legitimate session kicked.
	if !s.registry.Validate(pkt.Identity, ev.Peer) {
		s.metrics.RecordInboundDropped(reasonIdentityMismatch)
		s.logger.WithFields(logrus.Fields{
			"peer":    ev.Peer,
			"remote":  ev.RemoteAddr,
			"claimed": pkt.Identity,
		}).Warn("Dropping frame with mismatched identity")
		return
	}

	evicted := s.inbound.push(Message{
		Identity:   pkt.Identity,
		Packet:     pkt,
		Peer:       ev.Peer,
		Channel:    ev.Channel,
		Tick:       s.tick,
		ReceivedAt: s.clock.Now(),
	})
	if evicted {
		s.metrics.RecordInboundDropped(reasonOverflow)
		s.logger.WithFields(logrus.Fields{
			"limit": s.cfg.MaxInboundQueue,
			"tick":  s.tick,
		}).Warn("Inbound queue full, dropped oldest message")
	}
}

func (s *Server) dropInbound(ev transport.Event, reason string, err error) {
	s.metrics.RecordInboundDropped(reason)
	entry := s.logger.WithFields(logrus.Fields{
		"peer":    ev.Peer,
		"channel": ev.Channel,
		"bytes":   len(ev.Data),
		"reason":  reason,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Dropping inbound frame")
}

func (s *Server) handleDisconnect(ev transport.Event) {
	if sess, ok := s.handshakes.abandon(ev.Peer); ok {
		s.recordRejection(ev.Peer, sess.RemoteAddr, sess.Identity, reasonRemoteClosed, nil)
		return
	}

	sess, ok := s.registry.Remove(ev.Peer)
	if !ok {
		// Already removed locally, or rejected before activation
		s.logger.WithField("peer", ev.Peer).Debug("Disconnect for unknown peer")
		return
	}
	s.sessionClosed(sess, reasonRemoteClosed)
}

// flush sends every queued frame in enqueue order. The queue is empty
// afterwards.
func (s *Server) flush() {
	for {
		m, ok := s.outbound.pop()
		if !ok {
			return
		}

		if m.broadcast {
			sessions := s.registry.Sessions()
			for _, sess := range sessions {
				s.deliver(sess, m, "broadcast")
			}
			s.metrics.RecordBroadcastFanout(len(sessions))
			continue
		}

		sess, err := s.registry.Lookup(m.to)
		if err != nil {
			// Kicked after the frame was queued
			s.logger.WithField("identity", m.to).Debug("Dropping frame for closed session")
			continue
		}
		s.deliver(sess, m, "send")
	}
}

func (s *Server) deliver(sess *Session, m outboundMessage, kind string) {
	if err := s.host.Send(sess.Peer, m.channel, m.frame, m.reliable); err != nil {
		s.metrics.RecordSendError()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"identity": sess.Identity,
			"peer":     sess.Peer,
		}).Warn("Failed to send frame")
		return
	}
	s.metrics.RecordFrameSent(kind)
}

// shutdown disconnects everything and closes the host.
func (s *Server) shutdown() {
	for _, peer := range s.handshakes.peers() {
		sess, _ := s.handshakes.abandon(peer)
		if err := s.host.Disconnect(peer); err != nil && !errors.Is(err, transport.ErrUnknownPeer) {
			s.logger.WithError(err).WithField("peer", peer).Debug("Failed to disconnect handshaking peer")
		}
		s.recordRejection(peer, sess.RemoteAddr, sess.Identity, reasonShutdown, nil)
	}

	for _, sess := range slices.Clone(s.registry.Sessions()) {
		s.registry.Remove(sess.Peer)
		if err := s.host.Disconnect(sess.Peer); err != nil && !errors.Is(err, transport.ErrUnknownPeer) {
			s.logger.WithError(err).WithField("peer", sess.Peer).Debug("Failed to disconnect peer")
		}
		s.sessionClosed(sess, reasonShutdown)
	}

	s.publish()

	if err := s.host.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close transport host")
	}
}
