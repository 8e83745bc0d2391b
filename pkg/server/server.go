package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/tickserver/pkg/database"
	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

const tracerName = "github.com/aeolun/tickserver/pkg/server"

var (
	ErrInvalidChannel = errors.New("channel out of range")
	ErrAlreadyStarted = errors.New("server already started")
)

// TickFunc is the application loop, run once per tick on the tick goroutine.
type TickFunc func(tick uint64)

// ConnectFunc is asked about every new connection before the handshake
// starts. Returning false disconnects the peer without issuing an identity.
type ConnectFunc func(remoteAddr string) bool

// ActivateFunc is called when a session finishes its handshake.
type ActivateFunc func(info SessionInfo)

// DisconnectFunc is called after an active session was removed from the
// registry. reason is one of "remote_closed", "kicked" or "shutdown".
type DisconnectFunc func(info SessionInfo, reason string)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock replaces the wall clock driving the tick loop.
func WithClock(clock Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithMetrics registers the server metrics on reg.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Server) { s.metrics = NewMetrics(reg) }
}

// WithJournal records session lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithTracer sets the tracer used for per-tick spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

type callbacks struct {
	onConnect    ConnectFunc
	onActivate   ActivateFunc
	onDisconnect DisconnectFunc
}

// StartOption registers a callback for Start.
type StartOption func(*callbacks)

func OnConnect(fn ConnectFunc) StartOption {
	return func(c *callbacks) { c.onConnect = fn }
}

func OnActivate(fn ActivateFunc) StartOption {
	return func(c *callbacks) { c.onActivate = fn }
}

func OnDisconnect(fn DisconnectFunc) StartOption {
	return func(c *callbacks) { c.onDisconnect = fn }
}

// Server accepts connections on a transport host, hands every peer an
// identity and runs the application on a fixed tick.
//
// The registry, the handshakes and both queues belong to the tick goroutine.
// Send, Broadcast, ReadNextInbound, Disconnect and Sessions must only be
// called from the tick function or a callback. CurrentTick, SessionSnapshot
// and the admin HTTP handlers are safe from any goroutine.
type Server struct {
	cfg     Config
	host    transport.Host
	logger  logrus.FieldLogger
	clock   Clock
	metrics *Metrics
	journal Journal
	tracer  trace.Tracer

	registry   *Registry
	handshakes *handshaker
	inbound    *inboundQueue
	outbound   *outboundQueue

	tick          uint64
	tickFn        TickFunc
	callbacks     callbacks
	sessionsDirty bool

	started     atomic.Bool
	running     atomic.Bool
	startedAt   time.Time
	currentTick atomic.Uint64
	pending     atomic.Int64
	snapshot    atomic.Pointer[[]SessionInfo]
}

// New creates a server on an existing host. The server takes ownership of
// host and closes it on shutdown.
func New(cfg Config, host transport.Host, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if host == nil {
		return nil, errors.New("nil transport host")
	}

	s := &Server{
		cfg:     cfg,
		host:    host,
		logger:  discardLogger(),
		clock:   SystemClock(),
		journal: nopJournal{},
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	s.registry = NewRegistry(cfg.MaxClients)
	s.handshakes = newHandshaker(host, s.registry, s.clock, cfg, s.logger, s.metrics)
	s.inbound = newInboundQueue(cfg.MaxInboundQueue)
	s.outbound = newOutboundQueue(cfg.MaxOutboundQueue)

	empty := []SessionInfo{}
	s.snapshot.Store(&empty)

	return s, nil
}

// Listen creates a WebSocket host on cfg.Port and a server on top of it.
func Listen(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	host, err := transport.ListenWebSocket(fmt.Sprintf(":%d", cfg.Port), transport.WebSocketOptions{
		Path: cfg.Path,
		// Room for the channel byte on top of the largest frame
		MaxMessageSize: protocol.HeaderSize + protocol.MaxPayloadSize + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	s, err := New(cfg, host, opts...)
	if err != nil {
		host.Close()
		return nil, err
	}
	logListenBacklog(s.logger, host.Addr())
	return s, nil
}

// Start runs the tick loop until ctx is cancelled, then disconnects every
// session and closes the host. When MetricsAddr is set the admin HTTP server
// runs alongside. Start can only be called once.
func (s *Server) Start(ctx context.Context, tick TickFunc, opts ...StartOption) error {
	if tick == nil {
		return errors.New("nil tick function")
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for _, opt := range opts {
		opt(&s.callbacks)
	}
	s.tickFn = tick
	s.startedAt = s.clock.Now()

	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			s.host.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.MetricsAddr, err)
		}
		admin := &http.Server{
			Handler:           s.AdminRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.logger.WithField("addr", ln.Addr().String()).Info("Admin HTTP server listening")

		g.Go(func() error {
			if err := admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}

	if _, ok := s.host.(*transport.WebSocketHost); ok {
		g.Go(func() error {
			s.monitorListenOverflows(gctx)
			return nil
		})
	}

	g.Go(func() error {
		return s.run(gctx)
	})

	return g.Wait()
}

// Send queues p for delivery to the session owning to at the end of the tick.
func (s *Server) Send(p protocol.Packet, to protocol.Identity, reliable bool, channel uint8) error {
	if int(channel) >= s.cfg.ChannelCount {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	if _, err := s.registry.Lookup(to); err != nil {
		return err
	}
	frame, err := protocol.Serialize(p)
	if err != nil {
		return err
	}
	return s.outbound.push(outboundMessage{
		frame:    frame,
		to:       to,
		reliable: reliable,
		channel:  channel,
	})
}

// Broadcast queues p for delivery to every active session at the end of the
// tick. Sessions activated later in the same tick receive it too.
func (s *Server) Broadcast(p protocol.Packet, reliable bool, channel uint8) error {
	if int(channel) >= s.cfg.ChannelCount {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	frame, err := protocol.Serialize(p)
	if err != nil {
		return err
	}
	return s.outbound.push(outboundMessage{
		frame:     frame,
		broadcast: true,
		reliable:  reliable,
		channel:   channel,
	})
}

// ReadNextInbound pops the oldest validated message. It never blocks.
func (s *Server) ReadNextInbound() (Message, bool) {
	return s.inbound.pop()
}

// Disconnect kicks the session owning identity.
func (s *Server) Disconnect(identity protocol.Identity) error {
	sess, err := s.registry.Lookup(identity)
	if err != nil {
		return err
	}
	s.registry.Remove(sess.Peer)
	if err := s.host.Disconnect(sess.Peer); err != nil && !errors.Is(err, transport.ErrUnknownPeer) {
		s.logger.WithError(err).WithField("identity", identity).Warn("Failed to disconnect peer")
	}
	s.sessionClosed(sess, reasonKicked)
	return nil
}

// Sessions returns the active sessions in activation order.
func (s *Server) Sessions() []SessionInfo {
	active := s.registry.Sessions()
	out := make([]SessionInfo, 0, len(active))
	for _, sess := range active {
		out = append(out, sess.Info())
	}
	return out
}

// SessionSnapshot returns the sessions as of the end of the last tick.
func (s *Server) SessionSnapshot() []SessionInfo {
	return *s.snapshot.Load()
}

// CurrentTick returns the number of the most recently started tick.
func (s *Server) CurrentTick() uint64 {
	return s.currentTick.Load()
}

// Addr returns the transport host address.
func (s *Server) Addr() string {
	return s.host.Addr()
}

// Config returns the configuration the server runs with.
func (s *Server) Config() Config {
	return s.cfg
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) sessionOpened(sess *Session) {
	s.sessionsDirty = true
	info := sess.Info()

	s.logger.WithFields(logrus.Fields{
		"identity": sess.Identity,
		"peer":     sess.Peer,
		"remote":   sess.RemoteAddr,
		"latency":  info.Latency,
	}).Info("Session activated")

	s.journal.Record(database.SessionEvent{
		Kind:           database.EventOpened,
		Identity:       string(sess.Identity),
		RemoteAddr:     sess.RemoteAddr,
		Latency:        info.Latency,
		LatencySamples: info.LatencySamples,
		Tick:           s.tick,
		OccurredAt:     sess.ActivatedAt,
	})

	if s.callbacks.onActivate != nil {
		s.callbacks.onActivate(info)
	}
}

func (s *Server) sessionClosed(sess *Session, reason string) {
	s.sessionsDirty = true
	s.metrics.RecordSessionClosed(reason)

	s.logger.WithFields(logrus.Fields{
		"identity": sess.Identity,
		"peer":     sess.Peer,
		"reason":   reason,
	}).Info("Session closed")

	s.journal.Record(database.SessionEvent{
		Kind:       database.EventClosed,
		Identity:   string(sess.Identity),
		RemoteAddr: sess.RemoteAddr,
		Reason:     reason,
		Tick:       s.tick,
		OccurredAt: s.clock.Now(),
	})

	if s.callbacks.onDisconnect != nil {
		s.callbacks.onDisconnect(sess.Info(), reason)
	}
}

// rejectPeer disconnects a connection that never became active.
func (s *Server) rejectPeer(peer transport.PeerID, remoteAddr string, identity protocol.Identity, err error) {
	if derr := s.host.Disconnect(peer); derr != nil && !errors.Is(derr, transport.ErrUnknownPeer) {
		s.logger.WithError(derr).WithField("peer", peer).Warn("Failed to disconnect rejected peer")
	}
	s.recordRejection(peer, remoteAddr, identity, rejectReason(err), err)
}

func (s *Server) recordRejection(peer transport.PeerID, remoteAddr string, identity protocol.Identity, reason string, err error) {
	s.metrics.RecordHandshakeRejected(reason)

	entry := s.logger.WithFields(logrus.Fields{
		"peer":   peer,
		"remote": remoteAddr,
		"reason": reason,
	})
	if identity != "" {
		entry = entry.WithField("identity", identity)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("Connection rejected")

	s.journal.Record(database.SessionEvent{
		Kind:       database.EventRejected,
		Identity:   string(identity),
		RemoteAddr: remoteAddr,
		Reason:     reason,
		Tick:       s.tick,
		OccurredAt: s.clock.Now(),
	})
}

// publish exposes the tick goroutine's state to other goroutines.
func (s *Server) publish() {
	pending := s.handshakes.pendingCount()
	s.pending.Store(int64(pending))
	s.metrics.RecordSessionCounts(s.registry.Len(), pending)

	if s.sessionsDirty {
		infos := s.Sessions()
		s.snapshot.Store(&infos)
		s.sessionsDirty = false
	}
}
