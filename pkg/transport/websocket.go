package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketOptions configures a WebSocket host.
type WebSocketOptions struct {
	// Path the upgrade handler is mounted on (default "/ws").
	Path string
	// MaxPeers caps concurrent peers; further upgrades get 503. Zero is unlimited.
	MaxPeers int
	// MaxMessageSize bounds a single inbound message including the channel byte.
	MaxMessageSize int64
	// WriteTimeout bounds a single outbound write.
	WriteTimeout time.Duration
	// EventBuffer is the capacity of the event channel. Readers block when it
	// is full, which pushes back on the remote through TCP.
	EventBuffer int
}

// DefaultWebSocketOptions returns sensible defaults.
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		Path:           "/ws",
		MaxMessageSize: 1024*1024 + 64,
		WriteTimeout:   5 * time.Second,
		EventBuffer:    4096,
	}
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	d := DefaultWebSocketOptions()
	if o.Path == "" {
		o.Path = d.Path
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// wsPeer wraps a single websocket connection with write synchronization.
type wsPeer struct {
	id     PeerID
	conn   *websocket.Conn
	remote string

	writeMu sync.Mutex
}

func (p *wsPeer) write(channel uint8, data []byte, timeout time.Duration) error {
	msg := make([]byte, 1+len(data))
	msg[0] = channel
	copy(msg[1:], data)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// WebSocketHost is a Host over WebSocket connections. Every binary message is
// [Channel (1 byte)][Data (N bytes)]. WebSocket streams are always reliable
// and ordered, so unreliable sends are delivered reliably.
type WebSocketHost struct {
	opts     WebSocketOptions
	upgrader websocket.Upgrader
	srv      *http.Server
	addr     string

	mu       sync.Mutex
	peers    map[PeerID]*wsPeer
	nextPeer PeerID
	shutdown bool

	serveErr atomic.Value

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Host = (*WebSocketHost)(nil)

func newWebSocketHost(opts WebSocketOptions) *WebSocketHost {
	opts = opts.withDefaults()
	return &WebSocketHost{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Game clients are not browsers bound to an origin
				return true
			},
		},
		peers:  make(map[PeerID]*wsPeer),
		events: make(chan Event, opts.EventBuffer),
		closed: make(chan struct{}),
	}
}

// ListenWebSocket starts a WebSocket host on addr (e.g. ":8080").
func ListenWebSocket(addr string, opts WebSocketOptions) (*WebSocketHost, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	h := newWebSocketHost(opts)
	h.addr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc(h.opts.Path, h.handleUpgrade)
	h.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.serveErr.Store(err)
		}
	}()

	return h, nil
}

// DialWebSocket connects to a WebSocket host at url. The returned host has a
// single peer, the server, announced through an EventConnect.
func DialWebSocket(ctx context.Context, url string, opts WebSocketOptions) (*WebSocketHost, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	h := newWebSocketHost(opts)
	h.addr = conn.LocalAddr().String()
	h.adopt(conn, conn.RemoteAddr().String())
	return h, nil
}

func (h *WebSocketHost) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.full() {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error
		return
	}
	h.adopt(conn, r.RemoteAddr)
}

func (h *WebSocketHost) full() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts.MaxPeers > 0 && len(h.peers) >= h.opts.MaxPeers
}

// adopt registers conn as a peer, announces it and starts its read loop.
func (h *WebSocketHost) adopt(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(h.opts.MaxMessageSize)

	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.nextPeer++
	p := &wsPeer{id: h.nextPeer, conn: conn, remote: remote}
	h.peers[p.id] = p
	h.wg.Add(1)
	h.mu.Unlock()

	// The connect event is queued before the read loop starts so that it
	// always precedes the peer's data.
	if !h.emit(Event{Type: EventConnect, Peer: p.id, RemoteAddr: remote}) {
		conn.Close()
		h.wg.Done()
		return
	}

	go h.readLoop(p)
}

func (h *WebSocketHost) readLoop(p *wsPeer) {
	defer h.wg.Done()

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			// A peer removed by Disconnect or Close was closed locally and
			// must not produce an event.
			if h.remove(p.id) {
				p.conn.Close()
				h.emit(Event{Type: EventDisconnect, Peer: p.id, RemoteAddr: p.remote})
			}
			return
		}

		// We only accept binary messages carrying a channel byte
		if messageType != websocket.BinaryMessage || len(data) < 1 {
			continue
		}

		if !h.emit(Event{
			Type:       EventReceive,
			Peer:       p.id,
			RemoteAddr: p.remote,
			Channel:    data[0],
			Data:       data[1:],
		}) {
			return
		}
	}
}

// emit queues an event, giving up when the host closes.
func (h *WebSocketHost) emit(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.closed:
		return false
	}
}

func (h *WebSocketHost) remove(id PeerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[id]; !ok {
		return false
	}
	delete(h.peers, id)
	return true
}

func (h *WebSocketHost) peer(id PeerID) (*wsPeer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[id]
	return p, ok
}

// Service implements Host.
func (h *WebSocketHost) Service(timeout time.Duration) (Event, error) {
	select {
	case ev := <-h.events:
		return ev, nil
	case <-h.closed:
		return Event{}, ErrHostClosed
	default:
	}

	if timeout <= 0 {
		return Event{}, nil
	}

	timerC, stop := waitTimer(timeout)
	defer stop()

	select {
	case ev := <-h.events:
		return ev, nil
	case <-h.closed:
		return Event{}, ErrHostClosed
	case <-timerC:
		return Event{}, nil
	}
}

// Send implements Host. Delivery is always reliable.
func (h *WebSocketHost) Send(peer PeerID, channel uint8, data []byte, reliable bool) error {
	p, ok := h.peer(peer)
	if !ok {
		return fmt.Errorf("send to peer %d: %w", peer, ErrUnknownPeer)
	}
	if err := p.write(channel, data, h.opts.WriteTimeout); err != nil {
		return fmt.Errorf("send to peer %d: %w", peer, err)
	}
	return nil
}

// Disconnect implements Host.
func (h *WebSocketHost) Disconnect(peer PeerID) error {
	p, ok := h.peer(peer)
	if !ok || !h.remove(peer) {
		return fmt.Errorf("disconnect peer %d: %w", peer, ErrUnknownPeer)
	}
	closeLocal(p, h.opts.WriteTimeout)
	return nil
}

func closeLocal(p *wsPeer, timeout time.Duration) {
	p.writeMu.Lock()
	_ = p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(timeout),
	)
	p.writeMu.Unlock()
	p.conn.Close()
}

// Err returns the error that stopped the HTTP listener, if any.
func (h *WebSocketHost) Err() error {
	if err, ok := h.serveErr.Load().(error); ok {
		return err
	}
	return nil
}

// Addr implements Host.
func (h *WebSocketHost) Addr() string {
	return h.addr
}

// URL returns the ws:// URL clients should dial.
func (h *WebSocketHost) URL() string {
	return "ws://" + h.addr + h.opts.Path
}

// Close implements Host.
func (h *WebSocketHost) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)

		if h.srv != nil {
			err = h.srv.Close()
		}

		h.mu.Lock()
		h.shutdown = true
		peers := h.peers
		h.peers = make(map[PeerID]*wsPeer)
		h.mu.Unlock()

		for _, p := range peers {
			closeLocal(p, time.Second)
		}
		h.wg.Wait()
	})
	return err
}
