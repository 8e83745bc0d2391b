package transport

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultUnreliableBacklog is the number of pending events above which a
// memory host starts dropping unreliable sends.
const DefaultUnreliableBacklog = 1024

// MemoryNetwork is an in-process network of MemoryHosts, addressed by name.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryHost
	clients   atomic.Uint64
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]*MemoryHost),
	}
}

// Listen creates a host accepting up to maxPeers connections on addr.
// A maxPeers of zero means unlimited.
func (n *MemoryNetwork) Listen(addr string, maxPeers int) (*MemoryHost, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddressInUse)
	}
	h := newMemoryHost(n, addr, maxPeers)
	h.listening = true
	n.listeners[addr] = h
	return h, nil
}

// Dial connects a new client host to the listener at addr. Both sides
// observe an EventConnect.
func (n *MemoryNetwork) Dial(addr string) (*MemoryHost, error) {
	n.mu.Lock()
	server, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrConnectionRefused)
	}

	client := newMemoryHost(n, fmt.Sprintf("mem-client-%d", n.clients.Add(1)), 1)

	serverSide, err := server.reserve(client, client.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	clientSide, err := client.reserve(server, addr)
	if err != nil {
		server.drop(serverSide, false)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Both links must be complete before either side can observe the
	// connection, otherwise an immediate send would target peer zero.
	server.link(serverSide, clientSide)
	client.link(clientSide, serverSide)
	return client, nil
}

func (n *MemoryNetwork) unlisten(h *MemoryHost) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[h.addr] == h {
		delete(n.listeners, h.addr)
	}
}

type memoryLink struct {
	remote     *MemoryHost
	remotePeer PeerID // our id in the remote host's peer table
	remoteAddr string
}

// MemoryHost is a Host whose peers live in the same process.
type MemoryHost struct {
	network   *MemoryNetwork
	addr      string
	maxPeers  int
	listening bool

	// UnreliableBacklog bounds pending events before unreliable sends are dropped.
	UnreliableBacklog int

	mu       sync.Mutex
	peers    map[PeerID]*memoryLink
	nextPeer PeerID
	events   []Event
	closed   bool
	notify   chan struct{}
}

var _ Host = (*MemoryHost)(nil)

func newMemoryHost(n *MemoryNetwork, addr string, maxPeers int) *MemoryHost {
	return &MemoryHost{
		network:           n,
		addr:              addr,
		maxPeers:          maxPeers,
		UnreliableBacklog: DefaultUnreliableBacklog,
		peers:             make(map[PeerID]*memoryLink),
		notify:            make(chan struct{}, 1),
	}
}

// reserve allocates a peer slot for remote without announcing it.
func (h *MemoryHost) reserve(remote *MemoryHost, remoteAddr string) (PeerID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHostClosed
	}
	if h.maxPeers > 0 && len(h.peers) >= h.maxPeers {
		return 0, ErrHostFull
	}
	h.nextPeer++
	id := h.nextPeer
	h.peers[id] = &memoryLink{remote: remote, remoteAddr: remoteAddr}
	return id, nil
}

// link completes the reserved slot and queues the connect event.
func (h *MemoryHost) link(id, remotePeer PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.peers[id]
	if !ok {
		return
	}
	l.remotePeer = remotePeer
	h.pushLocked(Event{Type: EventConnect, Peer: id, RemoteAddr: l.remoteAddr})
}

func (h *MemoryHost) pushLocked(ev Event) {
	h.events = append(h.events, ev)
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *MemoryHost) deliver(ev Event, reliable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	if _, ok := h.peers[ev.Peer]; !ok {
		return
	}
	if !reliable && len(h.events) >= h.UnreliableBacklog {
		return
	}
	h.pushLocked(ev)
}

// drop removes peer. When notify is set the peer sees a disconnect event.
func (h *MemoryHost) drop(peer PeerID, notify bool) {
	h.mu.Lock()
	_, ok := h.peers[peer]
	delete(h.peers, peer)
	if ok && notify {
		h.pushLocked(Event{Type: EventDisconnect, Peer: peer})
	}
	h.mu.Unlock()
}

// Service implements Host.
func (h *MemoryHost) Service(timeout time.Duration) (Event, error) {
	var (
		timerC <-chan time.Time
		stop   func()
	)
	for {
		h.mu.Lock()
		if len(h.events) > 0 {
			ev := h.events[0]
			h.events[0] = Event{}
			h.events = h.events[1:]
			h.mu.Unlock()
			if stop != nil {
				stop()
			}
			return ev, nil
		}
		closed := h.closed
		h.mu.Unlock()

		if closed {
			return Event{}, ErrHostClosed
		}
		if timeout <= 0 {
			return Event{}, nil
		}
		if timerC == nil {
			timerC, stop = waitTimer(timeout)
		}
		select {
		case <-h.notify:
		case <-timerC:
			return Event{}, nil
		}
	}
}

// Send implements Host.
func (h *MemoryHost) Send(peer PeerID, channel uint8, data []byte, reliable bool) error {
	h.mu.Lock()
	link, ok := h.peers[peer]
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return ErrHostClosed
	}
	if !ok {
		return fmt.Errorf("send to peer %d: %w", peer, ErrUnknownPeer)
	}

	link.remote.deliver(Event{
		Type:       EventReceive,
		Peer:       link.remotePeer,
		RemoteAddr: h.addr,
		Channel:    channel,
		Data:       bytes.Clone(data),
	}, reliable)
	return nil
}

// Disconnect implements Host.
func (h *MemoryHost) Disconnect(peer PeerID) error {
	h.mu.Lock()
	link, ok := h.peers[peer]
	delete(h.peers, peer)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("disconnect peer %d: %w", peer, ErrUnknownPeer)
	}
	link.remote.drop(link.remotePeer, true)
	return nil
}

// Addr implements Host.
func (h *MemoryHost) Addr() string {
	return h.addr
}

// PeerCount returns the number of connected peers.
func (h *MemoryHost) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close implements Host.
func (h *MemoryHost) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	links := h.peers
	h.peers = make(map[PeerID]*memoryLink)
	h.events = nil
	h.mu.Unlock()

	for _, link := range links {
		link.remote.drop(link.remotePeer, true)
	}
	if h.listening {
		h.network.unlisten(h)
	}
	// Wake a blocked Service call.
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return nil
}
