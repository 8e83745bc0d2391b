package server

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

var (
	ErrDuplicateIdentity = errors.New("identity already registered")
	ErrDuplicatePeer     = errors.New("peer already registered")
	ErrRegistryFull      = errors.New("session registry is full")
	ErrSessionNotFound   = errors.New("session not found")
)

// Registry owns the active sessions, indexed by identity and by peer.
//
// It is not safe for concurrent use: only the tick goroutine touches it.
type Registry struct {
	capacity   int
	byIdentity map[protocol.Identity]*Session
	byPeer     map[transport.PeerID]*Session
	order      []*Session // activation order
}

// NewRegistry creates a registry holding at most capacity sessions.
// A capacity of zero or less is unlimited.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity:   capacity,
		byIdentity: make(map[protocol.Identity]*Session),
		byPeer:     make(map[transport.PeerID]*Session),
	}
}

// Register creates an active session for identity on peer.
func (r *Registry) Register(identity protocol.Identity, peer transport.PeerID, remoteAddr string) (*Session, error) {
	s := &Session{
		Identity:   identity,
		Peer:       peer,
		RemoteAddr: remoteAddr,
	}
	if err := r.insert(s); err != nil {
		return nil, err
	}
	return s, nil
}

// insert adds a fully built session and marks it active.
func (r *Registry) insert(s *Session) error {
	if s.Identity.IsDefault() {
		return fmt.Errorf("register %q: %w", s.Identity, protocol.ErrInvalidIdentity)
	}
	if _, ok := r.byIdentity[s.Identity]; ok {
		return fmt.Errorf("register %s: %w", s.Identity, ErrDuplicateIdentity)
	}
	if _, ok := r.byPeer[s.Peer]; ok {
		return fmt.Errorf("register peer %d: %w", s.Peer, ErrDuplicatePeer)
	}
	if r.Full() {
		return ErrRegistryFull
	}

	s.State = StateActive
	r.byIdentity[s.Identity] = s
	r.byPeer[s.Peer] = s
	r.order = append(r.order, s)
	return nil
}

// Lookup returns the session owning identity.
func (r *Registry) Lookup(identity protocol.Identity) (*Session, error) {
	s, ok := r.byIdentity[identity]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", identity, ErrSessionNotFound)
	}
	return s, nil
}

// LookupPeer returns the session bound to peer.
func (r *Registry) LookupPeer(peer transport.PeerID) (*Session, bool) {
	s, ok := r.byPeer[peer]
	return s, ok
}

// Validate reports whether identity belongs to a live session on peer. A
// remote party can claim any identity in a frame but cannot choose the peer
// its data arrives from.
func (r *Registry) Validate(identity protocol.Identity, peer transport.PeerID) bool {
	s, ok := r.byIdentity[identity]
	return ok && s.Peer == peer
}

// Remove deletes the session bound to peer. Removing an unknown peer is a
// no-op.
func (r *Registry) Remove(peer transport.PeerID) (*Session, bool) {
	s, ok := r.byPeer[peer]
	if !ok {
		return nil, false
	}
	delete(r.byPeer, peer)
	delete(r.byIdentity, s.Identity)
	if i := slices.Index(r.order, s); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	s.State = StateDisconnected
	return s, true
}

// Sessions returns the active sessions in activation order. The slice is
// shared; callers must not modify it or keep it across a Remove.
func (r *Registry) Sessions() []*Session {
	return r.order
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	return len(r.order)
}

// Capacity returns the maximum number of sessions, zero when unlimited.
func (r *Registry) Capacity() int {
	if r.capacity < 0 {
		return 0
	}
	return r.capacity
}

// Full reports whether no further session can be registered.
func (r *Registry) Full() bool {
	return r.capacity > 0 && len(r.order) >= r.capacity
}
