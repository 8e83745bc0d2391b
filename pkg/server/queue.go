package server

import (
	"errors"
	"time"

	"github.com/eapache/queue"

	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

var ErrOutboundQueueFull = errors.New("outbound queue is full")

// Message is a validated inbound packet waiting for the application.
type Message struct {
	Identity   protocol.Identity
	Packet     protocol.Packet
	Peer       transport.PeerID
	Channel    uint8
	Tick       uint64 // tick during which the frame was received
	ReceivedAt time.Time
}

// inboundQueue is a FIFO of validated messages. When bounded it drops the
// oldest entry to make room, so a stalled reader sees the freshest backlog.
type inboundQueue struct {
	q     *queue.Queue
	limit int
}

func newInboundQueue(limit int) *inboundQueue {
	return &inboundQueue{q: queue.New(), limit: limit}
}

// push appends m and reports whether an older message was evicted.
func (iq *inboundQueue) push(m Message) (evicted bool) {
	if iq.limit > 0 && iq.q.Length() >= iq.limit {
		iq.q.Remove()
		evicted = true
	}
	iq.q.Add(m)
	return evicted
}

func (iq *inboundQueue) pop() (Message, bool) {
	if iq.q.Length() == 0 {
		return Message{}, false
	}
	return iq.q.Remove().(Message), true
}

func (iq *inboundQueue) len() int {
	return iq.q.Length()
}

// outboundMessage is a frame queued by Send or Broadcast. The frame is
// serialized at enqueue time and owned by the queue entry.
type outboundMessage struct {
	frame     []byte
	to        protocol.Identity
	broadcast bool
	reliable  bool
	channel   uint8
}

// outboundQueue is a FIFO of frames flushed at the end of every tick. When
// bounded, pushes beyond the limit fail instead of dropping queued frames.
type outboundQueue struct {
	q     *queue.Queue
	limit int
}

func newOutboundQueue(limit int) *outboundQueue {
	return &outboundQueue{q: queue.New(), limit: limit}
}

func (oq *outboundQueue) push(m outboundMessage) error {
	if oq.limit > 0 && oq.q.Length() >= oq.limit {
		return ErrOutboundQueueFull
	}
	oq.q.Add(m)
	return nil
}

func (oq *outboundQueue) pop() (outboundMessage, bool) {
	if oq.q.Length() == 0 {
		return outboundMessage{}, false
	}
	return oq.q.Remove().(outboundMessage), true
}

func (oq *outboundQueue) len() int {
	return oq.q.Length()
}
