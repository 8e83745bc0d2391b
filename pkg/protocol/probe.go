package protocol

import (
	"bytes"
	"errors"
	"time"
)

// Handshake probes measure round-trip latency before a session becomes
// active. The server sends a probe; the client echoes the payload unchanged.
// Format: [Magic "SNWP" (4 bytes)][Sequence (uint64)][Total (uint32)][SentAt unix nanos (int64)]
//
// Total is the number of probes in the handshake, so the client knows the
// probe with Sequence == Total is the last one. A probe with Total 0 is an
// activation notice sent when probing is disabled and is not echoed.
const ProbeSize = 4 + 8 + 4 + 8

var probeMagic = []byte("SNWP")

var ErrNotProbe = errors.New("payload is not a handshake probe")

// Probe is the payload of a handshake latency probe.
type Probe struct {
	Sequence uint64
	Total    uint32
	SentAt   time.Time
}

// Last reports whether p ends the handshake.
func (p Probe) Last() bool {
	return p.Sequence >= uint64(p.Total)
}

// NeedsEcho reports whether the client must send p back.
func (p Probe) NeedsEcho() bool {
	return p.Total > 0
}

// EncodeProbe returns the probe payload.
func EncodeProbe(p Probe) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, ProbeSize))
	buf.Write(probeMagic)
	// Writes to a bytes.Buffer cannot fail.
	_ = WriteUint64(buf, p.Sequence)
	_ = WriteUint32(buf, p.Total)
	_ = WriteInt64(buf, p.SentAt.UnixNano())
	return buf.Bytes()
}

// IsProbe reports whether payload looks like a probe. Only meaningful while a
// handshake is in progress; afterwards payloads are opaque.
func IsProbe(payload []byte) bool {
	return len(payload) == ProbeSize && bytes.HasPrefix(payload, probeMagic)
}

// DecodeProbe parses a probe payload.
func DecodeProbe(payload []byte) (Probe, error) {
	if !IsProbe(payload) {
		return Probe{}, ErrNotProbe
	}
	r := bytes.NewReader(payload[len(probeMagic):])
	seq, err := ReadUint64(r)
	if err != nil {
		return Probe{}, err
	}
	total, err := ReadUint32(r)
	if err != nil {
		return Probe{}, err
	}
	nanos, err := ReadInt64(r)
	if err != nil {
		return Probe{}, err
	}
	return Probe{Sequence: seq, Total: total, SentAt: time.Unix(0, nanos)}, nil
}
