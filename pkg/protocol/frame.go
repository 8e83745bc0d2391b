package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed frame header: identity field + u64 payload length.
	HeaderSize = IdentityFieldSize + 8

	// MaxPayloadSize is the largest payload accepted in a single frame (1 MB)
	MaxPayloadSize = 1024 * 1024
)

// Reserved transport channels. The reliability flag given to send and
// broadcast selects the delivery guarantee independently of the channel.
const (
	ChannelReliable   uint8 = 0
	ChannelUnreliable uint8 = 1
)

var (
	ErrTruncated         = errors.New("frame truncated")
	ErrFrameTooLarge     = errors.New("frame payload exceeds maximum size (1 MB)")
	ErrMalformedIdentity = errors.New("identity field is not NUL terminated")
)

// FramingKind classifies decode failures.
type FramingKind uint8

const (
	FramingTruncated FramingKind = iota + 1
	FramingOversized
	FramingMalformed
)

func (k FramingKind) String() string {
	switch k {
	case FramingTruncated:
		return "truncated"
	case FramingOversized:
		return "oversized"
	case FramingMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// FramingError is returned by Deserialize when the input is not a valid frame.
type FramingError struct {
	Kind FramingKind
	Want uint64 // bytes the header declared (or required)
	Got  int    // bytes available
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error (%s): want %d bytes, got %d", e.Kind, e.Want, e.Got)
}

func (e *FramingError) Unwrap() error {
	switch e.Kind {
	case FramingTruncated:
		return ErrTruncated
	case FramingOversized:
		return ErrFrameTooLarge
	case FramingMalformed:
		return ErrMalformedIdentity
	}
	return nil
}

// Packet is an identity token plus an opaque payload.
// Format: [Identity (37 bytes, NUL padded)][Length (8 bytes)][Payload (N bytes)]
type Packet struct {
	Identity Identity
	Payload  []byte
}

// NewPacket builds a packet that owns a copy of payload.
func NewPacket(id Identity, payload []byte) Packet {
	return Packet{Identity: id, Payload: bytes.Clone(payload)}
}

// PayloadLength returns the length that will be written to the header.
func (p Packet) PayloadLength() uint64 {
	return uint64(len(p.Payload))
}

// Size returns the serialized size of the packet in bytes.
func (p Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// IsAssignment reports whether p is an identity-assignment frame.
func (p Packet) IsAssignment() bool {
	return len(p.Payload) == 0 && !p.Identity.IsDefault()
}

// Serialize encodes the packet into a freshly allocated frame.
func Serialize(p Packet) ([]byte, error) {
	id := p.Identity
	if id == "" {
		id = DefaultIdentity
	}
	if len(id) > IdentityLength || bytes.IndexByte([]byte(id), 0) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, string(id))
	}
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, p.Size())
	copy(buf[:IdentityLength], id)
	binary.BigEndian.PutUint64(buf[IdentityFieldSize:HeaderSize], p.PayloadLength())
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Deserialize decodes a frame. The returned payload never aliases data.
func Deserialize(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, &FramingError{Kind: FramingTruncated, Want: HeaderSize, Got: len(data)}
	}

	field := data[:IdentityFieldSize]
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		return Packet{}, &FramingError{Kind: FramingMalformed, Want: IdentityFieldSize, Got: len(data)}
	}

	length := binary.BigEndian.Uint64(data[IdentityFieldSize:HeaderSize])
	if length > MaxPayloadSize {
		return Packet{}, &FramingError{Kind: FramingOversized, Want: length, Got: len(data) - HeaderSize}
	}
	if uint64(len(data)-HeaderSize) < length {
		return Packet{}, &FramingError{Kind: FramingTruncated, Want: HeaderSize + length, Got: len(data)}
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderSize:HeaderSize+int(length)])

	return Packet{
		Identity: Identity(field[:end]),
		Payload:  payload,
	}, nil
}
