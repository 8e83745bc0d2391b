package protocol

import (
	"bytes"
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func identityGen() *rapid.Generator[Identity] {
	return rapid.Custom(func(t *rapid.T) Identity {
		if rapid.Bool().Draw(t, "default") {
			return DefaultIdentity
		}
		return NewIdentity()
	})
}

// TestPacketRoundTrip tests that any valid packet can be serialized and deserialized
func TestPacketRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloadLen := rapid.IntRange(0, 4096).Draw(t, "payloadLen")
		original := Packet{
			Identity: identityGen().Draw(t, "identity"),
			Payload:  rapid.SliceOfN(rapid.Byte(), payloadLen, payloadLen).Draw(t, "payload"),
		}

		data, err := Serialize(original)
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}
		if len(data) != HeaderSize+payloadLen {
			t.Fatalf("frame size mismatch: got %d, want %d", len(data), HeaderSize+payloadLen)
		}

		decoded, err := Deserialize(data)
		if err != nil {
			t.Fatalf("deserialize failed: %v", err)
		}

		if decoded.Identity != original.Identity {
			t.Fatalf("identity mismatch: got %q, want %q", decoded.Identity, original.Identity)
		}
		if decoded.PayloadLength() != original.PayloadLength() {
			t.Fatalf("length mismatch: got %d, want %d", decoded.PayloadLength(), original.PayloadLength())
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestTruncatedFramesAlwaysFail tests that every strict prefix of a frame is rejected
func TestTruncatedFramesAlwaysFail(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 256).Draw(t, "payload")
		data, err := Serialize(Packet{Identity: NewIdentity(), Payload: payload})
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}

		cut := rapid.IntRange(0, len(data)-1).Draw(t, "cut")
		if _, err := Deserialize(data[:cut]); err == nil {
			t.Fatalf("expected error for %d of %d bytes", cut, len(data))
		}
	})
}

// TestIdentityUniqueness tests that generated identities never collide and are canonical
func TestIdentityUniqueness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 200).Draw(t, "n")
		seen := make(map[Identity]bool, n)
		for i := 0; i < n; i++ {
			id := NewIdentity()
			if len(id) != IdentityLength {
				t.Fatalf("identity length %d", len(id))
			}
			if id.IsDefault() {
				t.Fatalf("generated default identity")
			}
			if seen[id] {
				t.Fatalf("duplicate identity %s", id)
			}
			seen[id] = true
		}
	})
}

// TestFloat64RoundTrip tests IEEE-754 big-endian encoding
func TestFloat64RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := rapid.Float64().Draw(t, "float64")

		var buf bytes.Buffer
		if err := WriteFloat64(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := ReadFloat64(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if math.Float64bits(decoded) != math.Float64bits(original) {
			t.Fatalf("float64 mismatch: got %v, want %v", decoded, original)
		}
	})
}

// TestProbeRoundTrip tests handshake probe encoding
func TestProbeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := Probe{
			Sequence: rapid.Uint64().Draw(t, "seq"),
			Total:    rapid.Uint32().Draw(t, "total"),
			SentAt:   time.Unix(0, rapid.Int64().Draw(t, "nanos")),
		}

		payload := EncodeProbe(original)
		if !IsProbe(payload) {
			t.Fatalf("encoded probe not recognised")
		}

		decoded, err := DecodeProbe(payload)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Sequence != original.Sequence || decoded.Total != original.Total || !decoded.SentAt.Equal(original.SentAt) {
			t.Fatalf("probe mismatch: got %+v, want %+v", decoded, original)
		}
	})
}
