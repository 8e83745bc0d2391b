package protocol

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadUint64(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
	}{
		{"zero", 0},
		{"one", 1},
		{"max", math.MaxUint64},
		{"mid", 1 << 63},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)

			err := WriteUint64(buf, tt.value)
			require.NoError(t, err)
			assert.Equal(t, 8, buf.Len())

			result, err := ReadUint64(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, result)
		})
	}
}

func TestUint64IsBigEndian(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteUint64(buf, 0x0102030405060708))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf.Bytes())
}

func TestWriteReadInt64(t *testing.T) {
	for _, v := range []int64{0, -1, math.MinInt64, math.MaxInt64} {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteInt64(buf, v))
		got, err := ReadInt64(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestReadShortBuffers(t *testing.T) {
	_, err := ReadUint64(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)

	_, err = ReadUint32(bytes.NewReader([]byte{1}))
	assert.Error(t, err)

	_, err = ReadFloat64(bytes.NewReader([]byte{0}))
	assert.Error(t, err)
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity(string(testIdentity))
	require.NoError(t, err)
	assert.Equal(t, testIdentity, id)

	_, err = ParseIdentity("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = ParseIdentity("zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestProbeDetection(t *testing.T) {
	assert.False(t, IsProbe([]byte("Hello World\x00")))
	assert.False(t, IsProbe(nil))

	_, err := DecodeProbe([]byte("SNWPshort"))
	assert.ErrorIs(t, err, ErrNotProbe)
}

func TestHandshakeEndsOnLastSequence(t *testing.T) {
	assert.False(t, Probe{Sequence: 1, Total: 3}.Last())
	assert.True(t, Probe{Sequence: 3, Total: 3}.Last())
	assert.True(t, Probe{Sequence: 3, Total: 3}.NeedsEcho())

	notice := Probe{}
	assert.True(t, notice.Last())
	assert.False(t, notice.NeedsEcho())

	decoded, err := DecodeProbe(EncodeProbe(Probe{Sequence: 2, Total: 5, SentAt: time.Unix(0, 7)}))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), decoded.Total)
	assert.Len(t, EncodeProbe(decoded), ProbeSize)
}
