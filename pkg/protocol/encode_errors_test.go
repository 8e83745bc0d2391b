package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// failingWriter is a writer that always fails
type failingWriter struct{}

func (w *failingWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// conditionalFailWriter fails after a certain number of successful writes
type conditionalFailWriter struct {
	successCount int
	writeCount   int
}

func (w *conditionalFailWriter) Write(p []byte) (n int, err error) {
	w.writeCount++
	if w.writeCount > w.successCount {
		return 0, errors.New("write failed")
	}
	return len(p), nil
}

func TestWritersPropagateErrors(t *testing.T) {
	w := &failingWriter{}

	assert.Error(t, WriteUint32(w, 1))
	assert.Error(t, WriteUint64(w, 1))
	assert.Error(t, WriteInt64(w, -1))
	assert.Error(t, WriteFloat64(w, 1.5))
}

func TestWritersStopAtFirstFailure(t *testing.T) {
	w := &conditionalFailWriter{successCount: 2}

	assert.NoError(t, WriteUint64(w, 1))
	assert.NoError(t, WriteFloat64(w, 2))
	assert.Error(t, WriteUint32(w, 3))
	assert.Equal(t, 3, w.writeCount)
}
