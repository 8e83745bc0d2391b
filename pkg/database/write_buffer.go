package database

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxPending bounds how many events the buffer holds while the
// database is unavailable. Older events are discarded beyond it.
const DefaultMaxPending = 65536

// WriteBuffer batches journal writes so callers never wait on disk. Record is
// safe for concurrent use and never blocks on the database.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration
	maxPending    int
	logger        logrus.FieldLogger

	mu      sync.Mutex
	pending []SessionEvent
	dropped int

	flushReq chan chan struct{}
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewWriteBuffer creates a write buffer and starts its flush loop
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		maxPending:    DefaultMaxPending,
		logger:        db.logger,
		pending:       make([]SessionEvent, 0, 64),
		flushReq:      make(chan chan struct{}),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// Record queues ev for the next flush
func (wb *WriteBuffer) Record(ev SessionEvent) {
	if !ev.Kind.valid() {
		wb.logger.WithField("kind", ev.Kind).Warn("Ignoring journal event of unknown kind")
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	if ev.ID == 0 {
		ev.ID = wb.db.NextID()
	}

	wb.mu.Lock()
	if len(wb.pending) >= wb.maxPending {
		wb.pending = wb.pending[1:]
		wb.dropped++
	}
	wb.pending = append(wb.pending, ev)
	wb.mu.Unlock()
}

// Pending returns the number of events waiting to be written
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

// Flush writes buffered events now and waits for the write to finish
func (wb *WriteBuffer) Flush() {
	done := make(chan struct{})
	select {
	case wb.flushReq <- done:
		<-done
	case <-wb.shutdown:
	}
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case done := <-wb.flushReq:
			wb.flush()
			close(done)
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.flush()
			return
		}
	}
}

// flush writes all buffered events in a single transaction
func (wb *WriteBuffer) flush() {
	wb.mu.Lock()
	events := wb.pending
	dropped := wb.dropped
	wb.pending = make([]SessionEvent, 0, cap(events))
	wb.dropped = 0
	wb.mu.Unlock()

	if dropped > 0 {
		wb.logger.WithField("dropped", dropped).Warn("Journal buffer overflowed, oldest events discarded")
	}
	if len(events) == 0 {
		return
	}

	start := time.Now()
	if err := wb.db.InsertSessionEvents(events); err != nil {
		wb.logger.WithError(err).WithField("events", len(events)).Error("Failed to flush journal")

		// Put the batch back in front of anything recorded meanwhile
		wb.mu.Lock()
		wb.pending = append(events, wb.pending...)
		if over := len(wb.pending) - wb.maxPending; over > 0 {
			wb.pending = wb.pending[over:]
			wb.dropped += over
		}
		wb.mu.Unlock()
		return
	}

	// Only log slow flushes (those that exceed the flush interval)
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		wb.logger.WithFields(logrus.Fields{
			"events":  len(events),
			"elapsed": elapsed,
		}).Warn("Slow journal flush")
	}
}

// Close stops the flush loop after writing remaining events
func (wb *WriteBuffer) Close() {
	wb.once.Do(func() {
		close(wb.shutdown)
		wb.wg.Wait()
	})
}
