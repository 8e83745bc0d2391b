package database

import (
	"sync"
	"time"
)

// Snowflake generates unique, roughly time-ordered 64-bit IDs.
//
// Layout: 1 bit unused | 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence
type Snowflake struct {
	epoch    int64
	workerID int64
	now      func() time.Time

	mu       sync.Mutex
	lastMS   int64
	sequence int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake creates a generator. Out-of-range worker IDs fall back to 0.
func NewSnowflake(epoch time.Time, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch.UnixMilli(),
		workerID: workerID,
		now:      time.Now,
	}
}

// NextID returns the next ID. IDs from one generator strictly increase, even
// if the wall clock steps backwards.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().UnixMilli()
	if ms < s.lastMS {
		// Clock moved backwards, keep counting on the last timestamp
		ms = s.lastMS
	}

	if ms == s.lastMS {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// 4096 IDs this millisecond; borrow the next one
			ms++
		}
	} else {
		s.sequence = 0
	}
	s.lastMS = ms

	return ((ms - s.epoch) << timestampShift) | (s.workerID << workerIDShift) | s.sequence
}
