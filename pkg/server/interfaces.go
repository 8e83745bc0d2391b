package server

import (
	"context"
	"time"

	"github.com/aeolun/tickserver/pkg/database"
)

// Journal records session lifecycle events. Record is called from the tick
// goroutine and must not block on I/O; *database.WriteBuffer satisfies it.
type Journal interface {
	Record(ev database.SessionEvent)
}

// Clock is the time source of the tick loop. Tests substitute a manual clock
// to drive ticks deterministically.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

type nopJournal struct{}

func (nopJournal) Record(database.SessionEvent) {}
