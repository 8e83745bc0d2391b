package database

import (
	"testing"
	"time"
)

func TestWriteBufferFlushOnClose(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, time.Hour)

	for i := 0; i < 10; i++ {
		wb.Record(SessionEvent{Kind: EventOpened, Identity: "batch"})
	}
	if wb.Pending() != 10 {
		t.Fatalf("expected 10 pending, got %d", wb.Pending())
	}

	wb.Close()
	wb.Close() // second close is a no-op

	events, err := db.ListSessionEvents("batch")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("expected 10 events after close, got %d", len(events))
	}
	for _, ev := range events {
		if ev.OccurredAt.IsZero() {
			t.Errorf("expected occurred_at to default to now")
		}
	}
}

func TestWriteBufferExplicitFlush(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, time.Hour)
	defer wb.Close()

	wb.Record(SessionEvent{Kind: EventRejected, Reason: "capacity"})
	wb.Flush()

	if wb.Pending() != 0 {
		t.Errorf("expected empty buffer after flush, got %d", wb.Pending())
	}
	n, err := db.CountEvents(EventRejected)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 rejection, got %d", n)
	}
}

func TestWriteBufferPeriodicFlush(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, 10*time.Millisecond)
	defer wb.Close()

	wb.Record(SessionEvent{Kind: EventOpened, Identity: "tick"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := db.CountEvents(EventOpened); n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event was not flushed by the ticker")
}

func TestWriteBufferDropsOldestWhenFull(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, time.Hour)
	wb.maxPending = 3

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		wb.Record(SessionEvent{Kind: EventOpened, Identity: id})
	}
	wb.Record(SessionEvent{Kind: "bogus"})
	if wb.Pending() != 3 {
		t.Fatalf("expected 3 pending, got %d", wb.Pending())
	}
	wb.Close()

	for id, want := range map[string]int{"a": 0, "b": 0, "c": 1, "d": 1, "e": 1} {
		events, _ := db.ListSessionEvents(id)
		if len(events) != want {
			t.Errorf("identity %s: expected %d events, got %d", id, want, len(events))
		}
	}
}
