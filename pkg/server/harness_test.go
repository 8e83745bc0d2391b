package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/tickserver/pkg/client"
	"github.com/aeolun/tickserver/pkg/database"
	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/transport"
)

const testAddr = "tickserver-test"

// fakeClock only moves when told to. Sleep advances it instead of blocking.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// recordingJournal keeps every event in memory.
type recordingJournal struct {
	events []database.SessionEvent
}

func (j *recordingJournal) Record(ev database.SessionEvent) {
	j.events = append(j.events, ev)
}

func (j *recordingJournal) kinds() []database.EventKind {
	out := make([]database.EventKind, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Kind)
	}
	return out
}

// harness drives a server tick by tick from the test goroutine.
type harness struct {
	t       *testing.T
	server  *Server
	network *transport.MemoryNetwork
	clock   *fakeClock
	journal *recordingJournal
	logs    *test.Hook

	onTick func(tick uint64)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.TickRate = 10
	cfg.PingHandshakeAmount = 3
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	network := transport.NewMemoryNetwork()
	host, err := network.Listen(testAddr, 0)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		t:       t,
		network: network,
		clock:   newFakeClock(),
		journal: &recordingJournal{},
		logs:    hook,
	}

	s, err := New(cfg, host,
		WithLogger(logger),
		WithClock(h.clock),
		WithJournal(h.journal),
	)
	require.NoError(t, err)
	s.tickFn = func(tick uint64) {
		if h.onTick != nil {
			h.onTick(tick)
		}
	}
	h.server = s

	t.Cleanup(func() { host.Close() })
	return h
}

// step advances the clock by one interval and runs a tick.
func (h *harness) step() {
	h.t.Helper()
	h.clock.Advance(h.server.cfg.TickInterval())
	require.NoError(h.t, h.server.step(context.Background(), h.clock.Now()))
}

// dial opens a raw memory connection and lets the server accept it.
func (h *harness) dial() *transport.MemoryHost {
	h.t.Helper()
	host, err := h.network.Dial(testAddr)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { host.Close() })
	h.step()
	return host
}

// connect dials, answers every probe and returns once the session is active.
func (h *harness) connect() (*client.Connection, *transport.MemoryHost) {
	h.t.Helper()
	host := h.dial()

	conn, err := client.Connect(context.Background(), host, time.Second)
	require.NoError(h.t, err)

	for i := 0; i <= h.server.cfg.PingHandshakeAmount; i++ {
		if h.active(conn.Identity()) {
			return conn, host
		}
		_, _, err := conn.Poll(0)
		require.NoError(h.t, err)
		h.step()
	}
	require.True(h.t, h.active(conn.Identity()), "session %s never became active", conn.Identity())
	return conn, host
}

func (h *harness) active(id protocol.Identity) bool {
	_, err := h.server.registry.Lookup(id)
	return err == nil
}

// drain returns every pending event on host.
func drain(t *testing.T, host transport.Host) []transport.Event {
	t.Helper()
	var out []transport.Event
	for {
		ev, err := host.Service(0)
		require.NoError(t, err)
		if ev.Type == transport.EventNone {
			return out
		}
		out = append(out, ev)
	}
}

func eventTypes(events []transport.Event) []transport.EventType {
	out := make([]transport.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func sendRaw(t *testing.T, host transport.Host, channel uint8, p protocol.Packet) {
	t.Helper()
	frame, err := protocol.Serialize(p)
	require.NoError(t, err)
	// Client hosts have a single peer, the server.
	require.NoError(t, host.Send(1, channel, frame, true))
}

func (h *harness) hasLog(msg string) bool {
	for _, entry := range h.logs.AllEntries() {
		if entry.Message == msg {
			return true
		}
	}
	return false
}
