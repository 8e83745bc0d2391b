package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aeolun/tickserver/pkg/client"
	"github.com/aeolun/tickserver/pkg/protocol"
)

// helloWorld is the demo payload: the greeting plus its NUL terminator.
var helloWorld = []byte("Hello World\x00")

// Stats tracks performance metrics
type Stats struct {
	connected        atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64

	messagesSent     atomic.Int64
	messagesFailed   atomic.Int64
	messagesReceived atomic.Int64
	echoes           atomic.Int64
	totalEchoTime    atomic.Int64 // in microseconds

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func (s *Stats) recordEcho(rtt time.Duration) {
	s.echoes.Add(1)
	s.totalEchoTime.Add(rtt.Microseconds())
}

func (s *Stats) avgEchoMs() float64 {
	echoes := s.echoes.Load()
	if echoes == 0 {
		return 0
	}
	return float64(s.totalEchoTime.Load()) / float64(echoes) / 1000.0
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id     int
	conn   *client.Connection
	stats  *Stats
	logger logrus.FieldLogger
}

func NewBotClient(ctx context.Context, id int, url string, stats *Stats, logger logrus.FieldLogger) (*BotClient, error) {
	conn, err := client.Dial(ctx, url, 10*time.Second, client.WithLogger(logger))
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, err
	}
	stats.connected.Add(1)

	return &BotClient{
		id:     id,
		conn:   conn,
		stats:  stats,
		logger: logger.WithField("bot", id),
	}, nil
}

// payload is the greeting followed by the send time, so the bot can time its
// own messages when the relay sends them back.
func payload(sentAt time.Time) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(helloWorld)+8))
	buf.Write(helloWorld)
	_ = protocol.WriteFloat64(buf, float64(sentAt.UnixNano())/1e9)
	return buf.Bytes()
}

func sentAt(p []byte) (time.Time, bool) {
	if len(p) != len(helloWorld)+8 || !bytes.HasPrefix(p, helloWorld) {
		return time.Time{}, false
	}
	secs, err := protocol.ReadFloat64(bytes.NewReader(p[len(helloWorld):]))
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, int64(secs*1e9)), true
}

// Run sends one message per interval until ctx is done, reading whatever the
// relay sends back in between.
func (bc *BotClient) Run(ctx context.Context, interval time.Duration) {
	defer func() {
		bc.stats.bytesSent.Add(bc.conn.BytesSent())
		bc.stats.bytesReceived.Add(bc.conn.BytesReceived())
		bc.conn.Close()
	}()

	// Spread the first sends over one interval.
	next := time.Now().Add(time.Duration(rand.Int63n(int64(interval))))
	for ctx.Err() == nil {
		if now := time.Now(); !now.Before(next) {
			if err := bc.conn.Send(payload(now), true, protocol.ChannelReliable); err != nil {
				bc.stats.messagesFailed.Add(1)
				if errors.Is(err, client.ErrDisconnected) {
					bc.stats.disconnections.Add(1)
					return
				}
			} else {
				bc.stats.messagesSent.Add(1)
			}
			next = next.Add(interval)
		}

		pkt, ok, err := bc.conn.Poll(time.Until(next))
		if err != nil {
			if errors.Is(err, client.ErrDisconnected) {
				bc.stats.disconnections.Add(1)
			} else {
				bc.logger.WithError(err).Warn("Poll failed")
			}
			return
		}
		if !ok {
			continue
		}

		bc.stats.messagesReceived.Add(1)
		if pkt.Identity == bc.conn.Identity() {
			if t, ok := sentAt(pkt.Payload); ok {
				bc.stats.recordEcho(time.Since(t))
			}
		}
	}
}

type options struct {
	url      string
	clients  int
	duration time.Duration
	interval time.Duration
	rampUp   time.Duration
	debug    bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "loadtest",
		Short:         "Connect many clients to a tickserver and measure the relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:7777/ws", "Server WebSocket URL")
	flags.IntVar(&opts.clients, "clients", 10, "Number of concurrent clients")
	flags.DurationVar(&opts.duration, "duration", time.Minute, "Test duration")
	flags.DurationVar(&opts.interval, "interval", time.Second, "Delay between messages per client")
	flags.DurationVar(&opts.rampUp, "ramp-up", 0, "Spread client connections over this duration (default 25% of the test)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.clients <= 0 {
		return fmt.Errorf("clients must be positive, got %d", opts.clients)
	}
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", opts.interval)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Ramp up over 25% of test duration unless told otherwise
	rampUp := opts.rampUp
	if rampUp == 0 {
		rampUp = opts.duration / 4
	}
	stagger := rampUp / time.Duration(opts.clients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	logger.WithFields(logrus.Fields{
		"url":      opts.url,
		"clients":  opts.clients,
		"duration": opts.duration,
		"interval": opts.interval,
		"ramp_up":  rampUp,
	}).Info("Starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	stats := &Stats{}
	start := time.Now()
	go reportProgress(ctx, stats, start, logger)

	var wg sync.WaitGroup
spawn:
	for i := 0; i < opts.clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(ctx, id, opts.url, stats, logger)
			if err != nil {
				logger.WithError(err).WithField("bot", id).Debug("Connection failed")
				return
			}
			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				logger.WithField("bot", id).Info("Connected")
			}
			bot.Run(ctx, opts.interval)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	fmt.Println(renderReport(opts, stats, time.Since(start)))
	return nil
}

func reportProgress(ctx context.Context, stats *Stats, start time.Time, logger logrus.FieldLogger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			logger.WithFields(logrus.Fields{
				"connected": stats.connected.Load(),
				"sent":      stats.messagesSent.Load(),
				"received":  stats.messagesReceived.Load(),
				"rate":      fmt.Sprintf("%.1f/s", float64(stats.messagesSent.Load())/elapsed),
				"echo_ms":   fmt.Sprintf("%.2f", stats.avgEchoMs()),
			}).Info("Stats")
		case <-ctx.Done():
			return
		}
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	goodStyle  = valueStyle.Foreground(lipgloss.Color("42"))
	warnStyle  = valueStyle.Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func renderReport(opts options, stats *Stats, elapsed time.Duration) string {
	sent := stats.messagesSent.Load()
	received := stats.messagesReceived.Load()
	failed := stats.messagesFailed.Load()
	connected := stats.connected.Load()

	// Every message is relayed to every session, so the ideal fan-in is
	// sent * connected.
	var delivery float64
	if sent > 0 && connected > 0 {
		delivery = float64(received) / float64(sent*connected) * 100
	}

	deliveryStyle := goodStyle
	if delivery < 99 {
		deliveryStyle = warnStyle
	}
	connStyle := goodStyle
	if stats.connectionErrors.Load() > 0 || stats.disconnections.Load() > 0 {
		connStyle = warnStyle
	}

	row := func(label string, style lipgloss.Style, format string, args ...any) string {
		return lipgloss.JoinHorizontal(lipgloss.Top,
			labelStyle.Render(label),
			style.Render(fmt.Sprintf(format, args...)),
		)
	}

	rows := []string{
		row("Duration", valueStyle, "%v", elapsed.Round(time.Millisecond)),
		row("Clients", connStyle, "%d connected / %d requested", connected, opts.clients),
		row("Connection errors", connStyle, "%d", stats.connectionErrors.Load()),
		row("Disconnections", connStyle, "%d", stats.disconnections.Load()),
		row("Messages sent", valueStyle, "%d (%.1f/s)", sent, float64(sent)/elapsed.Seconds()),
		row("Messages failed", valueStyle, "%d", failed),
		row("Messages received", valueStyle, "%d (%.1f/s)", received, float64(received)/elapsed.Seconds()),
		row("Delivery", deliveryStyle, "%.1f%%", delivery),
		row("Average echo time", valueStyle, "%.2fms", stats.avgEchoMs()),
		row("Bytes sent", valueStyle, "%d", stats.bytesSent.Load()),
		row("Bytes received", valueStyle, "%d", stats.bytesReceived.Load()),
	}

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		append([]string{titleStyle.Render("Load test results")}, rows...)...,
	))
}
