package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aeolun/tickserver/pkg/database"
	"github.com/aeolun/tickserver/pkg/protocol"
	"github.com/aeolun/tickserver/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type options struct {
	configPath       string
	port             int
	maxClients       int
	tickRate         int
	metricsAddr      string
	journalPath      string
	journalRetention time.Duration
	pprofAddr        string
	debug            bool
	version          bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "tickserver",
		Short: "Fixed-tick session server",
		Long: `tickserver accepts WebSocket clients, assigns each one an identity after a
latency-measuring handshake and relays every message to all connected
sessions on a fixed tick.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.version {
				fmt.Printf("tickserver %s\n", Version)
				return nil
			}
			return run(cmd, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "~/.tickserver/config.toml", "Path to config file")
	flags.IntVar(&opts.port, "port", 0, "WebSocket port to listen on (overrides config)")
	flags.IntVar(&opts.maxClients, "max-clients", 0, "Maximum number of sessions (overrides config)")
	flags.IntVar(&opts.tickRate, "tick-rate", 0, "Ticks per second (overrides config)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Admin HTTP address for /metrics and /healthz (overrides config)")
	flags.StringVar(&opts.journalPath, "journal", "", "Path to the session journal database (overrides config)")
	flags.DurationVar(&opts.journalRetention, "journal-retention", 0, "Delete journal events older than this on startup (0 keeps everything)")
	flags.StringVar(&opts.pprofAddr, "pprof-addr", "", "Address for the pprof HTTP server (disabled when empty)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&opts.version, "version", false, "Show version information")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts options) error {
	// Load configuration (creates default if not found)
	tomlConfig, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Command-line flags override config file
	flags := cmd.Flags()
	if flags.Changed("port") {
		tomlConfig.Server.Port = opts.port
	}
	if flags.Changed("max-clients") {
		tomlConfig.Limits.MaxClients = opts.maxClients
	}
	if flags.Changed("tick-rate") {
		tomlConfig.Server.TickRate = opts.tickRate
	}
	if flags.Changed("metrics-addr") {
		tomlConfig.Observability.MetricsAddr = opts.metricsAddr
	}
	if flags.Changed("journal") {
		tomlConfig.Journal.Path = opts.journalPath
	}

	cfg := tomlConfig.ToServerConfig()
	if opts.debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := server.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"version": Version,
		"config":  opts.configPath,
	}).Info("Starting tickserver")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(registry),
	}

	if cfg.JournalPath != "" {
		journalPath, err := tomlConfig.GetJournalPath()
		if err != nil {
			return fmt.Errorf("failed to resolve journal path: %w", err)
		}
		journal, closeJournal, err := openJournal(journalPath, cfg.JournalFlushInterval, opts.journalRetention, logger)
		if err != nil {
			return err
		}
		defer closeJournal()
		serverOpts = append(serverOpts, server.WithJournal(journal))
	}

	srv, err := server.Listen(cfg, serverOpts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if opts.pprofAddr != "" {
		go func() {
			logger.WithField("addr", opts.pprofAddr).Info("Starting pprof server")
			if err := http.ListenAndServe(opts.pprofAddr, nil); err != nil {
				logger.WithError(err).Warn("pprof server error")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"addr":        srv.Addr(),
		"path":        cfg.Path,
		"tick_rate":   cfg.TickRate,
		"max_clients": cfg.MaxClients,
	}).Info("tickserver started")

	err = srv.Start(ctx, relay(srv, logger),
		server.OnActivate(func(info server.SessionInfo) {
			logger.WithFields(logrus.Fields{
				"identity": info.Identity,
				"remote":   info.RemoteAddr,
				"latency":  info.Latency,
			}).Info("Client joined")
		}),
		server.OnDisconnect(func(info server.SessionInfo, reason string) {
			logger.WithFields(logrus.Fields{
				"identity": info.Identity,
				"reason":   reason,
			}).Info("Client left")
		}),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Server stopped")
	return nil
}

// relay broadcasts every inbound message reliably to all sessions, the
// sender included.
func relay(srv *server.Server, logger logrus.FieldLogger) server.TickFunc {
	return func(tick uint64) {
		for {
			msg, ok := srv.ReadNextInbound()
			if !ok {
				return
			}
			if err := srv.Broadcast(msg.Packet, true, protocol.ChannelReliable); err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"tick":     tick,
					"identity": msg.Identity,
				}).Warn("Failed to relay message")
			}
		}
	}
}

func openJournal(path string, flushInterval, retention time.Duration, logger *logrus.Logger) (*database.WriteBuffer, func(), error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := database.Open(path, logger.WithField("component", "journal"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if retention > 0 {
		deleted, err := db.DeleteEventsBefore(time.Now().Add(-retention))
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to prune journal: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"deleted":   deleted,
			"retention": retention,
		}).Info("Pruned session journal")
	}

	wb := database.NewWriteBuffer(db, flushInterval)
	logger.WithField("path", path).Info("Session journal enabled")

	return wb, func() {
		wb.Close()
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close journal")
		}
	}, nil
}
