package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server        ServerSection        `toml:"server"`
	Limits        LimitsSection        `toml:"limits"`
	Handshake     HandshakeSection     `toml:"handshake"`
	Observability ObservabilitySection `toml:"observability"`
	Journal       JournalSection       `toml:"journal"`
}

type ServerSection struct {
	Port         int    `toml:"port"`
	TickRate     int    `toml:"tick_rate"`
	ChannelCount int    `toml:"channel_count"`
	Path         string `toml:"path"`
}

type LimitsSection struct {
	MaxClients       int `toml:"max_clients"`
	MaxInboundQueue  int `toml:"max_inbound_queue"`
	MaxOutboundQueue int `toml:"max_outbound_queue"`
}

type HandshakeSection struct {
	PingHandshakeAmount int `toml:"ping_handshake_amount"`
	TimeoutMS           int `toml:"handshake_timeout_ms"`
}

type ObservabilitySection struct {
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	MetricsAddr string `toml:"metrics_addr"`
}

type JournalSection struct {
	Path            string `toml:"path"`
	FlushIntervalMS int    `toml:"flush_interval_ms"`
}

// Config holds the runtime configuration of a Server.
type Config struct {
	Port                int
	Path                string
	MaxClients          int
	TickRate            int
	ChannelCount        int
	PingHandshakeAmount int
	HandshakeTimeout    time.Duration
	MaxInboundQueue     int // 0 = unbounded
	MaxOutboundQueue    int // 0 = unbounded

	LogLevel    string
	LogFormat   string
	MetricsAddr string // empty disables the admin HTTP server

	JournalPath          string // empty disables the session journal
	JournalFlushInterval time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Port:                 7777,
		Path:                 "/ws",
		MaxClients:           32,
		TickRate:             30,
		ChannelCount:         2,
		PingHandshakeAmount:  3,
		HandshakeTimeout:     5 * time.Second,
		MaxInboundQueue:      4096,
		MaxOutboundQueue:     8192,
		LogLevel:             "info",
		LogFormat:            "text",
		JournalFlushInterval: 500 * time.Millisecond,
	}
}

var (
	ErrInvalidTickRate   = errors.New("tick_rate must be positive")
	ErrInvalidMaxClients = errors.New("max_clients must be positive")
	ErrInvalidPort       = errors.New("port out of range")
)

// Validate reports the first configuration value the server cannot run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTickRate, c.TickRate)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxClients, c.MaxClients)
	}
	if c.ChannelCount < 1 || c.ChannelCount > 256 {
		return fmt.Errorf("channel_count must be between 1 and 256, got %d", c.ChannelCount)
	}
	if c.PingHandshakeAmount < 0 {
		return fmt.Errorf("ping_handshake_amount must not be negative, got %d", c.PingHandshakeAmount)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.MaxInboundQueue < 0 || c.MaxOutboundQueue < 0 {
		return errors.New("queue bounds must not be negative")
	}
	return nil
}

// TickInterval is the target duration of one tick.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Port:         d.Port,
			TickRate:     d.TickRate,
			ChannelCount: d.ChannelCount,
			Path:         d.Path,
		},
		Limits: LimitsSection{
			MaxClients:       d.MaxClients,
			MaxInboundQueue:  d.MaxInboundQueue,
			MaxOutboundQueue: d.MaxOutboundQueue,
		},
		Handshake: HandshakeSection{
			PingHandshakeAmount: d.PingHandshakeAmount,
			TimeoutMS:           int(d.HandshakeTimeout / time.Millisecond),
		},
		Observability: ObservabilitySection{
			LogLevel:  d.LogLevel,
			LogFormat: d.LogFormat,
		},
		Journal: JournalSection{
			FlushIntervalMS: int(d.JournalFlushInterval / time.Millisecond),
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// The queue bounds use 0 for unbounded, so only an absent key falls back
	if !md.IsDefined("limits", "max_inbound_queue") {
		config.Limits.MaxInboundQueue = DefaultConfig().MaxInboundQueue
	}
	if !md.IsDefined("limits", "max_outbound_queue") {
		config.Limits.MaxOutboundQueue = DefaultConfig().MaxOutboundQueue
	}
	if !md.IsDefined("handshake", "ping_handshake_amount") {
		config.Handshake.PingHandshakeAmount = DefaultConfig().PingHandshakeAmount
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# tickserver configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to Config. Zero values fall back to the
// defaults, except for the queue bounds and probe count where zero is
// meaningful.
func (c *TOMLConfig) ToServerConfig() Config {
	cfg := DefaultConfig()

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	if c.Server.TickRate != 0 {
		cfg.TickRate = c.Server.TickRate
	}
	if c.Server.ChannelCount != 0 {
		cfg.ChannelCount = c.Server.ChannelCount
	}
	if strings.TrimSpace(c.Server.Path) != "" {
		cfg.Path = c.Server.Path
	}

	if c.Limits.MaxClients != 0 {
		cfg.MaxClients = c.Limits.MaxClients
	}
	cfg.MaxInboundQueue = c.Limits.MaxInboundQueue
	cfg.MaxOutboundQueue = c.Limits.MaxOutboundQueue

	cfg.PingHandshakeAmount = c.Handshake.PingHandshakeAmount
	if c.Handshake.TimeoutMS != 0 {
		cfg.HandshakeTimeout = time.Duration(c.Handshake.TimeoutMS) * time.Millisecond
	}

	if c.Observability.LogLevel != "" {
		cfg.LogLevel = c.Observability.LogLevel
	}
	if c.Observability.LogFormat != "" {
		cfg.LogFormat = c.Observability.LogFormat
	}
	cfg.MetricsAddr = c.Observability.MetricsAddr

	cfg.JournalPath = c.Journal.Path
	if c.Journal.FlushIntervalMS != 0 {
		cfg.JournalFlushInterval = time.Duration(c.Journal.FlushIntervalMS) * time.Millisecond
	}

	return cfg
}

// GetJournalPath returns the journal path with ~ expanded
func (c *TOMLConfig) GetJournalPath() (string, error) {
	return expandHome(c.Journal.Path)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
