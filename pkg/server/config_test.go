package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.ChannelCount)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, time.Second/30, cfg.TickInterval())
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg := cfg.ToServerConfig()
	defaults := DefaultConfig()

	assert.Equal(t, defaults.Port, serverCfg.Port)
	assert.Equal(t, defaults.TickRate, serverCfg.TickRate)
	assert.Equal(t, defaults.MaxClients, serverCfg.MaxClients)
	assert.Equal(t, defaults.ChannelCount, serverCfg.ChannelCount)
	assert.Equal(t, defaults.HandshakeTimeout, serverCfg.HandshakeTimeout)
	assert.Equal(t, defaults.LogLevel, serverCfg.LogLevel)

	// Zero is meaningful for these
	assert.Equal(t, 0, serverCfg.MaxInboundQueue)
	assert.Equal(t, 0, serverCfg.PingHandshakeAmount)
}

func TestToServerConfigMapsSections(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.Port = 9000
	cfg.Server.TickRate = 60
	cfg.Limits.MaxClients = 4
	cfg.Handshake.PingHandshakeAmount = 5
	cfg.Handshake.TimeoutMS = 1500
	cfg.Observability.MetricsAddr = ":9100"
	cfg.Journal.Path = "/tmp/journal.db"

	serverCfg := cfg.ToServerConfig()

	assert.Equal(t, 9000, serverCfg.Port)
	assert.Equal(t, 60, serverCfg.TickRate)
	assert.Equal(t, 4, serverCfg.MaxClients)
	assert.Equal(t, 5, serverCfg.PingHandshakeAmount)
	assert.Equal(t, 1500*time.Millisecond, serverCfg.HandshakeTimeout)
	assert.Equal(t, ":9100", serverCfg.MetricsAddr)
	assert.Equal(t, "/tmp/journal.db", serverCfg.JournalPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"zero tick rate", func(c *Config) { c.TickRate = 0 }, ErrInvalidTickRate},
		{"zero max clients", func(c *Config) { c.MaxClients = 0 }, ErrInvalidMaxClients},
		{"port too large", func(c *Config) { c.Port = 70000 }, ErrInvalidPort},
		{"no channels", func(c *Config) { c.ChannelCount = 0 }, nil},
		{"negative probes", func(c *Config) { c.PingHandshakeAmount = -1 }, nil},
		{"negative queue", func(c *Config) { c.MaxInboundQueue = -1 }, nil},
		{"zero timeout", func(c *Config) { c.HandshakeTimeout = 0 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	// Reading it back yields the same values
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
port = 8123
tick_rate = 20

[limits]
max_clients = 2
max_inbound_queue = 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tomlCfg, err := LoadConfig(path)
	require.NoError(t, err)

	cfg := tomlCfg.ToServerConfig()
	assert.Equal(t, 8123, cfg.Port)
	assert.Equal(t, 20, cfg.TickRate)
	assert.Equal(t, 2, cfg.MaxClients)
	assert.Equal(t, 0, cfg.MaxInboundQueue, "explicit zero means unbounded")
	assert.Equal(t, DefaultConfig().MaxOutboundQueue, cfg.MaxOutboundQueue)
	assert.Equal(t, DefaultConfig().PingHandshakeAmount, cfg.PingHandshakeAmount)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nport = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
