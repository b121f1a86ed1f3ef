package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
	p, err := cfg.PayloadID()
	require.NoError(t, err)
	assert.Equal(t, wire.PayloadCompleteEuler, p)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: sim
  sim_devices: 5
recording:
  dir: /data/rec
  flush_threshold: 250ms
  payload: quaternion
sync:
  watchdog: 1m
dashboard:
  addr: 127.0.0.1:9000
  mdns: false
`)
	cfg, used, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, path, used)

	assert.Equal(t, TransportSim, cfg.Transport.Kind)
	assert.Equal(t, 5, cfg.Transport.SimDevices)
	assert.Equal(t, "/data/rec", cfg.Recording.Dir)
	assert.Equal(t, 250*time.Millisecond, cfg.Recording.FlushThreshold)
	assert.Equal(t, time.Minute, cfg.Sync.Watchdog)
	assert.Equal(t, "127.0.0.1:9000", cfg.Dashboard.Addr)
	assert.False(t, cfg.Dashboard.MDNS)

	// Unset keys keep their defaults.
	assert.Equal(t, DefaultConfig().Sync.ReconnectDelay, cfg.Sync.ReconnectDelay)
	assert.Equal(t, "hci0", cfg.Transport.Adapter)

	p, err := cfg.PayloadID()
	require.NoError(t, err)
	assert.Equal(t, wire.PayloadExtendedQuaternion, p)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "dashboard:\n  addr: :9000\n")
	t.Setenv("DOTFLEET_DASHBOARD_ADDR", ":7000")
	t.Setenv("DOTFLEET_SYNC_ACK_POLL_DELAY", "2s")

	cfg, _, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Dashboard.Addr)
	assert.Equal(t, 2*time.Second, cfg.Sync.AckPollDelay)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DOTFLEET_DASHBOARD_ADDR", ":7000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("addr", ":1234", "")
	fs.String("transport", "bluez", "")
	require.NoError(t, fs.Parse([]string{"--addr", ":6000"}))

	cfg, _, err := Load(Options{
		Path: writeConfig(t, ""),
		Flags: map[string]*pflag.Flag{
			"dashboard.addr": fs.Lookup("addr"),
			"transport.kind": fs.Lookup("transport"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Dashboard.Addr)
	assert.Equal(t, TransportBlueZ, cfg.Transport.Kind, "unchanged flags keep the default")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := Load(Options{Path: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, "transport:\n  kind: serial\n")
	_, _, err := Load(Options{Path: path})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load() error = %v, want ErrInvalidConfig", err)
	}
	assert.Contains(t, err.Error(), "transport.kind")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"unknown payload", func(c *Config) { c.Recording.Payload = "99" }, "recording.payload"},
		{"zero flush", func(c *Config) { c.Recording.FlushThreshold = 0 }, "flush_threshold"},
		{"no dir", func(c *Config) { c.Recording.Dir = "" }, "recording.dir"},
		{"short watchdog", func(c *Config) { c.Sync.Watchdog = 5 * time.Second }, "sync.watchdog"},
		{"negative delay", func(c *Config) { c.Sync.AckPollDelay = -1 }, "sync.ack_poll_delay"},
		{"empty sim", func(c *Config) { c.Transport.Kind = TransportSim; c.Transport.SimDevices = 0 }, "sim_devices"},
		{"no adapter", func(c *Config) { c.Transport.Adapter = "" }, "transport.adapter"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"no addr", func(c *Config) { c.Dashboard.Addr = "" }, "dashboard.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteFileLoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg := DefaultConfig()
	cfg.Recording.FlushThreshold = 1500 * time.Millisecond
	require.NoError(t, cfg.WriteFile(path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "flush_threshold: 1.5s"), "durations are written in Go notation:\n%s", data)

	err = cfg.WriteFile(path, false)
	assert.ErrorIs(t, err, os.ErrExist)
	require.NoError(t, cfg.WriteFile(path, true))

	got, _, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)
}

func TestSlogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	l, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", l.String())
}
