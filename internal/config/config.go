// Package config loads the dotfleet configuration from dotfleet.yaml,
// DOTFLEET_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dotfleet/dotfleet-go/pkg/syncround"
	"github.com/dotfleet/dotfleet-go/pkg/transport/sim"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// FileName is the configuration file searched for when no path is given.
const FileName = "dotfleet.yaml"

// EnvPrefix prefixes environment overrides: dashboard.addr is read from
// DOTFLEET_DASHBOARD_ADDR.
const EnvPrefix = "DOTFLEET"

// Transport kinds.
const (
	TransportBlueZ = "bluez"
	TransportSim   = "sim"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete configuration.
type Config struct {
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Trace     TraceConfig     `mapstructure:"trace" yaml:"trace"`
}

// TransportConfig selects the radio.
type TransportConfig struct {
	Kind       string `mapstructure:"kind" yaml:"kind"`
	Adapter    string `mapstructure:"adapter" yaml:"adapter"`
	NameFilter string `mapstructure:"name_filter" yaml:"name_filter"`

	// WaitForService keeps retrying while bluetoothd is not running.
	WaitForService bool `mapstructure:"wait_for_service" yaml:"wait_for_service"`

	// SimDevices is the size of the simulated fleet.
	SimDevices int `mapstructure:"sim_devices" yaml:"sim_devices"`
}

// RecordingConfig configures recordings and telemetry.
type RecordingConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`

	// FlushThreshold is the buffered sample span after which rows are
	// written.
	FlushThreshold time.Duration `mapstructure:"flush_threshold" yaml:"flush_threshold"`

	// Payload is the default measurement payload, by id or name.
	Payload string `mapstructure:"payload" yaml:"payload"`

	ClockSync bool `mapstructure:"clock_sync" yaml:"clock_sync"`

	HeadingReadDelay time.Duration `mapstructure:"heading_read_delay" yaml:"heading_read_delay"`
}

// SyncConfig holds the sync round timings.
type SyncConfig struct {
	DisconnectDelay time.Duration `mapstructure:"disconnect_delay" yaml:"disconnect_delay"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	AckPollDelay    time.Duration `mapstructure:"ack_poll_delay" yaml:"ack_poll_delay"`
	Watchdog        time.Duration `mapstructure:"watchdog" yaml:"watchdog"`
}

// DashboardConfig configures the HTTP server and its advertisement.
type DashboardConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	MDNS      bool   `mapstructure:"mdns" yaml:"mdns"`
	Instance  string `mapstructure:"instance" yaml:"instance"`
	Interface string `mapstructure:"interface" yaml:"interface"`
}

// HistoryConfig locates the history database. An empty path disables it.
type HistoryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures operational logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`

	// File enables a rotating log file in addition to stderr.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// TraceConfig enables protocol trace files. An empty dir disables them.
type TraceConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Transport: TransportConfig{
			Kind:           TransportBlueZ,
			Adapter:        "hci0",
			NameFilter:     wire.SensorName,
			WaitForService: true,
			SimDevices:     3,
		},
		Recording: RecordingConfig{
			Dir:              "recordings",
			FlushThreshold:   time.Second,
			Payload:          "complete_euler",
			ClockSync:        true,
			HeadingReadDelay: 200 * time.Millisecond,
		},
		Sync: SyncConfig{
			DisconnectDelay: syncround.DefaultDisconnectDelay,
			ReconnectDelay:  syncround.DefaultReconnectDelay,
			AckPollDelay:    syncround.DefaultAckPollDelay,
			Watchdog:        syncround.DefaultWatchdog,
		},
		Dashboard: DashboardConfig{
			Addr: ":8080",
			MDNS: true,
		},
		History: HistoryConfig{
			Path: "dotfleet.db",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Transport.Kind {
	case TransportBlueZ:
		if c.Transport.Adapter == "" {
			bad("transport.adapter is empty")
		}
	case TransportSim:
		if c.Transport.SimDevices <= 0 {
			bad("transport.sim_devices must be positive")
		}
	default:
		bad("transport.kind %q (want %s or %s)", c.Transport.Kind, TransportBlueZ, TransportSim)
	}

	if c.Recording.Dir == "" {
		bad("recording.dir is empty")
	}
	if c.Recording.FlushThreshold <= 0 {
		bad("recording.flush_threshold must be positive")
	}
	if _, err := c.PayloadID(); err != nil {
		bad("recording.payload: %v", err)
	}

	for name, d := range map[string]time.Duration{
		"sync.disconnect_delay": c.Sync.DisconnectDelay,
		"sync.reconnect_delay":  c.Sync.ReconnectDelay,
		"sync.ack_poll_delay":   c.Sync.AckPollDelay,
		"sync.watchdog":         c.Sync.Watchdog,
	} {
		if d <= 0 {
			bad("%s must be positive", name)
		}
	}
	if c.Sync.Watchdog <= c.Sync.DisconnectDelay+c.Sync.ReconnectDelay {
		bad("sync.watchdog must exceed disconnect_delay + reconnect_delay")
	}

	if c.Dashboard.Addr == "" {
		bad("dashboard.addr is empty")
	}
	if _, err := c.SlogLevel(); err != nil {
		bad("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format %q (want text or json)", c.Log.Format)
	}
	return errors.Join(errs...)
}

// PayloadID parses Recording.Payload.
func (c *Config) PayloadID() (wire.PayloadID, error) {
	return wire.ParsePayloadID(c.Recording.Payload)
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Log.Level))
	return l, err
}

// SyncRound returns the coordinator config.
func (c *Config) SyncRound() syncround.Config {
	cfg := syncround.DefaultConfig()
	cfg.DisconnectDelay = c.Sync.DisconnectDelay
	cfg.ReconnectDelay = c.Sync.ReconnectDelay
	cfg.AckPollDelay = c.Sync.AckPollDelay
	cfg.Watchdog = c.Sync.Watchdog
	return cfg
}

// SimFleet returns the simulated fleet config.
func (c *Config) SimFleet() sim.Config {
	return sim.Config{Devices: sim.Fleet(c.Transport.SimDevices)}
}

// Options control Load.
type Options struct {
	// Path is an explicit config file. Empty searches FileName in the
	// working directory and the user config directory; a missing file is
	// then not an error.
	Path string

	// Flags maps config keys ("dashboard.addr") to command-line flags.
	// Only flags the user changed override the file.
	Flags map[string]*pflag.Flag
}

// Load reads the configuration and validates it.
func Load(opts Options) (*Config, string, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigType("yaml")
	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "dotfleet"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, "", fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.Path != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.adapter", d.Transport.Adapter)
	v.SetDefault("transport.name_filter", d.Transport.NameFilter)
	v.SetDefault("transport.wait_for_service", d.Transport.WaitForService)
	v.SetDefault("transport.sim_devices", d.Transport.SimDevices)

	v.SetDefault("recording.dir", d.Recording.Dir)
	v.SetDefault("recording.flush_threshold", d.Recording.FlushThreshold)
	v.SetDefault("recording.payload", d.Recording.Payload)
	v.SetDefault("recording.clock_sync", d.Recording.ClockSync)
	v.SetDefault("recording.heading_read_delay", d.Recording.HeadingReadDelay)

	v.SetDefault("sync.disconnect_delay", d.Sync.DisconnectDelay)
	v.SetDefault("sync.reconnect_delay", d.Sync.ReconnectDelay)
	v.SetDefault("sync.ack_poll_delay", d.Sync.AckPollDelay)
	v.SetDefault("sync.watchdog", d.Sync.Watchdog)

	v.SetDefault("dashboard.addr", d.Dashboard.Addr)
	v.SetDefault("dashboard.mdns", d.Dashboard.MDNS)
	v.SetDefault("dashboard.instance", d.Dashboard.Instance)
	v.SetDefault("dashboard.interface", d.Dashboard.Interface)

	v.SetDefault("history.path", d.History.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("trace.dir", d.Trace.Dir)
}

// Marshal renders c as YAML with durations in Go notation ("1.5s").
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// MarshalYAML writes durations as strings.
func (r RecordingConfig) MarshalYAML() (any, error) {
	return struct {
		Dir              string `yaml:"dir"`
		FlushThreshold   string `yaml:"flush_threshold"`
		Payload          string `yaml:"payload"`
		ClockSync        bool   `yaml:"clock_sync"`
		HeadingReadDelay string `yaml:"heading_read_delay"`
	}{
		r.Dir,
		r.FlushThreshold.String(),
		r.Payload,
		r.ClockSync,
		r.HeadingReadDelay.String(),
	}, nil
}

// MarshalYAML writes durations as strings.
func (s SyncConfig) MarshalYAML() (any, error) {
	return struct {
		DisconnectDelay string `yaml:"disconnect_delay"`
		ReconnectDelay  string `yaml:"reconnect_delay"`
		AckPollDelay    string `yaml:"ack_poll_delay"`
		Watchdog        string `yaml:"watchdog"`
	}{
		s.DisconnectDelay.String(),
		s.ReconnectDelay.String(),
		s.AckPollDelay.String(),
		s.Watchdog.String(),
	}, nil
}

// WriteFile writes c to path. It refuses to overwrite unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}
