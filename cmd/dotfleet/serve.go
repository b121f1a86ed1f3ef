package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dotfleet/dotfleet-go/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recorder and dashboard without a prompt",
	Long: `Run the recorder with the live dashboard.

The dashboard websocket is served at /ws and the REST API under /api/v1.
Unless disabled, the dashboard is advertised over mDNS as _dotfleet._tcp.

Example usage:
  dotfleet serve                              # BlueZ on hci0, port 8080
  dotfleet serve --transport sim --addr :9000 # simulated fleet`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runApp(ctx, cmd, cmd.ErrOrStderr(), nil)
	},
}

// Flags shared by serve and console, keyed by their config key.
var appFlags = map[string]string{
	"transport.kind":        "transport",
	"transport.adapter":     "adapter",
	"transport.sim_devices": "sim-devices",
	"dashboard.addr":        "addr",
	"dashboard.mdns":        "mdns",
	"recording.dir":         "record-dir",
	"recording.payload":     "payload",
	"history.path":          "db",
	"trace.dir":             "trace-dir",
	"log.level":             "log-level",
	"log.file":              "log-file",
}

func addAppFlags(fs *pflag.FlagSet) {
	d := config.DefaultConfig()
	fs.String("transport", d.Transport.Kind, "radio transport (bluez, sim)")
	fs.String("adapter", d.Transport.Adapter, "BlueZ adapter")
	fs.Int("sim-devices", d.Transport.SimDevices, "size of the simulated fleet")
	fs.String("addr", d.Dashboard.Addr, "dashboard listen address")
	fs.Bool("mdns", d.Dashboard.MDNS, "advertise the dashboard over mDNS")
	fs.String("record-dir", d.Recording.Dir, "recordings directory")
	fs.String("payload", d.Recording.Payload, "default measurement payload")
	fs.String("db", d.History.Path, "history database (empty disables)")
	fs.String("trace-dir", d.Trace.Dir, "write protocol traces to this directory")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("log-file", d.Log.File, "also log to this rotating file")
}

// loadConfig reads the configuration with cmd's flags bound.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := make(map[string]*pflag.Flag, len(appFlags))
	for key, name := range appFlags {
		if f := cmd.Flags().Lookup(name); f != nil {
			flags[key] = f
		}
	}
	cfg, _, err := config.Load(config.Options{Path: configPath, Flags: flags})
	return cfg, err
}

// runApp loads the configuration, builds the app and runs it until ctx is
// done. prompt, if set, runs alongside and ends the app when it returns.
func runApp(ctx context.Context, cmd *cobra.Command, logOut io.Writer, prompt *console) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	if prompt != nil {
		logOut = prompt.Stderr()
	}
	logger, logCloser := newLogger(cfg.Log, level, logOut)
	defer logCloser.Close()

	var a *app
	if prompt != nil {
		a, err = newApp(cfg, logger, prompt)
	} else {
		a, err = newApp(cfg, logger)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	logger.Info("dotfleet starting",
		"version", version,
		"transport", cfg.Transport.Kind,
		"dashboard", cfg.Dashboard.Addr,
		"recordings", cfg.Recording.Dir)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if prompt != nil {
		prompt.ctl = a.orch
		prompt.files = a.catalog
		go func() {
			prompt.Run(ctx)
			cancel()
		}()
	}

	if err := a.run(ctx); err != nil {
		return fmt.Errorf("dotfleet: %w", err)
	}
	logger.Info("dotfleet stopped")
	return nil
}

func init() {
	addAppFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}
