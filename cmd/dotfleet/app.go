package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotfleet/dotfleet-go/internal/config"
	"github.com/dotfleet/dotfleet-go/pkg/dashboard"
	"github.com/dotfleet/dotfleet-go/pkg/discovery"
	"github.com/dotfleet/dotfleet-go/pkg/log"
	"github.com/dotfleet/dotfleet-go/pkg/orchestrator"
	"github.com/dotfleet/dotfleet-go/pkg/recording"
	"github.com/dotfleet/dotfleet-go/pkg/store"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/transport/bluez"
	"github.com/dotfleet/dotfleet-go/pkg/transport/sim"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// app is one running dotfleet instance.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	transport transport.Transport
	history   *store.Store
	catalog   *recording.Catalog
	trace     *log.FileLogger
	hub       *dashboard.Hub
	orch      *orchestrator.Orchestrator
	server    *dashboard.Server
}

// notifiers fans orchestrator notifications out to several receivers.
type notifiers []orchestrator.Notifier

func (n notifiers) Notify(name string, params map[string]any) {
	for _, r := range n {
		r.Notify(name, params)
	}
}

// newApp wires the components described by cfg. extra receives every
// notification in addition to the dashboard.
func newApp(cfg *config.Config, logger *slog.Logger, extra ...orchestrator.Notifier) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	payload, err := cfg.PayloadID()
	if err != nil {
		return nil, err
	}

	a.catalog, err = recording.NewCatalog(cfg.Recording.Dir)
	if err != nil {
		return nil, err
	}
	a.catalog.Generator = "Generated by dotfleet " + version
	a.catalog.Logger = logger

	if cfg.History.Path != "" {
		a.history, err = store.Open(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
	}

	var trace log.Logger = log.NoopLogger{}
	if cfg.Trace.Dir != "" {
		name := "trace-" + time.Now().UTC().Format("20060102T150405") + ".flog"
		a.trace, err = log.NewFileLogger(filepath.Join(cfg.Trace.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		trace = a.trace
		logger.Info("writing trace", "path", a.trace.Path())
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		trace = log.NewMultiLogger(trace, log.NewSlogAdapter(logger))
	}

	a.transport = newTransport(cfg, logger)
	a.hub = dashboard.NewHub(logger)

	ocfg := orchestrator.Config{
		Transport:        a.transport,
		Notifier:         append(notifiers{a.hub}, extra...),
		OpenSink:         a.openSink,
		Trace:            trace,
		Logger:           logger,
		Sync:             cfg.SyncRound(),
		FlushThreshold:   cfg.Recording.FlushThreshold.Microseconds(),
		HeadingReadDelay: cfg.Recording.HeadingReadDelay,
		Payload:          payload,
		DisableClockSync: !cfg.Recording.ClockSync,
	}
	if a.history != nil {
		ocfg.History = a.history
	}
	a.orch, err = orchestrator.New(ocfg)
	if err != nil {
		return nil, err
	}

	dcfg := dashboard.Config{
		Hub:        a.hub,
		Controller: a.orch,
		Files:      a.catalog,
		Version:    version,
		Logger:     logger,
	}
	if a.history != nil {
		dcfg.History = a.history
	}
	a.server, err = dashboard.New(dcfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newTransport(cfg *config.Config, logger *slog.Logger) transport.Transport {
	if cfg.Transport.Kind == config.TransportSim {
		scfg := cfg.SimFleet()
		scfg.Logger = logger
		return sim.New(scfg)
	}
	return bluez.New(bluez.Config{
		Adapter:        cfg.Transport.Adapter,
		NameFilter:     cfg.Transport.NameFilter,
		WaitForService: cfg.Transport.WaitForService,
		Logger:         logger,
	})
}

func (a *app) openSink(name string, payload wire.PayloadID, start time.Time) (orchestrator.Sink, error) {
	s, err := a.catalog.Open(name, payload, start)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// run serves until ctx is done or a component fails. The listener is
// opened first so its port can be advertised.
func (a *app) run(ctx context.Context) error {
	l, err := net.Listen("tcp", a.cfg.Dashboard.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Dashboard.Addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orch.Run(ctx) })
	g.Go(func() error { return a.server.Serve(ctx, l) })
	g.Go(func() error {
		return a.catalog.Watch(ctx, recording.DefaultSettle, func() {
			if err := a.server.PushFileList(); err != nil {
				a.logger.Warn("push file list", "error", err)
			}
		})
	})
	if a.cfg.Dashboard.MDNS {
		g.Go(func() error {
			err := a.advertise(ctx, l.Addr())
			if err != nil {
				// The dashboard stays reachable by address.
				a.logger.Warn("mdns advertising disabled", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *app) advertise(ctx context.Context, addr net.Addr) error {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{Interface: a.cfg.Dashboard.Interface})
	return adv.Run(ctx, &discovery.Info{
		Instance: a.cfg.Dashboard.Instance,
		Port:     port,
		Version:  version,
		Session:  a.orch.SessionID(),
	})
}

// Close releases the radio, files and the database. It is safe after a
// partial newApp.
func (a *app) Close() error {
	var errs []error
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	if a.trace != nil {
		if n := a.trace.Dropped(); n > 0 {
			a.logger.Warn("trace events dropped", "count", n)
		}
		errs = append(errs, a.trace.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	return errors.Join(errs...)
}
