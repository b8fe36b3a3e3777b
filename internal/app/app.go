// Package app wires the agent's components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/agent"
	"github.com/geekxflood/proteus/internal/cmdserver"
	"github.com/geekxflood/proteus/internal/device"
	"github.com/geekxflood/proteus/internal/history"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/mib"
	"github.com/geekxflood/proteus/internal/reload"
	"github.com/geekxflood/proteus/internal/retry"
	"github.com/geekxflood/proteus/internal/server"
	"golang.org/x/sync/errgroup"
)

// Options are the inputs that do not come from the configuration itself.
type Options struct {
	// ConfigPath is watched for hot reload when set.
	ConfigPath string
	Logger     logging.Logger
	// Opener overrides how the serial port is opened.
	Opener device.Opener
}

// Application owns every component of a running agent.
type Application struct {
	config     config.Manager
	configPath string
	logger     logging.Logger

	metrics   *metrics.MetricsManager
	snapshots *device.Store
	source    device.Source
	poller    *device.Poller
	store     *mib.Store
	agent     *agent.Agent
	server    *server.Server
	cmdServer *cmdserver.Server
	journal   *history.Journal
	reloader  *reload.Manager

	ready chan struct{}
}

// New builds every component from the configuration. Nothing is bound or
// started until Run.
func New(manager config.Manager, opts Options) (*Application, error) {
	if manager == nil {
		return nil, fmt.Errorf("configuration manager cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	a := &Application{
		config:     manager,
		configPath: opts.ConfigPath,
		logger:     opts.Logger.With("component", "app"),
		snapshots:  device.NewStore(),
		ready:      make(chan struct{}),
	}

	initializers := []struct {
		name string
		fn   func() error
	}{
		{"metrics", a.initializeMetrics},
		{"history", a.initializeHistory},
		{"device", func() error { return a.initializeDevice(opts.Opener) }},
		{"MIB", a.initializeMIB},
		{"agent", a.initializeAgent},
		{"server", a.initializeServer},
		{"command server", a.initializeCommandServer},
		{"reload", a.initializeReload},
	}

	for _, init := range initializers {
		if err := init.fn(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize %s: %w", init.name, err)
		}
	}

	a.logger.Info("Application components initialized")
	return a, nil
}

func (a *Application) initializeMetrics() error {
	m, err := metrics.NewMetricsManager(a.config, a.logger)
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

func (a *Application) initializeHistory() error {
	hc, err := history.LoadHistoryConfig(a.config)
	if err != nil {
		return err
	}
	if !hc.Enabled {
		return nil
	}

	journal, err := history.Open(hc, a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.journal = journal

	a.snapshots.OnChange(func(snap device.Snapshot) {
		if err := journal.Record(snap, time.Now()); err != nil {
			a.logger.Error("Failed to record snapshot", "error", err.Error())
		}
	})
	return nil
}

func (a *Application) initializeDevice(opener device.Opener) error {
	dc, err := device.LoadDeviceConfig(a.config)
	if err != nil {
		return err
	}

	switch dc.Source {
	case device.SourceSerial:
		rc, err := retry.LoadRetryConfig(a.config)
		if err != nil {
			return err
		}
		a.source, err = device.NewSerialSource(dc, opener, retry.NewRetryer(rc), a.logger, a.metrics)
		if err != nil {
			return err
		}
	case device.SourceFile:
		a.source, err = device.NewFileSource(dc.File)
		if err != nil {
			return err
		}
	default:
		a.source = device.NewStaticSource(device.Snapshot{})
	}

	a.poller, err = device.NewPoller(a.source, a.snapshots, dc.PollInterval, a.logger, a.metrics)
	return err
}

func (a *Application) initializeMIB() error {
	layout, err := mib.LoadLayout(a.config)
	if err != nil {
		return err
	}

	a.store, err = mib.Build(layout.Declarations())
	if err != nil {
		return err
	}

	a.logger.Info("MIB built", "entries", a.store.Len(), "system_group", layout.System != nil, "demo", layout.Demo)
	return nil
}

func (a *Application) initializeAgent() error {
	access, err := agent.LoadAccessConfig(a.config)
	if err != nil {
		return err
	}

	sc, err := server.LoadServerConfig(a.config)
	if err != nil {
		return err
	}

	a.agent, err = agent.New(a.store, agent.Options{
		Access:       access,
		MaxReplySize: sc.BufferSize,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
	return err
}

func (a *Application) initializeServer() error {
	sc, err := server.LoadServerConfig(a.config)
	if err != nil {
		return err
	}

	layout, err := mib.LoadLayout(a.config)
	if err != nil {
		return err
	}

	a.server, err = server.New(sc, a.store, layout.NewRefresher(time.Now(), a.snapshots), a.agent, a.logger, a.metrics)
	return err
}

func (a *Application) initializeCommandServer() error {
	cc, err := cmdserver.LoadCommandServerConfig(a.config)
	if err != nil {
		return err
	}
	if !cc.Enabled {
		return nil
	}

	a.cmdServer, err = cmdserver.New(cc, a.snapshots, a.logger)
	return err
}

func (a *Application) initializeReload() error {
	rc, err := reload.LoadReloadConfig(a.config)
	if err != nil {
		return err
	}

	a.reloader, err = reload.NewManager(rc, a.logger)
	if err != nil {
		return err
	}

	if a.configPath != "" {
		if err := a.reloader.Watch("config", a.configPath, a.reloadAccess); err != nil {
			return err
		}
	}

	if fs, ok := a.source.(*device.FileSource); ok {
		if err := a.reloader.Watch("device", fs.Path(), fs.Load); err != nil {
			return err
		}
	}
	return nil
}

// reloadAccess re-reads the configuration file and swaps the agent's
// admission policy. Every other setting needs a restart.
func (a *Application) reloadAccess() error {
	if err := a.config.Reload(); err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	access, err := agent.LoadAccessConfig(a.config)
	if err != nil {
		return err
	}
	a.agent.SetAccess(access)
	return nil
}

// Reload re-reads the configuration file and swaps the access policy, the
// same work a change to the watched file triggers.
func (a *Application) Reload() error {
	if a.configPath == "" {
		return fmt.Errorf("no configuration file to reload")
	}
	return a.reloader.Trigger("config")
}

// Run binds the sockets and serves until ctx is cancelled or a component
// fails. A fatal server error is returned as is.
func (a *Application) Run(ctx context.Context) error {
	defer a.close()

	if err := a.metrics.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if a.cmdServer != nil {
		if err := a.cmdServer.Start(ctx); err != nil {
			return err
		}
	}

	if err := a.server.Listen(ctx); err != nil {
		if a.cmdServer != nil {
			a.cmdServer.Stop()
		}
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	a.metrics.SetComponentHealth("server", true)
	g.Go(func() error {
		err := a.server.Run(ctx)
		a.metrics.SetComponentHealth("server", err == nil)
		return err
	})

	g.Go(func() error {
		return a.poller.Run(ctx)
	})

	g.Go(func() error {
		return a.reloader.Run(ctx)
	})

	if a.cmdServer != nil {
		g.Go(func() error {
			<-ctx.Done()
			return a.cmdServer.Stop()
		})
	}

	a.metrics.SetReady(true)
	close(a.ready)
	a.logger.Info("Agent started",
		"udp", a.server.UDPAddr().String(),
		"command_server", a.cmdServer != nil,
		"history", a.journal != nil)

	err := g.Wait()
	a.metrics.SetReady(false)

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Agent stopped with error", "error", err.Error())
		return err
	}

	a.logger.Info("Agent stopped")
	return nil
}

// Ready is closed once Run has bound every socket.
func (a *Application) Ready() <-chan struct{} {
	return a.ready
}

// UDPAddr returns the bound SNMP UDP address. Wait for Ready first.
func (a *Application) UDPAddr() string {
	if addr := a.server.UDPAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Snapshots exposes the device store.
func (a *Application) Snapshots() *device.Store {
	return a.snapshots
}

func (a *Application) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Error("Failed to close history", "error", err.Error())
		}
		a.journal = nil
	}

	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			a.logger.Warn("Failed to stop metrics server", "error", err.Error())
		}
	}
}
