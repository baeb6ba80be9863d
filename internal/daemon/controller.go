// Package daemon wires the registry, the monitoring engine and the control
// server into the long-running service process.
package daemon

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"escape-vpn/internal/connections"
	"escape-vpn/internal/core"
	"escape-vpn/internal/ipc"
	"escape-vpn/internal/metrics"
	"escape-vpn/internal/monitor"
	"escape-vpn/internal/procnet"
	"escape-vpn/internal/route"
)

// ControllerConfig holds parameters for creating a Controller. Nil fields
// are built from the configuration.
type ControllerConfig struct {
	Config   *core.ConfigManager
	EventBus *core.EventBus
	Reader   procnet.Reader
	Routes   route.Manager
	Listener net.Listener
}

// Controller owns every daemon component and their lifecycle:
//
//	New → Run (serve until ctx is done) → stop tasks → optional purge → exit
type Controller struct {
	cfg      *core.ConfigManager
	bus      *core.EventBus
	registry *connections.Registry
	store    *connections.Store
	procs    *monitor.Supervisor
	routes   route.Manager
	ownRoute bool
	svc      *Service
	metrics  *metrics.Metrics
	tracker  *ipc.ConnTracker
	server   *ipc.Server
	listener net.Listener

	tasksCtx    context.Context
	cancelTasks context.CancelFunc
	dirty       chan struct{}
}

// NewController builds the daemon. The listener is opened here so callers
// can learn the address before Run.
func NewController(c ControllerConfig) (*Controller, error) {
	if c.Config == nil {
		return nil, fmt.Errorf("[Daemon] config manager is required")
	}
	bus := c.EventBus
	if bus == nil {
		bus = core.NewEventBus()
	}
	cfg := c.Config.Get()

	reader := c.Reader
	if reader == nil {
		reader = newReader(cfg.TableReader)
	}

	routes := c.Routes
	ownRoute := routes == nil
	if ownRoute {
		var err error
		routes, err = route.New(route.Options{
			Backend: cfg.RouteBackend,
			Gateway: cfg.Gateway,
			Retries: cfg.RouteRetries,
		})
		if err != nil {
			return nil, err
		}
	}

	ln := c.Listener
	if ln == nil {
		var err error
		ln, err = ipc.Listen(cfg.Listen)
		if err != nil {
			if ownRoute {
				route.Close(routes)
			}
			return nil, err
		}
	}

	ctrl := &Controller{
		cfg:      c.Config,
		bus:      bus,
		registry: connections.NewRegistry(),
		store:    connections.NewStore(cfg.StateFile),
		procs:    monitor.NewSupervisor(cfg.MaxAttached, bus),
		routes:   routes,
		ownRoute: ownRoute,
		listener: ln,
		dirty:    make(chan struct{}, 1),
	}
	ctrl.tasksCtx, ctrl.cancelTasks = context.WithCancel(context.Background())

	ctrl.metrics = metrics.New(bus, ctrl.registry)
	ctrl.tracker = ipc.NewConnTracker(cfg.MaxClients, ctrl.metrics.SetActiveRPCs)

	ctrl.svc = NewService(ServiceConfig{
		Context:    ctrl.tasksCtx,
		Config:     c.Config,
		Registry:   ctrl.registry,
		Supervisor: ctrl.procs,
		Engine:     monitor.NewEngine(ctrl.registry, reader, routes, bus),
		Routes:     routes,
		EventBus:   bus,
	})
	ctrl.server = ipc.NewServer(ctrl.svc, ctrl.tracker)

	if ctrl.store.Enabled() {
		bus.Subscribe(func(core.Event) { ctrl.markDirty() }, core.EventRouteInstalled, core.EventRouteRemoved)
	}
	return ctrl, nil
}

func newReader(kind core.TableReader) procnet.Reader {
	if kind == core.TableReaderGopsutil {
		return procnet.NewGopsutilReader()
	}
	return procnet.NewProcReader()
}

// Addr returns the control listener address.
func (c *Controller) Addr() net.Addr {
	return c.listener.Addr()
}

// Service returns the control service.
func (c *Controller) Service() *Service {
	return c.svc
}

// Registry returns the shared connection registry.
func (c *Controller) Registry() *connections.Registry {
	return c.registry
}

// Metrics returns the daemon's collectors.
func (c *Controller) Metrics() *metrics.Metrics {
	return c.metrics
}

// Run serves control requests until ctx is cancelled or a component fails,
// then shuts everything down. It returns the first component error.
func (c *Controller) Run(ctx context.Context) error {
	cfg := c.cfg.Get()

	c.restore()

	if err := ipc.PublishAddress(cfg.AddressFile, c.listener.Addr()); err != nil {
		c.listener.Close()
		return err
	}
	core.Log.Infof("Daemon", "Address published to %s", cfg.AddressFile)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.server.Serve(c.listener)
	})

	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return c.metrics.Serve(gctx, cfg.MetricsListen)
		})
	}

	if c.cfg.Path() != "" {
		g.Go(func() error {
			if err := c.cfg.Watch(gctx); err != nil {
				core.Log.Warnf("Daemon", "Config watch disabled: %v", err)
			}
			return nil
		})
	}

	if c.store.Enabled() {
		g.Go(func() error {
			c.persistLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		c.shutdown(cfg)
		return nil
	})

	err := g.Wait()
	core.Log.Infof("Daemon", "Controller exiting")
	return err
}

func (c *Controller) shutdown(cfg core.Config) {
	core.Log.Infof("Daemon", "Shutting down...")

	c.cancelTasks()
	c.procs.StopAll()
	c.server.Stop()

	if cfg.PurgeOnExit {
		n := c.svc.purge()
		core.Log.Infof("Daemon", "Removed %d routes on exit", n)
	}
	c.save()

	if c.ownRoute {
		if err := route.Close(c.routes); err != nil {
			core.Log.Warnf("Daemon", "Close route backend: %v", err)
		}
	}
	if err := ipc.RemoveAddress(cfg.AddressFile); err != nil {
		core.Log.Warnf("Daemon", "%v", err)
	}
}

func (c *Controller) restore() {
	if !c.store.Enabled() {
		return
	}
	addrs, err := c.store.Load()
	if err != nil {
		core.Log.Warnf("Daemon", "State not restored: %v", err)
		return
	}
	if n := connections.Restore(c.registry, addrs); n > 0 {
		core.Log.Infof("Daemon", "Restored %d routed entries from previous run", n)
	}
}

func (c *Controller) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Controller) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dirty:
			c.save()
		}
	}
}

func (c *Controller) save() {
	if err := c.store.Save(c.registry.All()); err != nil {
		core.Log.Warnf("Daemon", "Persist state: %v", err)
	}
}
