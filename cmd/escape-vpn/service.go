package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escape-vpn/internal/core"
	"escape-vpn/internal/daemon"
)

func runService(args []string) int {
	fs := flag.NewFlagSet("service", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (created with defaults if missing)")
	pollingRate := fs.Uint("pooling-rate", 0, "Milliseconds between connection table polls")
	gateway := fs.String("gateway", "", "IPv4 gateway for host routes")
	backend := fs.String("route-backend", "", "Route backend: netlink, exec or dry-run")
	metricsListen := fs.String("metrics", "", "Address to serve Prometheus metrics on")
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) > 1 {
		fmt.Fprintln(os.Stderr, "usage: escape-vpn service [address] [--pooling-rate MS] [--gateway ADDR] [--config FILE]")
		return 2
	}

	var routeBackend core.RouteBackend
	if *backend != "" {
		routeBackend, err = core.ParseRouteBackend(*backend)
		if err != nil {
			fmt.Fprintf(os.Stderr, "escape-vpn: %v\n", err)
			return 2
		}
	}

	bus := core.NewEventBus()
	bus.Subscribe(func(e core.Event) {
		if cfg, ok := e.Payload.(core.Config); ok {
			core.Log.Configure(cfg.Logging)
		}
	}, core.EventConfigReloaded)

	cfgManager := core.NewConfigManager(resolveRelativeToExe(*configPath), bus)
	if err := cfgManager.Load(); err != nil {
		core.Log.Errorf("Core", "Failed to load config: %v", err)
		return 1
	}
	cfgManager.Override(func(c *core.Config) {
		if len(pos) == 1 {
			c.Listen = pos[0]
		}
		if *pollingRate > 0 {
			c.PollInterval = core.Duration(time.Duration(*pollingRate) * time.Millisecond)
		}
		if *gateway != "" {
			c.Gateway = *gateway
		}
		if *backend != "" {
			c.RouteBackend = routeBackend
		}
		if *metricsListen != "" {
			c.MetricsListen = *metricsListen
		}
	})
	cfg := cfgManager.Get()
	core.Log.Configure(cfg.Logging)

	core.Log.Infof("Core", "escape-vpn %s starting (listen=%s, poll=%s, delay=%s, backend=%s)",
		version, cfg.Listen, cfg.PollInterval.Std(), cfg.DefaultDelay.Std(), cfg.RouteBackend)

	ctrl, err := daemon.NewController(daemon.ControllerConfig{
		Config:   cfgManager,
		EventBus: bus,
	})
	if err != nil {
		core.Log.Errorf("Core", "Failed to start daemon: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core.Log.Infof("Core", "Running on %s. Press Ctrl+C to stop.", ctrl.Addr())
	if err := ctrl.Run(ctx); err != nil {
		core.Log.Errorf("Core", "Daemon stopped with error: %v", err)
		return 1
	}
	core.Log.Infof("Core", "Shutdown complete.")
	return 0
}
