// Package metrics exports daemon state as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"escape-vpn/internal/connections"
	"escape-vpn/internal/core"
)

const (
	namespace = "escape_vpn"

	// maxScrapeConns bounds concurrent connections to the metrics endpoint.
	maxScrapeConns = 8
)

// Metrics holds the daemon's collectors. Counters are driven by bus events;
// registry gauges are computed at scrape time.
type Metrics struct {
	reg *prometheus.Registry

	routes    *prometheus.CounterVec
	attached  prometheus.Gauge
	attaches  prometheus.Counter
	activeRPC prometheus.Gauge
	reloads   prometheus.Counter
}

// New registers collectors for registry and subscribes to bus.
func New(bus *core.EventBus, registry *connections.Registry) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_operations_total",
			Help:      "Host route operations by outcome.",
		}, []string{"result"}),
		attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attached_processes",
			Help:      "Processes currently being monitored.",
		}),
		attaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attaches_total",
			Help:      "Monitoring tasks started.",
		}),
		activeRPC: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_rpcs_active",
			Help:      "Control RPCs in flight, including open attach streams.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads applied.",
		}),
	}

	for _, state := range []connections.State{connections.StatePending, connections.StateRouted} {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connections",
			Help:        "Tracked destinations by state.",
			ConstLabels: prometheus.Labels{"state": state.String()},
		}, func() float64 {
			return float64(registry.Count(state))
		}))
	}
	m.reg.MustRegister(m.routes, m.attached, m.attaches, m.activeRPC, m.reloads)

	for _, result := range []string{"installed", "removed", "failed"} {
		m.routes.WithLabelValues(result)
	}

	bus.Subscribe(m.handle,
		core.EventRouteInstalled,
		core.EventRouteRemoved,
		core.EventRouteFailed,
		core.EventProcessAttached,
		core.EventProcessDetached,
		core.EventConfigReloaded,
	)
	return m
}

func (m *Metrics) handle(e core.Event) {
	switch e.Type {
	case core.EventRouteInstalled:
		m.routes.WithLabelValues("installed").Inc()
	case core.EventRouteRemoved:
		m.routes.WithLabelValues("removed").Inc()
	case core.EventRouteFailed:
		m.routes.WithLabelValues("failed").Inc()
	case core.EventProcessAttached:
		m.attached.Inc()
		m.attaches.Inc()
	case core.EventProcessDetached:
		m.attached.Dec()
	case core.EventConfigReloaded:
		m.reloads.Inc()
	}
}

// SetActiveRPCs records the number of in-flight control RPCs.
func (m *Metrics) SetActiveRPCs(n int64) {
	m.activeRPC.Set(float64(n))
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("[Metrics] listen %s: %w", addr, err)
	}
	return m.serve(ctx, netutil.LimitListener(ln, maxScrapeConns))
}

func (m *Metrics) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		core.Log.Infof("Metrics", "Serving metrics on http://%s/metrics", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("[Metrics] serve %s: %w", ln.Addr(), err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("[Metrics] shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("[Metrics] serve %s: %w", ln.Addr(), err)
		}
		return nil
	}
}
