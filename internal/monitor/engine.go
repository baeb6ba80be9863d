// Package monitor runs one polling task per attached process and escalates
// destinations that stay pending past the delay to a host route.
package monitor

import (
	"context"
	"net/netip"
	"time"

	"escape-vpn/internal/connections"
	"escape-vpn/internal/core"
	"escape-vpn/internal/procnet"
	"escape-vpn/internal/route"
)

// Task describes one attached process.
type Task struct {
	PID          uint32
	Session      string
	Delay        time.Duration
	PollInterval time.Duration
}

// AckFunc receives the outcome of the first poll: nil when the process is
// being tracked, an error wrapping procnet.ErrProcessNotFound otherwise.
type AckFunc func(err error)

// Engine polls connection tables, feeds the registry and installs routes.
type Engine struct {
	registry *connections.Registry
	reader   procnet.Reader
	routes   route.Manager
	bus      *core.EventBus
	now      func() time.Time
}

// NewEngine creates an engine sharing registry and routes with every task.
func NewEngine(registry *connections.Registry, reader procnet.Reader, routes route.Manager, bus *core.EventBus) *Engine {
	return &Engine{
		registry: registry,
		reader:   reader,
		routes:   routes,
		bus:      bus,
		now:      time.Now,
	}
}

// Run polls t.PID until ctx is cancelled. ack is called exactly once: with
// nil once the first poll has been applied to the registry, or with the read
// error if that poll failed, in which case the task ends without touching the
// registry.
func (e *Engine) Run(ctx context.Context, t Task, ack AckFunc) error {
	if t.PollInterval <= 0 {
		t.PollInterval = core.DefaultPollInterval
	}

	core.Log.Infof("Monitor", "pid %d: monitoring started (session=%s, delay=%s, poll=%s)",
		t.PID, t.Session, t.Delay, t.PollInterval)
	defer core.Log.Infof("Monitor", "pid %d: monitoring stopped (session=%s)", t.PID, t.Session)

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	first := true
	for {
		if !first && ctx.Err() != nil {
			return nil
		}

		pending, err := e.poll(t.PID)
		if err != nil {
			if first {
				core.Log.Warnf("Monitor", "pid %d: cannot read connection table: %v", t.PID, err)
				ack(err)
				return err
			}
			// Treated as a tick without pending connections.
			core.Log.Debugf("Monitor", "pid %d: poll failed: %v", t.PID, err)
			pending = nil
		}

		e.Tick(t, pending, e.now())
		if first {
			first = false
			ack(nil)
		}

		timer.Reset(t.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

func (e *Engine) poll(pid uint32) ([]netip.Addr, error) {
	records, err := e.reader.ReadTCP(pid)
	if err != nil {
		return nil, err
	}
	return procnet.PendingRemotes(records), nil
}

// Tick records pending addresses and sweeps the registry in one critical
// section: every Pending entry that has waited at least t.Delay at now gets
// a host route and becomes Routed. A failed route install leaves the entry
// Pending so the next sweep retries it. Entries belong to no task, so the
// shortest delay among running tasks applies to all of them.
func (e *Engine) Tick(t Task, pending []netip.Addr, now time.Time) {
	var installed, failed []core.RoutePayload

	e.registry.Update(func(tx connections.Txn) {
		for _, addr := range pending {
			if tx.UpsertPending(addr, now) {
				core.Log.Debugf("Monitor", "pid %d: %s pending", t.PID, addr)
			}
		}

		tx.ForEachMutable(func(c *connections.Connection) {
			if !c.Due(now, t.Delay) {
				return
			}
			if err := e.routes.AddHostRoute(c.Address); err != nil {
				core.Log.Errorf("Monitor", "pid %d: route for %s failed, will retry: %v", t.PID, c.Address, err)
				failed = append(failed, core.RoutePayload{Address: c.Address, PID: t.PID, Err: err})
				return
			}
			core.Log.Infof("Monitor", "pid %d: %s pending for %s, routed via %s",
				t.PID, c.Address, c.PendingFor(now).Truncate(time.Millisecond), e.routes.Gateway())
			c.State = connections.StateRouted
			c.Since = time.Time{}
			installed = append(installed, core.RoutePayload{Address: c.Address, PID: t.PID})
		})
	})

	for _, p := range failed {
		e.bus.Publish(core.Event{Type: core.EventRouteFailed, Payload: p})
	}
	for _, p := range installed {
		e.bus.Publish(core.Event{Type: core.EventRouteInstalled, Payload: p})
	}
}
