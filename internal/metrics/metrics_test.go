package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/netutil"

	"escape-vpn/internal/connections"
	"escape-vpn/internal/core"
)

func TestCollectorsFollowEvents(t *testing.T) {
	bus := core.NewEventBus()
	reg := connections.NewRegistry()
	m := New(bus, reg)

	reg.UpsertPending(netip.MustParseAddr("10.0.0.1"), time.Now())
	reg.Insert(connections.NewRouted(netip.MustParseAddr("10.0.0.2")))
	reg.Insert(connections.NewRouted(netip.MustParseAddr("10.0.0.3")))

	bus.Publish(core.Event{Type: core.EventProcessAttached, Payload: core.ProcessPayload{PID: 1}})
	bus.Publish(core.Event{Type: core.EventProcessAttached, Payload: core.ProcessPayload{PID: 2}})
	bus.Publish(core.Event{Type: core.EventProcessDetached, Payload: core.ProcessPayload{PID: 1}})
	bus.Publish(core.Event{Type: core.EventRouteInstalled})
	bus.Publish(core.Event{Type: core.EventRouteFailed})
	m.SetActiveRPCs(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attached))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attaches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.routes.WithLabelValues("removed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeRPC))

	expected := `
# HELP escape_vpn_connections Tracked destinations by state.
# TYPE escape_vpn_connections gauge
escape_vpn_connections{state="pending"} 1
escape_vpn_connections{state="routed"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected), "escape_vpn_connections"))
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New(core.NewEventBus(), connections.NewRegistry())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "escape_vpn_route_operations_total")
}

func TestServeUntilCancelled(t *testing.T) {
	m := New(core.NewEventBus(), connections.NewRegistry())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.serve(ctx, netutil.LimitListener(ln, maxScrapeConns)) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "escape_vpn_attached_processes")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
