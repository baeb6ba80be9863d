package route

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escape-vpn/internal/core"
)

func TestNewValidatesGateway(t *testing.T) {
	_, err := New(Options{Backend: core.RouteBackendExec, Gateway: "not-an-ip"})
	assert.Error(t, err)

	_, err = New(Options{Backend: core.RouteBackendExec, Gateway: "2001:db8::1"})
	assert.Error(t, err)

	_, err = New(Options{Backend: core.RouteBackendExec})
	assert.Error(t, err, "exec needs a gateway")

	m, err := New(Options{Backend: core.RouteBackendExec, Gateway: "192.168.1.1", Retries: 3})
	require.NoError(t, err)
	assert.IsType(t, &retryManager{}, m)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), m.Gateway())

	m, err = New(Options{Backend: core.RouteBackendDryRun, Retries: 1})
	require.NoError(t, err)
	assert.IsType(t, &DryRunManager{}, m)
}

func TestDryRunManager(t *testing.T) {
	m := NewDryRunManager(netip.MustParseAddr("192.168.1.1"))
	assert.NoError(t, m.AddHostRoute(netip.MustParseAddr("10.0.0.5")))
	assert.NoError(t, m.RemoveHostRoute(netip.MustParseAddr("10.0.0.5")))
	assert.Error(t, m.AddHostRoute(netip.MustParseAddr("2001:db8::1")))
}

type flakyManager struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyManager) Gateway() netip.Addr { return netip.MustParseAddr("192.168.1.1") }

func (f *flakyManager) AddHostRoute(netip.Addr) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("transient")
	}
	return nil
}

func (f *flakyManager) RemoveHostRoute(dst netip.Addr) error { return f.AddHostRoute(dst) }

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	f := &flakyManager{failures: 2}
	m := WithRetry(f, 3)
	require.NoError(t, m.AddHostRoute(netip.MustParseAddr("10.0.0.5")))
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	f := &flakyManager{failures: 10}
	m := WithRetry(f, 3)
	assert.Error(t, m.RemoveHostRoute(netip.MustParseAddr("10.0.0.5")))
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestRetrySkipsInvalidInput(t *testing.T) {
	f := &flakyManager{failures: 10}
	m := WithRetry(f, 3)
	assert.Error(t, m.AddHostRoute(netip.MustParseAddr("2001:db8::1")))
	assert.Equal(t, int32(1), f.calls.Load())
}

type closingManager struct {
	flakyManager
	closed bool
}

func (c *closingManager) Close() error {
	c.closed = true
	return nil
}

func TestCloseReachesWrappedBackend(t *testing.T) {
	c := &closingManager{}
	require.NoError(t, Close(WithRetry(c, 3)))
	assert.True(t, c.closed)

	assert.NoError(t, Close(NewDryRunManager(netip.MustParseAddr("192.168.1.1"))))
}
