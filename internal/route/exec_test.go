package route

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls  []string
	output string
	err    error
}

func (f *fakeRunner) run(name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	return []byte(f.output), f.err
}

func newTestExec(f *fakeRunner) *ExecManager {
	return &ExecManager{gateway: netip.MustParseAddr("192.168.1.1"), run: f.run}
}

func TestExecManagerCommands(t *testing.T) {
	f := &fakeRunner{}
	m := newTestExec(f)

	require.NoError(t, m.AddHostRoute(netip.MustParseAddr("10.0.0.5")))
	require.NoError(t, m.RemoveHostRoute(netip.MustParseAddr("::ffff:10.0.0.5")))
	assert.Equal(t, []string{
		"ip route add 10.0.0.5/32 via 192.168.1.1",
		"ip route del 10.0.0.5/32",
	}, f.calls)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), m.Gateway())
}

func TestExecManagerToleratesExistingAndMissing(t *testing.T) {
	f := &fakeRunner{output: "RTNETLINK answers: File exists\n", err: errors.New("exit status 2")}
	m := newTestExec(f)
	assert.NoError(t, m.AddHostRoute(netip.MustParseAddr("10.0.0.5")))

	f.output = "RTNETLINK answers: No such process\n"
	assert.NoError(t, m.RemoveHostRoute(netip.MustParseAddr("10.0.0.5")))
}

func TestExecManagerReportsFailure(t *testing.T) {
	f := &fakeRunner{output: "Error: Nexthop has invalid gateway.\n", err: errors.New("exit status 2")}
	m := newTestExec(f)

	err := m.AddHostRoute(netip.MustParseAddr("10.0.0.5"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid gateway")

	f.output = "RTNETLINK answers: File exists\n"
	assert.Error(t, m.RemoveHostRoute(netip.MustParseAddr("10.0.0.5")), "File exists is only tolerated on add")
}

func TestExecManagerRejectsIPv6(t *testing.T) {
	f := &fakeRunner{}
	m := newTestExec(f)
	assert.Error(t, m.AddHostRoute(netip.MustParseAddr("2001:db8::1")))
	assert.Empty(t, f.calls)
}
